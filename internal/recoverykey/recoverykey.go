// Package recoverykey derives the permanent recovery credential committed as
// a keyslot at the end of first-boot provisioning.
package recoverykey

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

// RawLen is the entropy behind a key, in bytes.
const RawLen = 32

// alphabet is the modhex character set: unambiguous to transcribe by hand
// and stable across keyboard layouts and barcode scanners.
const alphabet = "cbdefghijklnrtuv"

// Key is the recovery credential. It is a secret; log Redacted(), never the
// value itself.
type Key string

func (k Key) Redacted() string {
	if len(k) < 8 {
		return "********"
	}
	return string(k[:8]) + "-..."
}

// Encode maps raw to 64 modhex characters in 8 hyphen-separated groups of 8.
// Pure function of its input.
func Encode(raw [RawLen]byte) Key {
	var b strings.Builder
	b.Grow(RawLen*2 + RawLen/4 - 1)
	for i, by := range raw {
		if i > 0 && i%4 == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(alphabet[by>>4])
		b.WriteByte(alphabet[by&0x0f])
	}
	return Key(b.String())
}

// Generate reads fresh entropy and encodes it. An entropy failure is fatal
// for the whole run; callers must not retry with a weaker source.
func Generate() (Key, error) {
	var raw [RawLen]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return Encode(raw), nil
}
