// Package luks manages the permanent unlock slots committed at the end of
// the provisioning run.
package luks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"nithronos/firstboot/internal/recoverykey"
	"nithronos/firstboot/internal/shell"
)

const cmdTimeout = 2 * time.Minute

// KeySlots returns the populated keyslot IDs of a LUKS2 device.
func KeySlots(ctx context.Context, run shell.Runner, dev string) ([]int, error) {
	out, err := shell.Output(ctx, run, cmdTimeout, "cryptsetup", "luksDump", "--dump-json-metadata", dev)
	if err != nil {
		return nil, fmt.Errorf("dumping metadata of %s: %w", dev, err)
	}
	var meta struct {
		Keyslots map[string]json.RawMessage `json:"keyslots"`
	}
	if err := json.Unmarshal([]byte(out), &meta); err != nil {
		return nil, fmt.Errorf("parsing metadata of %s: %w", dev, err)
	}
	slots := make([]int, 0, len(meta.Keyslots))
	for k := range meta.Keyslots {
		n, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		slots = append(slots, n)
	}
	sort.Ints(slots)
	return slots, nil
}

// AddKeySlot adds secret as a new unlock slot, proving possession with the
// existing keyfile. The secret transits through a root-only temp file, never
// through argv. The new slot ID is returned.
func AddKeySlot(ctx context.Context, run shell.Runner, dev, keyFile string, secret []byte) (int, error) {
	before, err := KeySlots(ctx, run, dev)
	if err != nil {
		return -1, err
	}

	tmpDir, err := os.MkdirTemp("", "nos-firstboot-")
	if err != nil {
		return -1, fmt.Errorf("staging new key: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	newKey := filepath.Join(tmpDir, "newkey")
	if err := os.WriteFile(newKey, secret, 0o600); err != nil {
		return -1, fmt.Errorf("staging new key: %w", err)
	}

	if err := shell.Exec(ctx, run, cmdTimeout, "cryptsetup", "luksAddKey", "--key-file", keyFile, dev, newKey); err != nil {
		return -1, fmt.Errorf("adding keyslot on %s: %w", dev, err)
	}

	after, err := KeySlots(ctx, run, dev)
	if err != nil {
		return -1, err
	}
	seen := map[int]bool{}
	for _, s := range before {
		seen[s] = true
	}
	for _, s := range after {
		if !seen[s] {
			return s, nil
		}
	}
	return -1, fmt.Errorf("no new keyslot visible on %s", dev)
}

// tagRecoverySlot imports token metadata marking slot as a recovery-type
// credential so unlock tooling can tell it apart from passphrases.
func tagRecoverySlot(ctx context.Context, run shell.Runner, dev string, slot int) error {
	token := struct {
		Type     string   `json:"type"`
		Keyslots []string `json:"keyslots"`
	}{Type: "systemd-recovery", Keyslots: []string{strconv.Itoa(slot)}}
	b, err := json.Marshal(token)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "nos-firstboot-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)
	tokenFile := filepath.Join(tmpDir, "token.json")
	if err := os.WriteFile(tokenFile, b, 0o600); err != nil {
		return err
	}

	if err := shell.Exec(ctx, run, cmdTimeout, "cryptsetup", "token", "import", "--json-file", tokenFile, dev); err != nil {
		return fmt.Errorf("importing recovery token on %s: %w", dev, err)
	}
	return nil
}

// AddRecoverySlot commits the recovery credential as a permanent slot and
// tags it. Must only run after the mount tree is fully torn down.
func AddRecoverySlot(ctx context.Context, run shell.Runner, dev, keyFile string, key recoverykey.Key) error {
	slot, err := AddKeySlot(ctx, run, dev, keyFile, []byte(key))
	if err != nil {
		return err
	}
	return tagRecoverySlot(ctx, run, dev, slot)
}

// AddPassphraseSlot commits a user passphrase as an unlock slot.
func AddPassphraseSlot(ctx context.Context, run shell.Runner, dev, keyFile, passphrase string) error {
	_, err := AddKeySlot(ctx, run, dev, keyFile, []byte(passphrase))
	return err
}
