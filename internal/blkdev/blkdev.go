package blkdev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"nithronos/firstboot/internal/shell"
)

var (
	ErrPartitionNotFound  = errors.New("no matching partition")
	ErrAmbiguousPartition = errors.New("multiple matching partitions")
)

type Partition struct {
	Name      string
	Path      string
	FSType    string
	SizeBytes int64
}

type lsblkJSON struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Type     string        `json:"type"`
	FSType   string        `json:"fstype"`
	Size     any           `json:"size"`
	Children []lsblkDevice `json:"children"`
}

func parseSizeToBytes(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// Probe lists the partitions of device via lsblk.
func Probe(ctx context.Context, run shell.Runner, device string) ([]Partition, error) {
	res, err := run(ctx, 5*time.Second, "lsblk", "-J", "-b", "-o", "NAME,PATH,TYPE,FSTYPE,SIZE", device)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", device, err)
	}
	var tree lsblkJSON
	if err := json.Unmarshal(res.Stdout, &tree); err != nil {
		return nil, fmt.Errorf("parsing lsblk output for %s: %w", device, err)
	}
	out := []Partition{}
	var walk func(d lsblkDevice)
	walk = func(d lsblkDevice) {
		if d.Type == "part" {
			out = append(out, Partition{
				Name:      d.Name,
				Path:      d.Path,
				FSType:    d.FSType,
				SizeBytes: parseSizeToBytes(d.Size),
			})
		}
		for _, c := range d.Children {
			walk(c)
		}
	}
	for _, d := range tree.Blockdevices {
		walk(d)
	}
	return out, nil
}

// Predicate selects a partition by filesystem probe.
type Predicate struct {
	Desc  string
	Match func(Partition) bool
}

var (
	IsLUKS = Predicate{Desc: "crypto_LUKS", Match: func(p Partition) bool { return p.FSType == "crypto_LUKS" }}
	IsESP  = Predicate{Desc: "vfat", Match: func(p Partition) bool { return p.FSType == "vfat" }}
)

// Locate returns the single partition matching pred. Zero matches is
// ErrPartitionNotFound; more than one is ErrAmbiguousPartition — discovery
// refuses to guess between candidates.
func Locate(parts []Partition, pred Predicate) (Partition, error) {
	var found []Partition
	for _, p := range parts {
		if pred.Match(p) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return Partition{}, fmt.Errorf("%s: %w", pred.Desc, ErrPartitionNotFound)
	case 1:
		return found[0], nil
	}
	return Partition{}, fmt.Errorf("%s (%d candidates): %w", pred.Desc, len(found), ErrAmbiguousPartition)
}

// FsUUID returns the filesystem UUID of dev as reported by blkid.
func FsUUID(ctx context.Context, run shell.Runner, dev string) (string, error) {
	out, err := shell.Output(ctx, run, 5*time.Second, "blkid", "-s", "UUID", "-o", "value", dev)
	if err != nil {
		return "", fmt.Errorf("reading UUID of %s: %w", dev, err)
	}
	if out == "" {
		return "", fmt.Errorf("no UUID on %s", dev)
	}
	return out, nil
}

// VolumeUUID is FsUUID plus a well-formedness check. Only usable for
// filesystems with RFC 4122 identifiers; vfat volume IDs are shorter, so the
// ESP goes through FsUUID directly.
func VolumeUUID(ctx context.Context, run shell.Runner, dev string) (string, error) {
	out, err := FsUUID(ctx, run, dev)
	if err != nil {
		return "", err
	}
	if _, err := uuid.Parse(out); err != nil {
		return "", fmt.Errorf("malformed UUID %q on %s: %w", out, dev, err)
	}
	return out, nil
}
