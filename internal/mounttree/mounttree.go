// Package mounttree builds and tears down the nested mount hierarchy needed
// to operate inside the not-yet-booted target system.
package mounttree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nithronos/firstboot/internal/progress"
	"nithronos/firstboot/internal/shell"
)

const cmdTimeout = 30 * time.Second

// Entry is one mount step. The close order is the exact reverse of the open
// order, so nested mounts unwind before their parents.
type Entry struct {
	Source  string
	Target  string
	FSType  string
	Options []string
}

type Params struct {
	CryptPartition string
	ESPPartition   string
	KeyFile        string
	Target         string
	MappedName     string
}

// Tree is an open mount hierarchy. Close consumes exactly the set of
// targets that were mounted, even after a partial Open.
type Tree struct {
	run      shell.Runner
	rep      *progress.Reporter
	p        Params
	mounted  []Entry
	unlocked bool
}

const subvolOpts = "compress=zstd:3,noatime"

// Open unlocks the encrypted volume with the disposable keyfile and mounts
// the chroot tree. On failure the returned Tree still carries everything
// mounted so far; the caller must Close it.
func Open(ctx context.Context, run shell.Runner, p Params, rep *progress.Reporter) (*Tree, error) {
	t := &Tree{run: run, rep: rep, p: p}

	t.status("Unlocking encrypted volume")
	if err := shell.Exec(ctx, run, cmdTimeout, "cryptsetup", "open", "--key-file", p.KeyFile, p.CryptPartition, p.MappedName); err != nil {
		return t, fmt.Errorf("unlocking %s: %w", p.CryptPartition, err)
	}
	t.unlocked = true
	mapper := t.MapperPath()

	sub := func(name string) []string {
		return append(strings.Split(subvolOpts, ","), "subvol="+name)
	}
	base := []Entry{
		{Source: mapper, Target: p.Target, FSType: "btrfs", Options: sub("@")},
		{Source: "proc", Target: filepath.Join(p.Target, "proc"), FSType: "proc"},
		{Source: "sysfs", Target: filepath.Join(p.Target, "sys"), FSType: "sysfs"},
		{Source: "dev", Target: filepath.Join(p.Target, "dev"), FSType: "devtmpfs"},
		{Source: "devpts", Target: filepath.Join(p.Target, "dev/pts"), FSType: "devpts"},
		{Source: "efivarfs", Target: filepath.Join(p.Target, "sys/firmware/efi/efivars"), FSType: "efivarfs"},
		{Source: "cgroup2", Target: filepath.Join(p.Target, "sys/fs/cgroup"), FSType: "cgroup2"},
		{Source: mapper, Target: filepath.Join(p.Target, ".snapshots"), FSType: "btrfs", Options: sub("@snapshots")},
		{Source: mapper, Target: filepath.Join(p.Target, "var"), FSType: "btrfs", Options: sub("@var")},
	}
	for _, e := range base {
		if err := t.mount(ctx, e); err != nil {
			return t, err
		}
	}

	etcEnt, err := t.etcEntry()
	if err != nil {
		return t, err
	}
	if err := t.mount(ctx, etcEnt); err != nil {
		return t, err
	}

	rest := []Entry{
		{Source: p.ESPPartition, Target: filepath.Join(p.Target, "boot/efi"), FSType: "vfat"},
		{Source: "tmpfs", Target: filepath.Join(p.Target, "tmp"), FSType: "tmpfs"},
		{Source: "securityfs", Target: filepath.Join(p.Target, "sys/kernel/security"), FSType: "securityfs"},
	}
	for _, e := range rest {
		if err := t.mount(ctx, e); err != nil {
			return t, err
		}
	}

	return t, nil
}

// MapperPath is the decrypted volume's block device.
func (t *Tree) MapperPath() string {
	return "/dev/mapper/" + t.p.MappedName
}

// Root is the chroot target directory.
func (t *Tree) Root() string {
	return t.p.Target
}

// Targets lists currently mounted targets in mount order.
func (t *Tree) Targets() []string {
	out := make([]string, len(t.mounted))
	for i, e := range t.mounted {
		out[i] = e.Target
	}
	return out
}

func (t *Tree) status(format string, args ...any) {
	if t.rep != nil {
		t.rep.Statusf(format, args...)
	}
}

func (t *Tree) mount(ctx context.Context, e Entry) error {
	t.status("Mounting %s", e.Target)
	if err := os.MkdirAll(e.Target, 0o755); err != nil {
		return fmt.Errorf("creating mount point %s: %w", e.Target, err)
	}
	if e.FSType == "overlay" {
		if err := ensureOverlayDirs(e.Options); err != nil {
			return err
		}
	}
	args := []string{}
	if e.FSType != "" {
		args = append(args, "-t", e.FSType)
	}
	if len(e.Options) > 0 {
		args = append(args, "-o", strings.Join(e.Options, ","))
	}
	args = append(args, e.Source, e.Target)
	if err := shell.Exec(ctx, t.run, cmdTimeout, "mount", args...); err != nil {
		return fmt.Errorf("mounting %s: %w", e.Target, err)
	}
	t.mounted = append(t.mounted, e)
	return nil
}

func ensureOverlayDirs(opts []string) error {
	for _, o := range opts {
		key, val, found := strings.Cut(o, "=")
		if !found || (key != "upperdir" && key != "workdir") {
			continue
		}
		if err := os.MkdirAll(val, 0o755); err != nil {
			return fmt.Errorf("creating overlay dir %s: %w", val, err)
		}
	}
	return nil
}

// etcEntry inspects the target's own fstab for the /etc mount. A declared
// overlay is reconstructed with its paths rewritten under the chroot target;
// anything else becomes a bind mount of the target's /etc onto itself.
func (t *Tree) etcEntry() (Entry, error) {
	etcTarget := filepath.Join(t.p.Target, "etc")
	bind := Entry{Source: etcTarget, Target: etcTarget, Options: []string{"bind"}}

	data, err := os.ReadFile(filepath.Join(t.p.Target, "etc/fstab"))
	if err != nil {
		if os.IsNotExist(err) {
			return bind, nil
		}
		return Entry{}, fmt.Errorf("reading target fstab: %w", err)
	}
	ent, ok := LookupTarget(ParseFstab(data), "/etc")
	if !ok || ent.FSType != "overlay" {
		return bind, nil
	}
	return Entry{
		Source:  "overlay",
		Target:  etcTarget,
		FSType:  "overlay",
		Options: RewriteOverlayOptions(ent.Options, t.p.Target),
	}, nil
}

// Close unmounts every mounted entry innermost-first, then locks the
// encrypted volume. Every entry is attempted even when earlier ones fail.
func (t *Tree) Close(ctx context.Context) error {
	var errs []error
	for i := len(t.mounted) - 1; i >= 0; i-- {
		e := t.mounted[i]
		t.status("Unmounting %s", e.Target)
		if err := shell.Exec(ctx, t.run, cmdTimeout, "umount", e.Target); err != nil {
			errs = append(errs, err)
		}
	}
	t.mounted = nil
	if t.unlocked {
		t.status("Locking encrypted volume")
		if err := shell.Exec(ctx, t.run, cmdTimeout, "cryptsetup", "close", t.p.MappedName); err != nil {
			errs = append(errs, err)
		}
		t.unlocked = false
	}
	return errors.Join(errs...)
}
