// Package bootcfg writes the unlock and boot configuration inside the
// mounted target tree and drives the boot-manager installer.
package bootcfg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nithronos/firstboot/internal/progress"
	"nithronos/firstboot/internal/recoverykey"
	"nithronos/firstboot/internal/shell"
)

// PCRList are the measurement registers the unlock policy seals against:
// bootloader and drivers (4), partition table (5), secure-boot state (7) and
// initrd (9). These change only on intentional updates; registers tied to
// firmware or hardware churn are excluded so they cannot force recovery-key
// use.
const PCRList = "4,5,7,9"

const (
	fstabPath     = "etc/fstab"
	cmdlinePath   = "etc/kernel/cmdline"
	crypttabPath  = "etc/crypttab"
	policyPath    = "etc/sysconfig/fde-tools"
	privKeyPath   = "etc/fde/measurement-key.pem"
	pubKeyPath    = "etc/fde/measurement-key.pub.pem"
	refreshUnit   = "fde-refresh-predictions.service"
	unitDir       = "etc/systemd/system"
	dracutDropin  = "etc/dracut.conf.d/99-nos-firstboot.conf"
	installSecret = "tmp/nos-firstboot-secret"
)

const installTimeout = 10 * time.Minute

type Options struct {
	ESPUUID        string
	VolumeUUID     string
	CryptUUID      string
	CryptPartition string
	MappedName     string
	KeyFile        string
	RecoveryKey    recoverykey.Key
	TPM            bool
}

type Provisioner struct {
	run  shell.Runner
	root string
	log  zerolog.Logger
	rep  *progress.Reporter
}

func New(run shell.Runner, root string, log zerolog.Logger, rep *progress.Reporter) *Provisioner {
	return &Provisioner{run: run, root: root, log: log, rep: rep}
}

func (p *Provisioner) status(format string, args ...any) {
	if p.rep != nil {
		p.rep.Statusf(format, args...)
	}
}

// Apply runs the full boot-provisioning sequence against the mounted tree.
// Every step is fatal; the caller owns mount teardown on failure.
func (p *Provisioner) Apply(ctx context.Context, o Options) error {
	p.status("Updating mount table")
	if err := p.rewriteESPLine(o.ESPUUID); err != nil {
		return fmt.Errorf("rewriting ESP mount entry: %w", err)
	}

	p.status("Updating kernel command line")
	if err := p.appendRootCmdline(o.VolumeUUID); err != nil {
		return fmt.Errorf("updating kernel command line: %w", err)
	}

	p.status("Writing unlock table")
	if err := p.writeCrypttab(o); err != nil {
		return fmt.Errorf("writing crypttab: %w", err)
	}

	if o.TPM {
		p.status("Preparing measurement policy")
		if err := p.ensureMeasurementKeys(); err != nil {
			return fmt.Errorf("generating measurement keys: %w", err)
		}
		// the installer refuses to run without the policy file in place
		if err := p.writePCRPolicy(); err != nil {
			return fmt.Errorf("writing PCR policy: %w", err)
		}
	}

	p.status("Installing boot manager")
	if err := p.installBootManager(ctx, o); err != nil {
		return fmt.Errorf("installing boot manager: %w", err)
	}

	if o.TPM {
		p.status("Registering prediction refresh")
		if err := p.registerPredictionRefresh(); err != nil {
			return fmt.Errorf("registering prediction refresh: %w", err)
		}
		p.status("Computing measurement predictions")
		if err := shell.ExecChroot(ctx, p.run, installTimeout, p.root, "sdbootutil", "update-predictions"); err != nil {
			return fmt.Errorf("updating predictions: %w", err)
		}
		p.status("Enrolling TPM unlock")
		if err := p.enrollTPM(ctx, o); err != nil {
			return fmt.Errorf("enrolling TPM unlock: %w", err)
		}
	}

	return nil
}

// rewriteESPLine keys the boot-filesystem fstab entry by filesystem UUID
// instead of a device path. A missing entry is created.
func (p *Provisioner) rewriteESPLine(espUUID string) error {
	path := filepath.Join(p.root, fstabPath)
	content := ""
	if b, err := os.ReadFile(path); err == nil {
		content = string(b)
	} else if !os.IsNotExist(err) {
		return err
	}

	source := "UUID=" + espUUID
	lines := strings.Split(content, "\n")
	replaced := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 || fields[1] != "/boot/efi" {
			continue
		}
		fields[0] = source
		lines[i] = strings.Join(fields, " ")
		replaced = true
	}
	content = strings.Join(lines, "\n")
	if !replaced {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += source + " /boot/efi vfat defaults 0 2\n"
	}
	return writeFileAtomic(path, []byte(content), 0o644)
}

// appendRootCmdline adds the root volume UUID argument the prediction
// tooling needs. Idempotent.
func (p *Provisioner) appendRootCmdline(volUUID string) error {
	path := filepath.Join(p.root, cmdlinePath)
	content := ""
	if b, err := os.ReadFile(path); err == nil {
		content = string(b)
	} else if !os.IsNotExist(err) {
		return err
	}

	token := "root=UUID=" + volUUID
	for _, f := range strings.Fields(content) {
		if f == token {
			return nil
		}
	}
	content = strings.TrimSpace(content + " " + token)
	return writeFileAtomic(path, []byte(content+"\n"), 0o644)
}

func (p *Provisioner) writeCrypttab(o Options) error {
	line := fmt.Sprintf("%s UUID=%s none x-initrd.attach", o.MappedName, o.CryptUUID)
	if o.TPM {
		line += ",tpm2-device=auto"
	}
	return ensureLine(filepath.Join(p.root, crypttabPath), line)
}

func (p *Provisioner) writePCRPolicy() error {
	content := "# Written by nos-firstboot; registers the unlock policy is sealed against.\n" +
		"FDE_SEAL_PCR_LIST=" + PCRList + "\n"
	return writeFileAtomic(filepath.Join(p.root, policyPath), []byte(content), 0o644)
}

// installBootManager installs the boot manager into the ESP mount point and
// builds an initrd for every installed kernel. The recovery key is handed
// over as the one-time install secret through a root-only file on the
// tree's tmpfs.
func (p *Provisioner) installBootManager(ctx context.Context, o Options) error {
	secretHost := filepath.Join(p.root, installSecret)
	if err := os.MkdirAll(filepath.Dir(secretHost), 0o755); err != nil {
		return fmt.Errorf("staging install secret: %w", err)
	}
	if err := os.WriteFile(secretHost, []byte(o.RecoveryKey), 0o600); err != nil {
		return fmt.Errorf("staging install secret: %w", err)
	}
	defer os.Remove(secretHost)

	if err := shell.ExecChroot(ctx, p.run, installTimeout, p.root,
		"sdbootutil", "--esp-path", "/boot/efi", "--secret-file", "/"+installSecret, "install"); err != nil {
		return err
	}

	// dracut's hostonly probing misdetects devices when rebuilding initrds
	// from inside the chroot; force it off for this run only.
	dropin := filepath.Join(p.root, dracutDropin)
	if err := writeFileAtomic(dropin, []byte("hostonly=\"no\"\n"), 0o644); err != nil {
		return fmt.Errorf("writing dracut override: %w", err)
	}
	err := shell.ExecChroot(ctx, p.run, installTimeout, p.root, "sdbootutil", "add-all-kernels")
	if rmErr := os.Remove(dropin); err == nil && rmErr != nil {
		err = fmt.Errorf("restoring dracut config: %w", rmErr)
	}
	return err
}

// registerPredictionRefresh installs a one-shot first-boot unit that
// refreshes measurement predictions and then removes itself.
func (p *Provisioner) registerPredictionRefresh() error {
	unit := "[Unit]\n" +
		"Description=Refresh FDE measurement predictions\n" +
		"After=local-fs.target\n" +
		"\n" +
		"[Service]\n" +
		"Type=oneshot\n" +
		"ExecStart=/usr/bin/sdbootutil update-predictions\n" +
		"ExecStartPost=/usr/bin/rm -f /" + unitDir + "/" + refreshUnit +
		" /" + unitDir + "/default.target.wants/" + refreshUnit + "\n" +
		"\n" +
		"[Install]\n" +
		"WantedBy=default.target\n"

	unitPath := filepath.Join(p.root, unitDir, refreshUnit)
	if err := writeFileAtomic(unitPath, []byte(unit), 0o644); err != nil {
		return err
	}
	wantsDir := filepath.Join(p.root, unitDir, "default.target.wants")
	if err := os.MkdirAll(wantsDir, 0o755); err != nil {
		return err
	}
	link := filepath.Join(wantsDir, refreshUnit)
	if err := os.Symlink("../"+refreshUnit, link); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

// enrollTPM enrolls hardware-backed unlock on the encrypted partition,
// proving possession with the disposable keyfile.
func (p *Provisioner) enrollTPM(ctx context.Context, o Options) error {
	pcrs := strings.ReplaceAll(PCRList, ",", "+")
	return shell.Exec(ctx, p.run, 2*time.Minute, "systemd-cryptenroll",
		"--unlock-key-file="+o.KeyFile,
		"--tpm2-device=auto",
		"--tpm2-pcrs="+pcrs,
		o.CryptPartition)
}
