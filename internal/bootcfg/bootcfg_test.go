package bootcfg

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"nithronos/firstboot/internal/shell"
)

type call struct {
	name string
	args []string
}

func testOptions(tpm bool) Options {
	return Options{
		ESPUUID:        "ABCD-1234",
		VolumeUUID:     "0f7c3a52-9a1e-4f0b-8b6e-2f1d54c1a9e3",
		CryptUUID:      "5d41c0de-1111-2222-3333-444455556666",
		CryptPartition: "/dev/vda2",
		MappedName:     "nos-root",
		KeyFile:        "/var/lib/nos/firstboot.key",
		RecoveryKey:    "cccccccc-cccccccc-cccccccc-cccccccc-cccccccc-cccccccc-cccccccc-cccccccc",
		TPM:            tpm,
	}
}

func newTestProvisioner(t *testing.T, calls *[]call, observe func(name string, args []string)) *Provisioner {
	t.Helper()
	run := func(ctx context.Context, timeout time.Duration, name string, args ...string) (shell.Result, error) {
		*calls = append(*calls, call{name: name, args: args})
		if observe != nil {
			observe(name, args)
		}
		return shell.Result{}, nil
	}
	return New(run, t.TempDir(), zerolog.Nop(), nil)
}

func TestRewriteESPLine(t *testing.T) {
	var calls []call
	p := newTestProvisioner(t, &calls, nil)
	fstab := "/dev/vda1 /boot/efi vfat defaults 0 2\n/dev/mapper/nos-root / btrfs subvol=@ 0 1\n"
	path := filepath.Join(p.root, "etc/fstab")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte(fstab), 0o644)

	if err := p.rewriteESPLine("ABCD-1234"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	b, _ := os.ReadFile(path)
	got := string(b)
	if !strings.Contains(got, "UUID=ABCD-1234 /boot/efi vfat defaults 0 2") {
		t.Fatalf("esp line not rewritten: %s", got)
	}
	if strings.Contains(got, "/dev/vda1") {
		t.Fatalf("device path survived: %s", got)
	}
	if !strings.Contains(got, "/dev/mapper/nos-root / btrfs") {
		t.Fatalf("unrelated line touched: %s", got)
	}
}

func TestRewriteESPLineCreatesMissingEntry(t *testing.T) {
	var calls []call
	p := newTestProvisioner(t, &calls, nil)
	if err := p.rewriteESPLine("ABCD-1234"); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(p.root, "etc/fstab"))
	if !strings.Contains(string(b), "UUID=ABCD-1234 /boot/efi vfat defaults 0 2") {
		t.Fatalf("entry not created: %s", b)
	}
}

func TestAppendRootCmdlineIdempotent(t *testing.T) {
	var calls []call
	p := newTestProvisioner(t, &calls, nil)
	path := filepath.Join(p.root, "etc/kernel/cmdline")
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, []byte("quiet splash\n"), 0o644)

	uuid := "0f7c3a52-9a1e-4f0b-8b6e-2f1d54c1a9e3"
	if err := p.appendRootCmdline(uuid); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := p.appendRootCmdline(uuid); err != nil {
		t.Fatalf("append again: %v", err)
	}
	b, _ := os.ReadFile(path)
	got := strings.TrimSpace(string(b))
	if got != "quiet splash root=UUID="+uuid {
		t.Fatalf("cmdline: %q", got)
	}
}

func TestWriteCrypttabModes(t *testing.T) {
	var calls []call
	p := newTestProvisioner(t, &calls, nil)
	if err := p.writeCrypttab(testOptions(true)); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(p.root, "etc/crypttab"))
	want := "nos-root UUID=5d41c0de-1111-2222-3333-444455556666 none x-initrd.attach,tpm2-device=auto"
	if strings.TrimSpace(string(b)) != want {
		t.Fatalf("crypttab: %q", b)
	}

	p2 := newTestProvisioner(t, &calls, nil)
	if err := p2.writeCrypttab(testOptions(false)); err != nil {
		t.Fatalf("write: %v", err)
	}
	b2, _ := os.ReadFile(filepath.Join(p2.root, "etc/crypttab"))
	if strings.Contains(string(b2), "tpm2-device") {
		t.Fatalf("fallback crypttab has tpm hint: %q", b2)
	}
	if !strings.Contains(string(b2), "x-initrd.attach") {
		t.Fatalf("fallback crypttab: %q", b2)
	}
}

func TestEnsureMeasurementKeysIdempotent(t *testing.T) {
	var calls []call
	p := newTestProvisioner(t, &calls, nil)
	if err := p.ensureMeasurementKeys(); err != nil {
		t.Fatalf("keys: %v", err)
	}
	priv, err := os.ReadFile(filepath.Join(p.root, privKeyPath))
	if err != nil {
		t.Fatalf("private key: %v", err)
	}
	if !strings.Contains(string(priv), "PRIVATE KEY") {
		t.Fatalf("private key pem: %q", priv[:40])
	}
	pub, err := os.ReadFile(filepath.Join(p.root, pubKeyPath))
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if !strings.Contains(string(pub), "PUBLIC KEY") {
		t.Fatalf("public key pem: %q", pub[:40])
	}

	if err := p.ensureMeasurementKeys(); err != nil {
		t.Fatalf("keys again: %v", err)
	}
	priv2, _ := os.ReadFile(filepath.Join(p.root, privKeyPath))
	if string(priv) != string(priv2) {
		t.Fatal("key regenerated on second run")
	}
}

func TestApplyTPMSequence(t *testing.T) {
	var calls []call
	var policyAtInstall, secretAtInstall, dropinAtKernels bool
	var p *Provisioner
	p = newTestProvisioner(t, &calls, func(name string, args []string) {
		joined := strings.Join(args, " ")
		if name == "chroot" && strings.Contains(joined, " install") {
			_, err := os.Stat(filepath.Join(p.root, policyPath))
			policyAtInstall = err == nil
			_, err = os.Stat(filepath.Join(p.root, installSecret))
			secretAtInstall = err == nil
		}
		if name == "chroot" && strings.Contains(joined, "add-all-kernels") {
			_, err := os.Stat(filepath.Join(p.root, dracutDropin))
			dropinAtKernels = err == nil
		}
	})

	if err := p.Apply(context.Background(), testOptions(true)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	var order []string
	for _, c := range calls {
		joined := c.name + " " + strings.Join(c.args, " ")
		switch {
		case strings.Contains(joined, " install"):
			order = append(order, "install")
		case strings.Contains(joined, "add-all-kernels"):
			order = append(order, "kernels")
		case strings.Contains(joined, "update-predictions"):
			order = append(order, "predict")
		case strings.HasPrefix(joined, "systemd-cryptenroll"):
			order = append(order, "enroll")
		}
	}
	want := []string{"install", "kernels", "predict", "enroll"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("order: %v", order)
	}

	if !policyAtInstall {
		t.Fatal("PCR policy file missing when installer ran")
	}
	if !secretAtInstall {
		t.Fatal("install secret missing when installer ran")
	}
	if !dropinAtKernels {
		t.Fatal("dracut override missing during initrd build")
	}
	if _, err := os.Stat(filepath.Join(p.root, dracutDropin)); !os.IsNotExist(err) {
		t.Fatal("dracut override not restored")
	}
	if _, err := os.Stat(filepath.Join(p.root, installSecret)); !os.IsNotExist(err) {
		t.Fatal("install secret not removed")
	}

	b, err := os.ReadFile(filepath.Join(p.root, policyPath))
	if err != nil {
		t.Fatalf("policy file: %v", err)
	}
	if !strings.Contains(string(b), "FDE_SEAL_PCR_LIST=4,5,7,9") {
		t.Fatalf("policy content: %s", b)
	}

	unit, err := os.ReadFile(filepath.Join(p.root, unitDir, refreshUnit))
	if err != nil {
		t.Fatalf("unit file: %v", err)
	}
	if !strings.Contains(string(unit), "update-predictions") || !strings.Contains(string(unit), "rm -f") {
		t.Fatalf("unit content: %s", unit)
	}
	if _, err := os.Lstat(filepath.Join(p.root, unitDir, "default.target.wants", refreshUnit)); err != nil {
		t.Fatalf("wants link: %v", err)
	}

	var enroll call
	for _, c := range calls {
		if c.name == "systemd-cryptenroll" {
			enroll = c
		}
	}
	joined := strings.Join(enroll.args, " ")
	if !strings.Contains(joined, "--tpm2-pcrs=4+5+7+9") || !strings.Contains(joined, "--unlock-key-file=/var/lib/nos/firstboot.key") || !strings.Contains(joined, "/dev/vda2") {
		t.Fatalf("enroll args: %v", enroll.args)
	}
}

func TestApplyFallbackSkipsTPM(t *testing.T) {
	var calls []call
	p := newTestProvisioner(t, &calls, nil)
	if err := p.Apply(context.Background(), testOptions(false)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.root, policyPath)); !os.IsNotExist(err) {
		t.Fatal("policy file written in fallback mode")
	}
	if _, err := os.Stat(filepath.Join(p.root, unitDir, refreshUnit)); !os.IsNotExist(err) {
		t.Fatal("refresh unit written in fallback mode")
	}
	for _, c := range calls {
		if c.name == "systemd-cryptenroll" {
			t.Fatal("cryptenroll invoked in fallback mode")
		}
		if strings.Contains(strings.Join(c.args, " "), "update-predictions") {
			t.Fatal("predictions updated in fallback mode")
		}
	}
}
