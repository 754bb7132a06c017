// Package firstboot orchestrates the encrypted-root provisioning workflow
// run once on a freshly imaged machine.
package firstboot

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"nithronos/firstboot/internal/blkdev"
	"nithronos/firstboot/internal/bootcfg"
	"nithronos/firstboot/internal/config"
	"nithronos/firstboot/internal/luks"
	"nithronos/firstboot/internal/mounttree"
	"nithronos/firstboot/internal/progress"
	"nithronos/firstboot/internal/recoverykey"
	"nithronos/firstboot/internal/shell"
)

// Provisioner carries the run's immutable context: the configured device,
// the partitions once discovered and the credential once generated are never
// reassigned mid-workflow.
type Provisioner struct {
	cfg config.Config
	log zerolog.Logger

	// seams, overridden in tests
	run     shell.Runner
	prompt  luks.Prompter
	genKey  func() (recoverykey.Key, error)
	observe func(<-chan progress.Event)
	sync    func()
	out     io.Writer
}

func New(cfg config.Config, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		cfg:     cfg,
		log:     log,
		run:     shell.Run,
		prompt:  luks.SurveyPrompter,
		genKey:  recoverykey.Generate,
		observe: progress.ObserveStderr,
		sync:    func() { unix.Sync() },
		out:     os.Stdout,
	}
}

// Run executes the workflow: discovery, credential generation, mount tree,
// boot provisioning, teardown, slot commitment, credential presentation.
// Steps are strictly sequential; any failure past discovery leaves written
// configuration and keyslots in place for manual inspection, but the mount
// tree is always torn down.
func (p *Provisioner) Run(ctx context.Context) error {
	ch := progress.NewChannel()
	rep := progress.NewReporter(ch)
	observerDone := make(chan struct{})
	go func() {
		p.observe(ch)
		close(observerDone)
	}()
	defer func() {
		rep.Close()
		<-observerDone
	}()

	rep.Statusf("Probing partitions on %s", p.cfg.Device)
	parts, err := blkdev.Probe(ctx, p.run, p.cfg.Device)
	if err != nil {
		return fmt.Errorf("partition discovery failed: %w", err)
	}
	crypt, err := blkdev.Locate(parts, blkdev.IsLUKS)
	if err != nil {
		return fmt.Errorf("locating encrypted partition: %w", err)
	}
	esp, err := blkdev.Locate(parts, blkdev.IsESP)
	if err != nil {
		return fmt.Errorf("locating boot partition: %w", err)
	}
	p.log.Info().Str("crypt", crypt.Path).Str("esp", esp.Path).Msg("partitions located")
	rep.Percent(10)

	key, err := p.genKey()
	if err != nil {
		return fmt.Errorf("recovery key generation failed: %w", err)
	}
	p.log.Info().Str("key", key.Redacted()).Msg("recovery key generated")
	rep.Percent(15)

	cryptUUID, err := blkdev.VolumeUUID(ctx, p.run, crypt.Path)
	if err != nil {
		return err
	}
	espUUID, err := blkdev.FsUUID(ctx, p.run, esp.Path)
	if err != nil {
		return err
	}

	tree, err := mounttree.Open(ctx, p.run, mounttree.Params{
		CryptPartition: crypt.Path,
		ESPPartition:   esp.Path,
		KeyFile:        p.cfg.KeyFile,
		Target:         p.cfg.Target,
		MappedName:     p.cfg.MappedName,
	}, rep)
	if err != nil {
		if tree != nil {
			if cerr := tree.Close(ctx); cerr != nil {
				p.log.Warn().Err(cerr).Msg("teardown after failed open")
			}
		}
		return fmt.Errorf("building mount tree: %w", err)
	}
	rep.Percent(40)

	volUUID, err := blkdev.VolumeUUID(ctx, p.run, tree.MapperPath())
	if err != nil {
		if cerr := tree.Close(ctx); cerr != nil {
			p.log.Warn().Err(cerr).Msg("teardown after failure")
		}
		return err
	}

	bp := bootcfg.New(p.run, tree.Root(), p.log, rep)
	if err := bp.Apply(ctx, bootcfg.Options{
		ESPUUID:        espUUID,
		VolumeUUID:     volUUID,
		CryptUUID:      cryptUUID,
		CryptPartition: crypt.Path,
		MappedName:     p.cfg.MappedName,
		KeyFile:        p.cfg.KeyFile,
		RecoveryKey:    key,
		TPM:            p.cfg.Mode == config.ModeTPM,
	}); err != nil {
		// written config and keyslots stay in place for diagnosis, but a
		// half-mounted tree would wedge the next attempt
		if cerr := tree.Close(ctx); cerr != nil {
			p.log.Warn().Err(cerr).Msg("teardown after failed provisioning")
		}
		return fmt.Errorf("boot provisioning failed: %w", err)
	}
	rep.Percent(70)

	rep.Statusf("Tearing down mount tree")
	if err := tree.Close(ctx); err != nil {
		return fmt.Errorf("mount teardown failed: %w", err)
	}
	p.sync()
	rep.Percent(80)

	if p.cfg.Mode == config.ModePassphrase {
		rep.Statusf("Installing passphrase unlock")
		pass, err := luks.PromptPassphrase(p.prompt)
		if err != nil {
			return fmt.Errorf("passphrase entry failed: %w", err)
		}
		if err := luks.AddPassphraseSlot(ctx, p.run, crypt.Path, p.cfg.KeyFile, pass); err != nil {
			return fmt.Errorf("installing passphrase slot: %w", err)
		}
		rep.Percent(90)
	}

	rep.Statusf("Committing recovery credential")
	if err := luks.AddRecoverySlot(ctx, p.run, crypt.Path, p.cfg.KeyFile, key); err != nil {
		return fmt.Errorf("committing recovery slot: %w", err)
	}

	rep.Done()
	<-observerDone
	p.presentRecoveryKey(key)
	p.log.Info().Msg("provisioning complete")
	return nil
}

func (p *Provisioner) presentRecoveryKey(key recoverykey.Key) {
	g := color.New(color.FgGreen, color.Bold)
	fmt.Fprintln(p.out)
	g.Fprintln(p.out, "Provisioning complete. Your recovery key:")
	fmt.Fprintln(p.out)
	fmt.Fprintf(p.out, "    %s\n", string(key))
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Write it down and store it away from this machine. It is the only")
	fmt.Fprintln(p.out, "way to unlock the system if the primary unlock mechanism fails.")
}
