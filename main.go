package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"nithronos/firstboot/internal/config"
	"nithronos/firstboot/internal/firstboot"
)

var (
	version = "1.0.0"
	commit  = "unknown"
)

func main() {
	var (
		configPath string
		device     string
		mode       string
		keyFile    string
		target     string
		mappedName string
	)

	rootCmd := &cobra.Command{
		Use:   "nos-firstboot",
		Short: "NithronOS first-boot encrypted-root provisioner",
		Long: `nos-firstboot finishes full-disk-encryption provisioning on first boot:
it locates the pre-encrypted root and the ESP, derives a recovery key,
writes boot and unlock configuration inside the target tree and commits
the permanent unlock slots.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if os.Geteuid() != 0 {
				return fmt.Errorf("nos-firstboot must be run as root")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if device != "" {
				cfg.Device = device
			}
			if keyFile != "" {
				cfg.KeyFile = keyFile
			}
			if target != "" {
				cfg.Target = target
			}
			if mappedName != "" {
				cfg.MappedName = mappedName
			}
			if mode != "" {
				m, err := config.ParseUnlockMode(mode)
				if err != nil {
					return err
				}
				cfg.Mode = m
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, closeLog := setupLogging(cfg.LogLevel)
			defer closeLog()

			return firstboot.New(cfg, log).Run(context.Background())
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "/etc/nos/firstboot.yaml", "configuration file")
	rootCmd.Flags().StringVar(&device, "device", "", "target block device (overrides config)")
	rootCmd.Flags().StringVar(&mode, "mode", "", "unlock mode: tpm or passphrase (overrides config)")
	rootCmd.Flags().StringVar(&keyFile, "key-file", "", "disposable unlock keyfile (overrides config)")
	rootCmd.Flags().StringVar(&target, "target", "", "mount target for the chroot tree (overrides config)")
	rootCmd.Flags().StringVar(&mappedName, "mapped-name", "", "device-mapper name for the unlocked volume (overrides config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nos-firstboot %s (commit: %s)\n", version, commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging writes human-readable lines to stderr and the full stream to
// a log file, falling back to the current directory when /var/log is not
// writable.
func setupLogging(level zerolog.Level) (zerolog.Logger, func()) {
	sinks := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	closeLog := func() {}

	logFile, err := os.OpenFile("/var/log/nos-firstboot.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logFile, err = os.OpenFile("nos-firstboot.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	}
	if err == nil {
		sinks = append(sinks, logFile)
		closeLog = func() { _ = logFile.Close() }
	}

	log := zerolog.New(zerolog.MultiLevelWriter(sinks...)).Level(level).With().Timestamp().Logger()
	return log, closeLog
}
