// Command sievectl manages Sieve scripts on a ManageSieve server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/migadu/managesieve/config"
	"github.com/migadu/managesieve/logger"
)

// globalOptions holds the persistent flags and the configuration they
// resolve to.
type globalOptions struct {
	configPath string
	envFile    string
	host       string
	user       string
	tlsMode    string
	caFile     string
	insecure   bool
	logLevel   string

	cfg     config.Config
	logFile *os.File
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "sievectl",
		Short: "Manage Sieve scripts over ManageSieve",
		Long: `Manage Sieve scripts over ManageSieve (RFC 5804)

Settings are read from the configuration file, then from SIEVECTL_*
environment variables (optionally loaded from an env file), then from
command line flags.

Usage
	sievectl --host mail.example.com --user alice list
	sievectl put vacation.sieve --activate
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logFile != nil {
				opts.logFile.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to TOML configuration file")
	flags.StringVar(&opts.envFile, "env-file", ".env.local", "File with SIEVECTL_* variables, ignored when missing")
	flags.StringVarP(&opts.host, "host", "H", "", "Server address, host or host:port")
	flags.StringVarP(&opts.user, "user", "u", "", "User name to authenticate as")
	flags.StringVar(&opts.tlsMode, "tls", "", "TLS mode: starttls, implicit or none")
	flags.StringVar(&opts.caFile, "ca-file", "", "PEM file with trusted CA certificates")
	flags.BoolVarP(&opts.insecure, "insecure", "k", false, "Do not verify the server certificate")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		newInfoCmd(opts),
		newListCmd(opts),
		newGetCmd(opts),
		newPutCmd(opts),
		newCheckCmd(opts),
		newActivateCmd(opts),
		newDeactivateCmd(opts),
		newDeleteCmd(opts),
		newRenameCmd(opts),
		newHaveSpaceCmd(opts),
	)
	return root
}

// load resolves the configuration: defaults, file, environment, flags.
func (o *globalOptions) load(cmd *cobra.Command) error {
	cfg := config.NewDefaultConfig()
	if o.configPath != "" {
		if err := config.LoadConfigFromFile(o.configPath, &cfg); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
	}
	if err := config.ApplyEnv(cmd.Context(), &cfg, o.envFile); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Address = o.host
	}
	if flags.Changed("user") {
		cfg.Auth.Username = o.user
	}
	if flags.Changed("tls") {
		cfg.Server.TLSMode = o.tlsMode
	}
	if flags.Changed("ca-file") {
		cfg.Server.CAFile = o.caFile
	}
	if flags.Changed("insecure") {
		cfg.Server.InsecureSkipVerify = o.insecure
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return err
	}
	o.logFile = logFile
	o.cfg = cfg
	return nil
}
