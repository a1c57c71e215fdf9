package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"localagent/internal/bootstrap"
	"localagent/internal/config"
	"localagent/internal/i18n"
	"localagent/internal/logging"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	jsonOut    bool
	listen     string
	logLevel   string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "localagent",
		Short: "Local-first background agent runtime",
		Long: `localagent runs memory storage, semantic search, background tasks and
remote sync on this machine, within a resource budget that keeps the host
responsive.

Run without arguments to start the interactive shell.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, opts)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to config JSON/JSONC")
	flags.BoolVar(&opts.jsonOut, "json", false, "Print command results as JSON")
	flags.StringVar(&opts.listen, "listen", "", "Command API listen address; empty disables it")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newShellCmd(opts),
		newDashboardCmd(opts),
	)
	root.AddCommand(newOneShotCmds(opts)...)
	return root
}

func (o *rootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("listen") {
		cfg.API.Listen = strings.TrimSpace(o.listen)
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// open builds the runtime. Interactive front ends pass quiet so log lines
// go only to the configured log file.
func (o *rootOptions) open(cmd *cobra.Command, quiet bool) (*bootstrap.Runtime, *i18n.I18n, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	var logger *zap.Logger
	if quiet {
		logger, err = logging.Quiet(cfg.Logging)
	} else {
		logger, err = logging.New(cfg.Logging)
	}
	if err != nil {
		return nil, nil, err
	}
	rt, err := bootstrap.Build(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	locale := rt.Settings.Get().Locale
	i18n.Init(locale)
	return rt, i18n.New(locale), nil
}
