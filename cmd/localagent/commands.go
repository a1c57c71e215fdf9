package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"localagent/internal/repl"
	"localagent/internal/tui"
)

// interactiveOnly are shell commands with no meaning as a single CLI call.
var interactiveOnly = map[string]bool{
	"/help": true,
	"/quit": true,
	"/lang": true,
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background runtime and command API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, tr, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := rt.Start(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, tr.T("startup.welcome", rt.Config.Storage.BaseDir))
			if addr := rt.APIAddr(); addr != nil {
				fmt.Fprintln(out, tr.T("startup.api", addr.String()))
			}

			done := make(chan error, 1)
			go func() { done <- rt.Wait() }()
			select {
			case <-ctx.Done():
				return nil
			case err := <-done:
				return err
			}
		},
	}
}

func newShellCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start the interactive shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, opts)
		},
	}
}

func runShell(cmd *cobra.Command, opts *rootOptions) error {
	rt, tr, err := opts.open(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
	defer stop()
	if err := rt.Start(ctx); err != nil {
		return err
	}

	sh := repl.New(rt.Surface, repl.Options{
		Out:        cmd.OutOrStdout(),
		Translator: tr,
		Markdown:   !opts.jsonOut,
		JSON:       opts.jsonOut,
	})
	in, err := repl.NewLineInput(filepath.Join(rt.Config.Storage.BaseDir, "repl.history"), sh.CommandNames())
	if err != nil {
		if in == nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "line editor unavailable, fallback to basic input: %v\n", err)
	}
	defer in.Close()
	if addr := rt.APIAddr(); addr != nil {
		fmt.Fprintln(cmd.OutOrStdout(), tr.T("startup.api", addr.String()))
	}
	return sh.Run(ctx, in)
}

func newDashboardCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "dashboard",
		Aliases: []string{"tui"},
		Short:   "Show the live status dashboard",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, tr, err := opts.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			if err := rt.Start(ctx); err != nil {
				return err
			}
			return tui.Run(ctx, rt.Surface, rt.Bus, tr)
		},
	}
}

// newOneShotCmds mirrors every shell command as a subcommand that runs once
// against the stored state, without starting the background loops.
func newOneShotCmds(opts *rootOptions) []*cobra.Command {
	var cmds []*cobra.Command
	for _, info := range repl.New(nil, repl.Options{}).Commands() {
		if interactiveOnly[info.Name] {
			continue
		}
		name := strings.TrimPrefix(info.Name, "/")
		use := name
		if _, rest, ok := strings.Cut(info.Usage, " "); ok {
			use += " " + rest
		}
		cmds = append(cmds, &cobra.Command{
			Use:   use,
			Short: info.Help,
			Args:  cobra.MinimumNArgs(info.MinArgs),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce(cmd, opts, name, args)
			},
		})
	}
	return cmds
}

func runOnce(cmd *cobra.Command, opts *rootOptions, name string, args []string) error {
	rt, tr, err := opts.open(cmd, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	rt.Sampler.SampleOnce(ctx)
	sh := repl.New(rt.Surface, repl.Options{
		Out:        cmd.OutOrStdout(),
		Translator: tr,
		JSON:       opts.jsonOut,
	})
	line := "/" + name
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	if err := sh.Exec(ctx, line); err != nil {
		if errors.Is(err, repl.ErrQuit) {
			return nil
		}
		return errors.New(sh.DescribeError(err))
	}
	return nil
}
