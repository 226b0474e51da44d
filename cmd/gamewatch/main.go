package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APIToken   string
	APITimeout time.Duration
	Insecure   bool
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	NoWatch   bool
	Daemonize bool
	PidFile   string
	LogFile   string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "gamewatch",
		Short: "Game server supervisor",
		Long: `Gamewatch keeps a dedicated game server running: it restarts the server
when it goes down, warns when it looks stuck, keeps workshop mods current
and runs scheduled restarts, broadcasts and backups.

Examples:
  gamewatch serve gamewatch.toml     # run the supervisor
  gamewatch status                   # query a running supervisor
  gamewatch lock                     # suppress automatic restarts
  gamewatch events --config gamewatch.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API base URL (default from config or http://127.0.0.1:8787/api)")
	root.PersistentFlags().StringVar(&flags.APIToken, "api-token", "", "control API bearer token (default from config api.auth)")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 2*time.Minute, "control API request timeout")

	root.AddCommand(
		createInitCommand(),
		createServeCommand(flags),
		createValidateCommand(flags),
		createStatusCommand(flags),
		createRestartCommand(flags),
		createKillCommand(flags),
		createLockCommand(flags, true),
		createLockCommand(flags, false),
		createEventsCommand(flags),
		createModsCommand(flags),
		createConsoleCommand(flags),
	)
	return root
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	sf := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor",
		Long: `Run the supervisor in the foreground until interrupted.

Examples:
  gamewatch serve gamewatch.toml
  gamewatch serve --config gamewatch.toml --daemonize --pidfile /run/gamewatch.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configArg(flags, args)
			if path == "" {
				return fmt.Errorf("config file required for serve command. Use --config=gamewatch.toml or provide as argument")
			}
			if sf.Daemonize {
				if err := daemonize(cmd.OutOrStdout(), sf.PidFile, sf.LogFile); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path, !sf.NoWatch)
		},
	}
	cmd.Flags().BoolVar(&sf.NoWatch, "no-watch", false, "do not reload lock settings when the config file changes")
	cmd.Flags().BoolVar(&sf.Daemonize, "daemonize", false, "run in background")
	cmd.Flags().StringVar(&sf.PidFile, "pidfile", "", "write the background process PID to this file")
	cmd.Flags().StringVar(&sf.LogFile, "logfile", "", "redirect background output to file")
	return cmd
}

func createInitCommand() *cobra.Command {
	var name, output string
	var force bool
	cmd := &cobra.Command{
		Use:   "init [preset]",
		Short: "Write a starter config file",
		Long: `Write a starter gamewatch.toml for one of the built-in presets.

Examples:
  gamewatch init dayz --name dayz-main --output gamewatch.toml
  gamewatch init generic --name minecraft    # print to stdout`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			preset := ""
			if len(args) > 0 {
				preset = args[0]
			}
			return runInit(cmd.OutOrStdout(), preset, name, output, force)
		},
	}
	cmd.Flags().StringVar(&name, "name", "gameserver", "server name")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing output file")
	return cmd
}

func createValidateCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Check a config file and list the events it schedules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), configArg(flags, args))
		},
	}
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show supervisor status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the game server now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			if err := c.Restart(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "restart completed")
			return nil
		},
	}
}

func createKillCommand(flags *GlobalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Stop the game server; the supervisor restarts it unless locked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			killed, err := c.Kill(cmd.Context(), force)
			if err != nil {
				return err
			}
			if killed {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "server stopped")
			} else {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "server was not running")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "kill immediately without the graceful stop")
	return cmd
}

func createLockCommand(flags *GlobalFlags, lock bool) *cobra.Command {
	use, short := "lock", "Suppress automatic restarts"
	if !lock {
		use, short = "unlock", "Allow automatic restarts"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			if lock {
				err = c.Lock(cmd.Context())
			} else {
				err = c.Unlock(cmd.Context())
			}
			if err != nil {
				return err
			}
			msg := "restart lock released"
			if lock {
				msg = "restart lock set"
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func createEventsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "List scheduled events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			jobs, err := c.Events(cmd.Context())
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
}

func createModsCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mods",
		Short: "List managed mods",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			mods, err := c.Mods(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), mods)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "install <id>",
		Short: "Update one mod now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			if err := c.InstallMod(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "update of mod %s queued\n", args[0])
			return nil
		},
	})
	return cmd
}

func createConsoleCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "console <command>",
		Short: "Send a raw console command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(flags)
			if err != nil {
				return err
			}
			out, err := c.Console(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			if out != "" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}
}
