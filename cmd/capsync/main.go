package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"capsync/internal/app"
	"capsync/internal/capsync"
	"capsync/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", describe(err))
		os.Exit(1)
	}
}

// describe summarizes failures from the capture pipeline without internal
// detail. Setup errors (config, paths) are printed as they are.
func describe(err error) string {
	switch {
	case errors.As(err, new(*capsync.ValidationError)),
		errors.As(err, new(*capsync.ExtractionError)),
		errors.As(err, new(*capsync.NetworkError)),
		errors.As(err, new(*capsync.HTTPError)),
		errors.As(err, new(*capsync.DecryptionError)),
		errors.As(err, new(*capsync.AuthError)),
		errors.Is(err, capsync.ErrNotAuthenticated):
		return capsync.UserMessage(err)
	}
	return err.Error()
}

// withApp reads the config, creates a CapsyncApp for operation and runs fn
// with it. The outcome is recorded and the app is closed afterwards.
func withApp(cmd *cobra.Command, operation, parameters string, fn func(ctx context.Context, a *app.CapsyncApp) error) error {
	ctx := cmd.Context()

	defaults, err := app.GetDefaults()
	if err != nil {
		return fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewCapsyncApp(ctx, cfg, operation, parameters)
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer a.Close()

	err = fn(ctx, a)
	a.Finish(context.WithoutCancel(ctx), err)
	return err
}

// readSecret prompts for a secret on the terminal without echo. When stdin
// is not a terminal a single line is read instead.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(prompt), err)
	}
	return string(b), nil
}

var rootCmd = &cobra.Command{
	Use:           "capsync",
	Short:         "Capture web pages and sync them to the intelligence service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		// The device ID also seeds the local encryption key.
		deviceID := uuid.New().String()

		cfg := config.NewConfig(deviceID, defaults.BaseDir)
		cfg.LogDir = defaults.LogDir
		cfg.Storage.DataDir = defaults.DataDir
		cfg.Transport.OutboxDir = defaults.OutboxDir
		if url, _ := cmd.Flags().GetString("base-url"); url != "" {
			cfg.Transport.BaseURL = url
		}

		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", defaults.BaseDir)
		fmt.Printf("Data Dir:  %s\n", defaults.DataDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Device ID:  %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Storage:    %s\n", cfg.Storage.Type)
		fmt.Printf("Transport:  %s\n", cfg.Transport.Type)
		if cfg.Transport.Type == "http" || cfg.Transport.Type == "" {
			fmt.Printf("Base URL:   %s\n", cfg.Transport.BaseURL)
		}
		fmt.Printf("Auth:       %t\n", cfg.Auth.Enabled)
		fmt.Printf("Fetcher:    %s\n", cfg.Capture.Fetcher)
		fmt.Printf("Sync every: %s\n", cfg.Sync.Interval.Duration)
		return nil
	},
}

// login command
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the remote service",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		return withApp(cmd, app.OpLogin, username, func(ctx context.Context, a *app.CapsyncApp) error {
			if username == "" {
				return errors.New("--username is required")
			}
			password, err := readSecret("Password")
			if err != nil {
				return err
			}
			if err := a.Login(ctx, username, password); err != nil {
				return err
			}
			fmt.Printf("Signed in as %s\n", username)
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.OpLogout, "", func(ctx context.Context, a *app.CapsyncApp) error {
			if err := a.Logout(ctx); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		})
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session, connectivity, queue and cache state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.OpStatus, "", func(ctx context.Context, a *app.CapsyncApp) error {
			s, err := a.GetStatus(ctx)
			if err != nil {
				return err
			}
			online := "unreachable"
			if s.Online {
				online = "reachable"
			}
			fmt.Printf("Device:   %s\n", s.DeviceID)
			fmt.Printf("Session:  %s\n", s.Auth)
			fmt.Printf("Service:  %s\n", online)
			fmt.Printf("Queued:   %d\n", s.Pending)
			if !s.NextRetry.IsZero() {
				fmt.Printf("Next try: %s\n", s.NextRetry.Local().Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("Failed:   %d\n", s.Failed)
			fmt.Printf("Cached:   %d\n", s.Cached)
			return nil
		})
	},
}

// capture command
var captureCmd = &cobra.Command{
	Use:   "capture URL",
	Short: "Capture a page and submit it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		htmlPath, _ := cmd.Flags().GetString("html")
		level, _ := cmd.Flags().GetString("level")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		noSubmit, _ := cmd.Flags().GetBool("no-submit")

		return withApp(cmd, app.OpCapture, args[0], func(ctx context.Context, a *app.CapsyncApp) error {
			record, res, err := a.Capture(ctx, app.CaptureRequest{
				URL:           args[0],
				HTMLPath:      htmlPath,
				SecurityLevel: level,
				Timeout:       timeout,
				NoSubmit:      noSubmit,
			})
			for _, f := range record.ValidationFindings {
				fmt.Printf("%-7s %s: %s\n", f.Severity, f.Code, f.Message)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Captured %s (%d chars, %q)\n", record.ID, len(record.Content), record.Metadata.Title)
			switch {
			case res == nil:
				fmt.Println("Saved locally; not submitted.")
			case res.Queued:
				fmt.Printf("Queued for delivery: %s\n", capsync.UserMessage(res.Cause))
			default:
				fmt.Printf("Submitted as %s\n", res.Receipt.RemoteID)
			}
			return nil
		})
	},
}

var capturesCmd = &cobra.Command{
	Use:   "captures",
	Short: "List locally cached captures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.OpStatus, "", func(ctx context.Context, a *app.CapsyncApp) error {
			records, err := a.Captures(ctx)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("No cached captures.")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %s  %s\n", r.ID, r.CapturedAt.Local().Format("2006-01-02 15:04:05"), r.SourceURL)
			}
			return nil
		})
	},
}

// queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the submission queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List submissions awaiting delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.OpQueueList, "", func(ctx context.Context, a *app.CapsyncApp) error {
			pending, err := a.Pending(ctx)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for _, p := range pending {
				next := "now"
				if !p.NextAttemptAt.IsZero() {
					next = p.NextAttemptAt.Local().Format("15:04:05")
				}
				fmt.Printf("%s  attempts:%d  next:%-8s  %s\n", p.Record.ID, p.Attempts, next, p.Record.SourceURL)
			}
			return nil
		})
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List dead-lettered submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.OpQueueFailed, "", func(ctx context.Context, a *app.CapsyncApp) error {
			failed, err := a.Failed(ctx)
			if err != nil {
				return err
			}
			if len(failed) == 0 {
				fmt.Println("No failed submissions.")
				return nil
			}
			for _, f := range failed {
				fmt.Printf("%s  %s  attempts:%d  %s\n  %s\n",
					f.Submission.Record.ID,
					f.FailedAt.Local().Format("2006-01-02 15:04:05"),
					f.Submission.Attempts,
					f.Submission.Record.SourceURL,
					f.Reason,
				)
			}
			return nil
		})
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Export failed submissions to a passphrase-encrypted archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		includePending, _ := cmd.Flags().GetBool("include-pending")
		return withApp(cmd, app.OpQueueExport, args[0], func(ctx context.Context, a *app.CapsyncApp) error {
			passphrase, err := readSecret("Passphrase")
			if err != nil {
				return err
			}
			if passphrase == "" {
				return errors.New("passphrase must not be empty")
			}
			n, err := a.ExportFailed(ctx, args[0], passphrase, includePending)
			if err != nil {
				return err
			}
			fmt.Printf("Exported %d submission(s) to %s\n", n, args[0])
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Discard dead-lettered submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.OpQueueClear, "", func(ctx context.Context, a *app.CapsyncApp) error {
			n, err := a.ClearFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Discarded %d failed submission(s)\n", n)
			return nil
		})
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Deliver queued submissions",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, app.OpSyncRun, "", func(ctx context.Context, a *app.CapsyncApp) error {
			report, err := a.SyncOnce(ctx)
			if report != nil {
				if report.Offline {
					fmt.Println("Service unreachable; queue left untouched.")
				} else if d := report.Drain; d != nil {
					fmt.Printf("Attempted %d, delivered %d, retrying %d, deferred %d, failed %d\n",
						d.Attempted, d.Delivered, d.Retrying, d.Deferred, len(d.DeadLettered))
				}
				if report.Pruned > 0 {
					fmt.Printf("Pruned %d expired cache entries\n", report.Pruned)
				}
			}
			return err
		})
	},
}

var syncDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Sync periodically and whenever connectivity returns",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		return withApp(cmd, app.OpSyncDaemon, metricsAddr, func(ctx context.Context, a *app.CapsyncApp) error {
			return a.RunDaemon(ctx, app.DaemonOptions{MetricsAddr: metricsAddr})
		})
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd, app.OpHistory, "", func(ctx context.Context, a *app.CapsyncApp) error {
			ops, err := a.History(ctx)
			if err != nil {
				return err
			}
			if len(ops) == 0 {
				fmt.Println("No operations recorded.")
				return nil
			}
			if limit > 0 && len(ops) > limit {
				ops = ops[:limit]
			}
			for _, op := range ops {
				fmt.Printf("%s  %-16s  %-7s  %-10s  %s\n",
					op.StartedAt.Local().Format("2006-01-02 15:04:05"),
					op.Name,
					op.Status,
					op.Duration().Truncate(time.Millisecond),
					op.Parameters,
				)
			}
			return nil
		})
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("base-url", "", "Base URL of the remote service")

	// queue subcommands
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueExportCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueExportCmd.Flags().Bool("include-pending", false, "Also export submissions still awaiting delivery")

	// sync subcommands
	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncDaemonCmd)
	syncDaemonCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringP("username", "u", "", "Account username")
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(captureCmd)
	captureCmd.Flags().String("html", "", "Read page markup from this file instead of fetching the URL")
	captureCmd.Flags().StringP("level", "l", "", "Security level: strict, moderate or relaxed")
	captureCmd.Flags().Duration("timeout", 0, "Extraction timeout (default from config)")
	captureCmd.Flags().Bool("no-submit", false, "Capture and cache without submitting")
	rootCmd.AddCommand(capturesCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
