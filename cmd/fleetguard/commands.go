package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/fleetguard/internal/config"
	"github.com/msageha/fleetguard/internal/daemon"
	"github.com/msageha/fleetguard/internal/metrics"
	"github.com/msageha/fleetguard/internal/model"
	"github.com/msageha/fleetguard/internal/poller"
)

const (
	envDataDir  = "FLEETGUARD_DIR"
	envOpsToken = "FLEETGUARD_OPS_TOKEN"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	dataDir    string
	configPath string
}

func (g *globalFlags) path() string {
	if g.configPath != "" {
		return g.configPath
	}
	return config.Path(g.dataDir)
}

// opsFlags address a running server's /ops endpoints.
type opsFlags struct {
	url     string
	token   string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "fleetguard",
		Short:         "Guarded remediation and incident escalation for a host fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultDir := os.Getenv(envDataDir)
	if defaultDir == "" {
		defaultDir = ".fleetguard"
	}
	root.PersistentFlags().StringVar(&g.dataDir, "data-dir", defaultDir, "data directory (env "+envDataDir+")")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <data-dir>/"+config.FileName+")")

	root.AddCommand(
		newServeCmd(g),
		newPollCmd(g),
		newDrainCmd(g),
		newReplayCmd(g),
		newSweepCmd(g),
		newInitCmd(g),
		newVersionCmd(),
	)
	return root
}

func loadConfig(g *globalFlags) (model.Config, error) {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.LoadOrRecover(g.path(), bootstrap)
	if err != nil {
		return model.Config{}, fmt.Errorf("load config %s: %w", g.path(), err)
	}
	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with the drain and escalation pollers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg.Logging, cmd.ErrOrStderr())
			// the daemon handles signals itself so a second one can force exit
			return daemon.New(g.path(), cfg, logger).Run(cmd.Context())
		},
	}
}

// addOpsFlags registers the server address flags. Unset values fall back to
// the config file, then to the default listen address.
func addOpsFlags(cmd *cobra.Command, o *opsFlags) {
	cmd.Flags().StringVar(&o.url, "url", "", "server base URL (default from config listen address)")
	cmd.Flags().StringVar(&o.token, "token", os.Getenv(envOpsToken), "ops bearer token (env "+envOpsToken+")")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 30*time.Second, "request timeout")
}

func (o *opsFlags) client(g *globalFlags) *poller.Client {
	url, token := o.url, o.token
	if url == "" || token == "" {
		if cfg, err := config.Load(g.path()); err == nil {
			if url == "" {
				url = "http://" + cfg.Server.Listen
			}
			if token == "" {
				token = cfg.Server.OpsToken
			}
		}
	}
	if url == "" {
		url = "http://" + config.Default("").Server.Listen
	}
	return poller.NewClient(url, token, o.timeout)
}

func newPollCmd(g *globalFlags) *cobra.Command {
	o := &opsFlags{}
	var (
		interval   time.Duration
		maxBackoff time.Duration
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Trigger queue drains on a running server at an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			c := o.client(g)
			task := func(ctx context.Context) error {
				out, err := c.Drain(ctx, limit)
				if err != nil {
					return err
				}
				logger.Info("drain", "processed", out.Drained.Processed, "ok", out.Drained.OK)
				return nil
			}
			p := poller.New("drain", interval, maxBackoff, task,
				poller.WithLogger(logger), poller.WithMetrics(metrics.New()))
			return p.Run(ctx)
		},
	}
	addOpsFlags(cmd, o)
	cmd.Flags().DurationVar(&interval, "interval", 15*time.Second, "delay between drains")
	cmd.Flags().DurationVar(&maxBackoff, "max-backoff", 5*time.Minute, "backoff cap after failures")
	cmd.Flags().IntVar(&limit, "limit", 10, "runs per drain")
	return cmd
}

func newDrainCmd(g *globalFlags) *cobra.Command {
	o := &opsFlags{}
	var limit int
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Drain the remediation queue once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := o.client(g).Drain(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	addOpsFlags(cmd, o)
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum runs to process")
	return cmd
}

func newReplayCmd(g *globalFlags) *cobra.Command {
	o := &opsFlags{}
	var limit int
	cmd := &cobra.Command{
		Use:   "replay [run-id]",
		Short: "Re-queue one dead-lettered run, or a batch when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var runID string
			if len(args) == 1 {
				runID = args[0]
			}
			out, err := o.client(g).Replay(cmd.Context(), runID, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	addOpsFlags(cmd, o)
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum runs for a batch replay")
	return cmd
}

func newSweepCmd(g *globalFlags) *cobra.Command {
	o := &opsFlags{}
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the incident escalation sweep once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := o.client(g).Sweep(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	addOpsFlags(cmd, o)
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum incidents to evaluate")
	return cmd
}

func newInitCmd(g *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file into the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := g.path()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if err := config.Write(path, config.Default(g.dataDir)); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetguard %s\n", version)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
