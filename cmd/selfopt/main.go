package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/selfopt/internal/config"
	"github.com/yourorg/selfopt/internal/engine"
	"github.com/yourorg/selfopt/internal/filter"
	"github.com/yourorg/selfopt/internal/har"
	"github.com/yourorg/selfopt/internal/learner"
	applog "github.com/yourorg/selfopt/internal/log"
	"github.com/yourorg/selfopt/internal/report"
	"github.com/yourorg/selfopt/internal/server"
	"github.com/yourorg/selfopt/internal/store"
	"github.com/yourorg/selfopt/internal/telemetry"
	"github.com/yourorg/selfopt/pkg/types"
)

const defaultConfigContent = `engine:
  window: 20
  min_samples: 10
  success_floor: 0.8
  batch_trigger: 10
  drain_interval: 5m
  export_interval: 60m

metrics:
  retention: 1000
  bottleneck_threshold_ms: 2000

recorder:
  retention: 1000

queue:
  max_batch_size: 50
  max_batch_bytes: 1048576
  backoff_base: 1s
  backoff_max: 5m

monitor:
  improvement_rate: 0
  improvement_burst: 1

learner:
  base_url: "http://127.0.0.1:8000/api"
  api_key: ""
  timeout: 30s
  max_retries: 2

filter:
  ignore_methods:
    - OPTIONS
    - HEAD
  ignore_extensions:
    - .js
    - .css
    - .png
    - .jpg
    - .gif
    - .svg
    - .woff
    - .woff2
    - .ico
    - .map
  ignore_paths:
    - /static/
    - /assets/
    - /favicon

sanitize:
  context_keys:
    - password
    - secret
    - token
    - api_key
    - access_token
    - refresh_token
    - credential
    - authorization
    - cookie
  replacement: "***REDACTED***"

server:
  host: "127.0.0.1"
  port: 3100
  cors_origin: ""

output:
  dir: "./reports"
  formats:
    - markdown
    - yaml

log:
  level: "info"
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	cfgPath string
	debug   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "selfopt",
		Short:         "Adaptive self-optimization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.cfgPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newReplayCmd(flags))
	root.AddCommand(newReportCmd(flags))
	root.AddCommand(newPruneCmd(flags))

	return root
}

// load reads the config and builds the logger every command shares.
func load(flags *rootFlags) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(flags.cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if flags.debug {
		cfg.Log.Level = "debug"
	}
	logger, err := applog.New(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openStore(path string) (*store.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(path)
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.selfopt directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			baseDir := filepath.Join(home, ".selfopt")
			if err := os.MkdirAll(baseDir, 0o755); err != nil {
				return err
			}

			cfgFile := filepath.Join(baseDir, "config.yaml")
			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			dbPath := filepath.Join(baseDir, "selfopt.db")
			s, err := store.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "database ready", dbPath)
			fmt.Fprintln(cmd.OutOrStdout(), "set learner.base_url in", cfgFile)
			return nil
		},
	}
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{Use: "serve", Short: "Run the engine behind its HTTP API", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(flags)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}

		st, err := openStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		eng, err := engine.New(cfg, learner.NewClient(cfg.Learner, logger.Named("learner")), engine.Options{
			Sink:      st,
			Telemetry: telemetry.New(),
			Logger:    logger.Named("engine"),
		})
		if err != nil {
			return err
		}
		srv, err := server.New(cfg, eng, st, logger.Named("http"))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := eng.Start(ctx); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if _, err := eng.Export(stopCtx); err != nil {
				logger.Warn("final export failed", zap.Error(err))
			}
			return eng.Stop(stopCtx)
		})
		return g.Wait()
	}}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3100, "server port")
	return cmd
}

// offlineLearner refuses every remote call so replays stay local.
type offlineLearner struct{}

var errOffline = errors.New("learner disabled for offline replay")

func (offlineLearner) RequestImprovement(context.Context, learner.ImprovementRequest) ([]types.Directive, error) {
	return nil, errOffline
}

func (offlineLearner) SubmitLearning(context.Context, learner.LearningSubmission) ([]types.Directive, error) {
	return nil, errOffline
}

func (offlineLearner) SendFeedback(context.Context, types.Feedback) error { return errOffline }

func newReplayCmd(flags *rootFlags) *cobra.Command {
	var harPath string
	var offline, render bool
	cmd := &cobra.Command{Use: "replay", Short: "Feed captured HAR traffic through the engine", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(flags)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		calls, err := har.Parse(harPath, filter.New(cfg.Filter))
		if err != nil {
			return fmt.Errorf("parse har: %w", err)
		}

		st, err := openStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		var l engine.Learner = learner.NewClient(cfg.Learner, logger.Named("learner"))
		if offline {
			l = offlineLearner{}
		}
		eng, err := engine.New(cfg, l, engine.Options{Sink: st, Logger: logger.Named("engine")})
		if err != nil {
			return err
		}
		for _, m := range calls {
			eng.ReplayCall(m)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Learner.Timeout*time.Duration(cfg.Learner.MaxRetries+1))
		defer cancel()
		if err := eng.Stop(ctx); err != nil {
			logger.Warn("replay stopped before remote calls finished", zap.Error(err))
		}
		snap, err := eng.Export(ctx)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "replayed %d calls across %d endpoints\n", len(calls), len(snap.Performance))
		for _, e := range snap.Patterns.Errors {
			fmt.Fprintf(out, "  errors      %-40s %d (%.1f%%)\n", e.Endpoint, e.Count, e.Rate*100)
		}
		for _, b := range snap.Patterns.Bottlenecks {
			fmt.Fprintf(out, "  bottleneck  %-40s %.0fms\n", b.Endpoint, b.AvgDurationMs)
		}
		if len(snap.Capabilities) > 0 {
			fmt.Fprintf(out, "  policy      %v\n", snap.Capabilities)
		}

		if !render {
			return nil
		}
		if err := cfg.ValidateReport(); err != nil {
			return err
		}
		evs, err := st.ListEvolutions()
		if err != nil {
			return err
		}
		paths, err := report.Render(report.Report{Snapshot: snap, Policy: *snap.Policy, Evolutions: evs}, cfg.Output.Dir, cfg.Output.Formats)
		for _, p := range paths {
			fmt.Fprintln(out, "wrote", p)
		}
		return err
	}}
	cmd.Flags().StringVar(&harPath, "har", "", "HAR file path")
	cmd.Flags().BoolVar(&offline, "offline", false, "do not contact the learner")
	cmd.Flags().BoolVar(&render, "report", false, "render a report after the replay")
	_ = cmd.MarkFlagRequired("har")
	return cmd
}

func newReportCmd(flags *rootFlags) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{Use: "report", Short: "Render the latest stored export", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(flags)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if outDir != "" {
			cfg.Output.Dir = outDir
		}
		if err := cfg.ValidateReport(); err != nil {
			return err
		}

		st, err := openStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		snap, err := st.LatestExport()
		if errors.Is(err, store.ErrNotFound) {
			return errors.New("no export stored yet; run serve or replay first")
		}
		if err != nil {
			return err
		}
		evs, err := st.ListEvolutions()
		if err != nil {
			return err
		}
		r := report.Report{Snapshot: snap, Evolutions: evs}
		if snap.Policy != nil {
			r.Policy = *snap.Policy
		}
		paths, err := report.Render(r, cfg.Output.Dir, cfg.Output.Formats)
		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", p)
		}
		return err
	}}
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (defaults to output.dir)")
	return cmd
}

func newPruneCmd(flags *rootFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{Use: "prune", Short: "Delete stored exports and feedback older than a cutoff", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := load(flags)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		st, err := openStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		n, err := st.Prune(time.Now().Add(-olderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d rows\n", n)
		return nil
	}}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention window")
	return cmd
}
