package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"callctl/pkg/api"
	"callctl/pkg/config"
	"callctl/pkg/dispatch"
	"callctl/pkg/eventlog"
	"callctl/pkg/livekit"
	"callctl/pkg/metrics"
	"callctl/pkg/protocol"
	"callctl/pkg/registry"
	"callctl/pkg/supervisor"
	"callctl/pkg/worker"
)

const shutdownTimeout = 20 * time.Second

// newServeCmd creates the "callctl serve" subcommand.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var logFormat string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the callctl daemon",
		Long: `Runs the HTTP API, the process supervisor and the dispatch coordinator.
Workers started by this daemon are stopped when it exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.addr != "" {
				cfg.Addr = opts.addr
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}
			logger := newLogger(cfg.LogFormat, cmd.ErrOrStderr())

			ln, err := net.Listen("tcp", cfg.Addr) //nolint:noctx // daemon listener lives for the process
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Addr, err)
			}
			return runServe(cmd.Context(), cfg, ln, logger)
		},
	}
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format: text or json (default from config)")
	return cmd
}

// newLogger returns a slog logger writing to w in the given format.
func newLogger(format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if os.Getenv("CALLCTL_DEBUG") != "" {
		opts.Level = slog.LevelDebug
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// runServe wires the daemon together and serves on ln until ctx is done,
// then shuts down the HTTP server and stops every worker.
func runServe(ctx context.Context, cfg *config.Config, ln net.Listener, logger *slog.Logger) error {
	if err := cfg.EnsureHome(); err != nil {
		return err
	}
	db, err := registry.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store := registry.NewStore(db)
	events := eventlog.NewWriter(db, logger)
	defer events.Close()
	prom := metrics.NewPrometheusRecorder()
	hub := api.NewHub()
	recorder := protocol.MultiRecorder{events, prom, hub}

	catalog := config.NewCatalog(cfg.Programs())
	sup := supervisor.New(supervisor.Config{
		Home:        cfg.Home,
		StopTimeout: cfg.Supervisor.StopTimeout.Std(),
		KillGrace:   cfg.Supervisor.KillGrace.Std(),
		RunMode:     cfg.Supervisor.RunMode,
		Logger:      logger,
		Recorder:    recorder,
	}, catalog)

	cp, err := newControlPlane(cfg)
	if err != nil {
		return err
	}
	coord := dispatch.NewCoordinator(store, cp, dispatch.Options{
		AgentName: cfg.Dispatch.AgentName,
		Timeout:   cfg.Dispatch.Timeout.Std(),
		Transport: cfg.Dispatch.Transport,
		Logger:    logger,
		Recorder:  recorder,
		Observer:  prom,
	})

	srv := api.NewServer(api.Deps{
		Registry:   store,
		Supervisor: sup,
		Dispatcher: coord,
		Events:     eventlog.NewReaderDB(db),
		Hub:        hub,
		Metrics:    prom,
		Logger:     logger,
	})
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving", "addr", ln.Addr().String(), "home", cfg.Home, "transport", cfg.Dispatch.Transport)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	if cfg.Path != "" {
		g.Go(func() error {
			err := config.Watch(gctx, cfg.Path, logger, func(next *config.Config) {
				catalog.Swap(next.Programs())
				logger.Info("worker catalog reloaded", "path", next.Path)
			})
			if err != nil {
				logger.Warn("config watch stopped", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		hub.Close()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		if err := sup.Shutdown(shutdownCtx); err != nil {
			logger.Warn("supervisor shutdown", "err", err)
		}
		if err := sup.Wait(shutdownCtx); err != nil {
			logger.Warn("supervisor wait", "err", err)
		}
		return nil
	})
	return g.Wait()
}

// newControlPlane builds the dispatch transport named in the config.
func newControlPlane(cfg *config.Config) (dispatch.ControlPlane, error) {
	switch cfg.Dispatch.Transport {
	case config.TransportAPI:
		lkAPI, err := livekit.NewAPI(livekitCredentials(cfg))
		if err != nil {
			return nil, err
		}
		return livekit.NewControlPlane(lkAPI), nil
	case config.TransportCLI:
		return dispatch.NewCLIControlPlane(&dispatch.ExecCommandRunner{}, cfg.Dispatch.LKBinary), nil
	default:
		return worker.NewLocalControlPlane(cfg.Home), nil
	}
}

func livekitCredentials(cfg *config.Config) livekit.Credentials {
	return livekit.Credentials{
		URL:       cfg.LiveKit.URL,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
	}
}
