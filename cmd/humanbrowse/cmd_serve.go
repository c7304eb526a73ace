package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"humanbrowse/internal/browser"
	"humanbrowse/internal/config"
	"humanbrowse/internal/logging"
	"humanbrowse/internal/metrics"
	"humanbrowse/internal/server"
	"humanbrowse/internal/service"
	"humanbrowse/internal/session"
	"humanbrowse/internal/store"
	"humanbrowse/internal/telemetry"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	serveAddr  string
	serveTrace bool
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Starts the HTTP API. The browser connection is opened lazily on the
first run: humanbrowse probes 127.0.0.1:<cdp_port> (and the default gateway
when cdp_allow_nat is set) and, with cdp_launch, starts a local Chromium when
nothing answers.

The config file is watched; run budgets and the domain policy take effect on
the next run after a change.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr from config)")
	serveCmd.Flags().BoolVar(&serveTrace, "trace", false, "Write OpenTelemetry spans to stderr")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload the config file on change")
}

func browserConfig(c *config.Config) browser.Config {
	return browser.Config{
		Port:           c.CDPPort,
		AllowNAT:       c.CDPAllowNAT,
		ProbeTimeout:   c.CDPTimeout(),
		SlowMotion:     c.SlowMo(),
		Launch:         c.CDPLaunch,
		Bin:            c.ChromeBin,
		Headless:       c.Headless,
		ActionTimeout:  c.ActionTimeout(),
		ViewportWidth:  c.ViewportWidth,
		ViewportHeight: c.ViewportHeight,
	}
}

func sessionDBPath(c *config.Config) string {
	if c.SessionDB != "" {
		return c.SessionDB
	}
	return filepath.Join(c.RunsDir, ".sessions.db")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if err := os.MkdirAll(cfg.RunsDir, 0755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}

	if serveTrace {
		tp, err := telemetry.NewTracerProvider("humanbrowse", version, os.Stderr)
		if err != nil {
			return err
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn("Tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	journal, err := store.NewLocalStore(sessionDBPath(cfg))
	if err != nil {
		return fmt.Errorf("open session journal: %w", err)
	}
	defer journal.Close()
	if n, err := journal.CloseOrphanedSessions(ctx); err != nil {
		logger.Warn("Failed to close orphaned sessions", zap.Error(err))
	} else if n > 0 {
		logging.Boot("Marked %d sessions from a previous run as closed", n)
	}

	live := config.NewLive(cfg)
	m := metrics.New()
	mgr := browser.NewManager(browserConfig(cfg))
	registry := session.NewRegistry(mgr, session.WithJournal(journal), session.WithMetrics(m))
	svc := service.New(live, registry, service.WithMetrics(m), service.WithRunIndex(journal))
	srv := server.New(svc, m, logger.Named("http"))

	logger.Info("Starting humanbrowse",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("runs_dir", cfg.RunsDir),
		zap.Int("cdp_port", cfg.CDPPort),
		zap.String("policy", cfg.Policy.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Server.Addr)
	})
	if serveWatch {
		g.Go(func() error {
			return config.Watch(gctx, configPath, func(next *config.Config) {
				// Connection and listener settings are fixed for the process.
				next.Server.Addr = cfg.Server.Addr
				next.RunsDir = cfg.RunsDir
				live.Set(next)
			})
		})
	}
	runErr := g.Wait()

	shutdownCtx := context.WithoutCancel(ctx)
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Session shutdown failed", zap.Error(err))
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Browser shutdown failed", zap.Error(err))
	}
	logger.Info("humanbrowse stopped")
	return runErr
}
