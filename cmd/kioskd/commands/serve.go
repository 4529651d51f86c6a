package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kioskd/kioskd/pkg/config"
	"github.com/kioskd/kioskd/pkg/kiosk"
	"github.com/kioskd/kioskd/pkg/server"
	"github.com/kioskd/kioskd/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the kiosk plugin runtime",
		Long: `Start the runtime: discover plugins, bring them through their
lifecycle, and serve the HTTP API until interrupted.

With --watch, changes to the config file or the credential file trigger a
full plugin reload without restarting the process.`,
		Example: `  # Serve with the default config path
  kioskd serve

  # Serve a specific config and reload on changes
  kioskd serve --config /etc/kioskd/main.json --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "reload plugins when config files change")
	return cmd
}

func runServe(ctx context.Context, version string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}

	tcfg := cfg.TelemetryConfig(version)
	if err := tcfg.Validate(); err != nil {
		return err
	}
	log, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	orch := kiosk.NewOrchestrator(cfg, log, metrics,
		kiosk.WithTracer(tracer),
		kiosk.WithVersion(version),
	)
	if err := orch.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if tcfg.Metrics.Enabled {
		go func() {
			if err := metrics.ListenAndServe(); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	if watch {
		watcher := kiosk.NewWatcher(
			[]string{configPath, cfg.CredentialFile},
			orch.Reload,
			log.NewComponentLogger("watcher"),
		)
		go func() {
			if err := watcher.Run(runCtx); err != nil && runCtx.Err() == nil {
				log.WithError(err).Error("config watcher stopped")
			}
		}()
	}

	srv := server.New(cfg.Server.Listen, orch, log.NewComponentLogger("server"))
	serveErr := srv.Run(runCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}
	return serveErr
}
