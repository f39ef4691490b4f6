// mediadex keeps a media index in sync with what is on disk: it watches
// library roots, journals filesystem changes durably, and drives them
// through the analyze/enrich/index pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mantonx/mediadex/internal/config"
	"github.com/mantonx/mediadex/internal/database"
	"github.com/mantonx/mediadex/internal/events"
	"github.com/mantonx/mediadex/internal/logger"
	"github.com/mantonx/mediadex/internal/modules/modulemanager"
	"github.com/mantonx/mediadex/internal/modules/pipelinemodule"
	"github.com/mantonx/mediadex/internal/modules/scannermodule"
	"github.com/mantonx/mediadex/internal/modules/watchermodule"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "mediadex.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "mediadex: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Configure(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting mediadex")

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(events.DefaultBusConfig())
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}

	// Scanner first: the orchestrator anchors everything downstream.
	scannerMod := scannermodule.Register(db, bus, cfg.Scanner.MaxScanErrors)
	orchestrator := scannerMod.Orchestrator()

	// Pipeline actors, driver and mailbox.
	actors := pipelinemodule.Actors{
		Analyzer: pipelinemodule.NewProbeAnalyzer(cfg.Scanner.ProbeTimeout),
		Enricher: pipelinemodule.NewProviderEnricher(nil, pipelinemodule.LibraryTypeResolver(db)),
		Indexer:  pipelinemodule.NewRepositoryIndexer(db, database.NewReferencesRepository(db), bus),
		Images:   pipelinemodule.NewCachingImageFetcher(cfg.Scanner.AssetDir, cfg.Scanner.ProbeTimeout),
	}
	pipeline := pipelinemodule.NewPipeline(db, bus, orchestrator, actors, cfg.Watcher)
	mailbox := pipelinemodule.NewQueuedMailbox(pipeline, cfg.Scanner.WorkerCount, cfg.Scanner.ChannelBufferSize)
	dispatcher := pipelinemodule.NewBatchDispatcher(mailbox)
	pipelinemodule.Register(pipeline)

	watcherMod := watchermodule.Register(db, bus, dispatcher, cfg.Watcher, cfg.Libraries)

	// Migrate and initialize everything in registration order. Watcher init
	// registers libraries, so the mailbox has to be running first.
	mailbox.Start()
	if err := modulemanager.LoadAll(db); err != nil {
		return fmt.Errorf("failed to load modules: %w", err)
	}

	watcherMod.Scheduler().Start(ctx)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(cfg.Metrics.Addr)
	}

	logger.Info("mediadex running", "libraries", len(cfg.Libraries))
	<-ctx.Done()
	logger.Info("shutting down")

	shutdown(watcherMod, pipeline, mailbox, orchestrator, bus, metricsSrv)
	return nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	return srv
}

// shutdown drains components in dependency order: stop producing events,
// finish in-flight work, pause scans so restart resumes cleanly, then tear
// down infrastructure.
func shutdown(watcherMod *watchermodule.Module, pipeline *pipelinemodule.Pipeline,
	mailbox *pipelinemodule.QueuedMailbox, orchestrator *scannermodule.Orchestrator,
	bus events.EventBus, metricsSrv *http.Server) {

	watcherMod.Scheduler().Stop()
	watcherMod.Watcher().Shutdown()

	if paused, err := orchestrator.PauseActiveScans(); err != nil {
		logger.Error("failed to pause active scans", "error", err)
	} else if paused > 0 {
		logger.Info("paused active scans for restart", "count", paused)
	}

	pipeline.Drain()
	mailbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics endpoint shutdown failed", "error", err)
		}
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		logger.Warn("event bus shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}
