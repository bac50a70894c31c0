package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"mboflow/config"
	"mboflow/internal/api"
	"mboflow/internal/archive"
	"mboflow/internal/feed"
	"mboflow/internal/hub"
	"mboflow/internal/market"
	"mboflow/internal/metrics"
	"mboflow/internal/storage"
	"mboflow/logger"
)

// drainTimeout bounds the end-of-feed broadcast to stream subscribers.
const drainTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	log := logger.GetLogger()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return 2
	}
	if err := log.Configure(cfg.Logging.Filter, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("invalid logging configuration")
		return 2
	}

	log.WithFields(logger.Fields{
		"env":  config.AppEnvironment(),
		"feed": cfg.Feed.Path,
		"db":   cfg.Storage.DBPath,
	}).Info("starting mboflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Init()
	if config.IsProductionLike(config.AppEnvironment()) {
		logger.InitCloudWatch("", "", "")
		metrics.InitCloudWatch("", "")
	}
	if strings.ToLower(cfg.Logging.Filter) == "report" {
		logger.StartReport(ctx, log, cfg.Report.Interval)
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		log.WithError(err).Error("failed to open store")
		return 1
	}
	defer store.Close()

	var resumeFrom uint64
	if cfg.Feed.ResumeMode == config.ResumeFromMaxSeq {
		resumeFrom, err = store.MaxSeq(ctx)
		if err != nil {
			log.WithError(err).Error("failed to read persisted sequence")
			return 1
		}
	}

	src, err := feed.OpenFile(cfg.Feed.Path)
	if err != nil {
		log.WithError(err).Error("failed to open feed")
		return 1
	}
	defer src.Close()

	mkt := market.New()
	h := hub.New(cfg.Hub.MaxSubscribers, cfg.Hub.SubscriberQueueCap)

	sink := storage.NewSink(store, cfg.Storage.BatchSize, cfg.Storage.BatchInterval)
	sink.Start(ctx)

	dcfg := feed.DriverConfig{
		ResumeFrom:       resumeFrom,
		SkipDecodeErrors: cfg.Feed.OnDecodeError == config.OnDecodeErrorSkip,
	}
	var arch *archive.Writer
	if cfg.Archive.Enabled {
		arch, err = archive.New(cfg.Archive, func(id uint32) string {
			sym, _ := mkt.Symbol(id)
			return sym
		})
		if err != nil {
			log.WithError(err).Error("failed to initialize archive writer")
			return 1
		}
		arch.Start(ctx)
		dcfg.Archiver = arch
	}

	driver := feed.NewDriver(src, mkt, h, sink, dcfg)

	var ready atomic.Bool
	ready.Store(true)
	srv := api.NewServer(cfg.Server.BindAddress, mkt, h, ready.Load)

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Run(ctx) }()
	driverErr := make(chan error, 1)
	go func() { driverErr <- driver.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := 0
	interrupted := false
	serverDone := false

	select {
	case sig := <-sigCh:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		interrupted = true
		cancel()
		<-driverErr
	case err := <-sink.Fatal():
		log.WithError(err).Error("unrecoverable storage failure")
		code = 1
		interrupted = true
		cancel()
		<-driverErr
	case err := <-serverErr:
		serverDone = true
		if err != nil {
			log.WithError(err).Error("http server failed")
			code = 1
		}
		interrupted = true
		cancel()
		<-driverErr
	case err := <-driverErr:
		if err != nil {
			log.WithError(err).Error("ingest failed")
			code = 1
		}
	}

	// The driver has stopped producing. Streams get their end-of-feed marker,
	// then the sink flushes what is left.
	dctx, dcancel := context.WithTimeout(context.Background(), drainTimeout)
	if err := h.Drain(dctx); err != nil {
		log.WithError(err).Warn("broadcast drain timed out")
	}
	dcancel()
	sink.Stop()
	if arch != nil {
		arch.Stop()
	}

	if code == 0 && !interrupted {
		// Feed exhausted cleanly; keep answering queries until asked to stop.
		select {
		case sig := <-sigCh:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
		case err := <-serverErr:
			serverDone = true
			if err != nil {
				log.WithError(err).Error("http server failed")
				code = 1
			}
		}
		cancel()
	}

	if !serverDone {
		if err := <-serverErr; err != nil && code == 0 {
			log.WithError(err).Error("http server failed")
			code = 1
		}
	}

	log.WithFields(logger.Fields{"processed": driver.Processed(), "exit_code": code}).Info("mboflow stopped")
	return code
}
