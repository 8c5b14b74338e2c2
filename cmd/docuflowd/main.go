package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/config"
	"github.com/ternarybob/docuflow/internal/converter"
	"github.com/ternarybob/docuflow/internal/crawler"
	"github.com/ternarybob/docuflow/internal/indexer"
	"github.com/ternarybob/docuflow/internal/pipeline"
	"github.com/ternarybob/docuflow/internal/queue"
	"github.com/ternarybob/docuflow/internal/retry"
	"github.com/ternarybob/docuflow/internal/scheduler"
	"github.com/ternarybob/docuflow/internal/storage"
	"github.com/ternarybob/docuflow/internal/storage/badger"
	"github.com/ternarybob/docuflow/internal/sweep"
)

var configPath = flag.String("config", "docuflow.toml", "Path to the TOML configuration file")

func main() {
	flag.Parse()

	loadPath := *configPath
	if _, statErr := os.Stat(loadPath); os.IsNotExist(statErr) {
		loadPath = "" // config.Load("") returns Default()
	}
	cfg, err := config.Load(loadPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docuflowd: load config: %v\n", err)
		os.Exit(1)
	}

	logger := arbor.NewLogger().
		WithConsoleWriter(arbormodels.WriterConfiguration{
			Type:             arbormodels.LogWriterTypeConsole,
			TimeFormat:       "15:04:05",
			TextOutput:       cfg.Logging.Format != "json",
			DisableTimestamp: false,
		}).
		WithLevelFromString(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobRoot := os.Getenv("DOCUFLOW_BLOB_ROOT")
	if blobRoot == "" {
		blobRoot = "./data/blobs"
	}
	blobs, err := blobstore.NewLocalStore(blobRoot)
	if err != nil {
		logger.Fatal().Err(err).Msg("docuflowd: open blob store")
	}

	jobDB, err := badger.Open(logger, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("docuflowd: open job store")
	}
	defer jobDB.Close()
	var store storage.JobStore = badger.NewJobStore(jobDB, blobs, logger, cfg.Queue.ConflictRetries)

	idxDB, err := badger.Open(logger, config.StorageConfig{BadgerPath: cfg.Indexer.BadgerPath})
	if err != nil {
		logger.Fatal().Err(err).Msg("docuflowd: open progress index")
	}
	defer idxDB.Close()
	idx := indexer.New(ctx, idxDB.Store(), logger, cfg.Indexer)
	defer idx.Close()

	dispatcher := queue.New(logger, queue.Config{
		ConversionWorkers: cfg.Queue.ConversionWorkers,
		CrawlerWorkers:    cfg.Queue.CrawlerWorkers,
		SoftTimeout:       config.Duration(cfg.Queue.SoftTimeout, 0),
		HardTimeout:       config.Duration(cfg.Queue.HardTimeout, 0),
		MaxAttempts:       cfg.Queue.TaskMaxAttempts,
	})

	retryEngine := retry.New(logger)

	crawlerPipeline := crawler.New(store, blobs, retryEngine, idx, logger, crawler.Options{
		MaxDownloadConcurrency: cfg.Crawler.MaxConcurrentDownloads,
		MaxAssetConcurrency:    cfg.Crawler.MaxConcurrentAssets,
		PerHostDelay:           time.Duration(cfg.Crawler.PerHostDelayMillis) * time.Millisecond,
		UserAgent:              cfg.Crawler.UserAgent,
		RequestTimeoutSecs:     cfg.Crawler.DownloadTimeoutSecs,
		HeadlessTimeoutSecs:    cfg.Crawler.HeadlessTimeoutSecs,
		RespectRobotsTxt:       cfg.Crawler.RespectRobotsTxt,
	})
	dispatcher.RegisterHandler(queue.TaskExecuteCrawler, func(ctx context.Context, t queue.Task) error {
		return crawlerPipeline.Run(ctx, t.ExecutionID)
	})

	pdfConverter := converter.NewPDFConverter("")
	splitMerge := pipeline.New(store, blobs, pdfConverter, dispatcher, idx, logger, pipeline.Options{
		MaxPagesPerDocument: cfg.Queue.MaxPagesPerDoc,
		MergeGracePeriod:    config.Duration(cfg.Queue.MergeGracePeriod, 0),
	})
	splitMerge.RegisterHandlers(dispatcher)

	dispatcher.Start(ctx, cfg.Queue.ConversionWorkers, cfg.Queue.CrawlerWorkers)
	defer dispatcher.Stop()

	sched := scheduler.New(logger, func(triggerCtx context.Context, trig scheduler.Trigger) {
		executionID, err := crawlerPipeline.StartExecution(triggerCtx, trig.CrawlerJobID, trig.FireInstant)
		if err != nil {
			logger.Warn().Err(err).Str("crawler_job_id", trig.CrawlerJobID).Msg("docuflowd: failed to start scheduled execution")
			return
		}
		task := queue.Task{Kind: queue.TaskExecuteCrawler, JobID: trig.CrawlerJobID, ExecutionID: executionID}
		if err := dispatcher.Enqueue(triggerCtx, task); err != nil {
			logger.Warn().Err(err).Str("crawler_job_id", trig.CrawlerJobID).Msg("docuflowd: failed to dispatch scheduled trigger")
		}
	}, time.Duration(cfg.Scheduler.WakeupPollSecs)*time.Second)

	active, err := store.FindActiveCrawlers(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("docuflowd: failed to load active crawlers for scheduler rehydration")
	} else if err := sched.Rehydrate(active); err != nil {
		logger.Warn().Err(err).Msg("docuflowd: scheduler rehydration reported errors")
	}
	go sched.Run(ctx)

	heartbeatTTL := config.Duration(cfg.Queue.HeartbeatTTL, 2*time.Minute)
	detector := sweep.New(store, logger, heartbeatTTL, heartbeatTTL/2)
	go detector.Run(ctx)

	logger.Info().Str("badger_path", cfg.Storage.BadgerPath).Msg("docuflowd: started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("docuflowd: shutting down")
	cancel()
}
