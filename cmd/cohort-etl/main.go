package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/carepath-ai/pipeline/pkg/common/config"
	"github.com/carepath-ai/pipeline/pkg/common/database"
	"github.com/carepath-ai/pipeline/pkg/common/kafka"
	"github.com/carepath-ai/pipeline/pkg/common/logger"
	"github.com/carepath-ai/pipeline/pkg/extract"
	"github.com/carepath-ai/pipeline/pkg/fhir"
	"github.com/carepath-ai/pipeline/pkg/pipeline"
	"github.com/carepath-ai/pipeline/pkg/store"
	"github.com/carepath-ai/pipeline/pkg/terminology"
)

func main() {
	logger.Init()
	cfg := config.Load()

	spec, err := extract.LoadSpec(cfg.ExtractionSpecPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load extraction spec")
	}

	catalog, err := terminology.Load(cfg.CodeSetPath)
	if err != nil {
		logger.Log.WithError(err).Warn("failed to load code set catalog, using defaults")
		catalog = terminology.DefaultCatalog()
	}
	codeSet, ok := catalog.Lookup(cfg.CohortCodeSet)
	if !ok {
		logger.Log.WithField("code_set", cfg.CohortCodeSet).Fatal("unknown cohort code set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Log.Info("Interrupted, cancelling run...")
		cancel()
	}()

	var cache *fhir.PageCache
	if cfg.FHIRCacheTTL > 0 {
		cache = fhir.NewPageCache(database.GetRedis(), cfg.FHIRCacheTTL)
		defer database.CloseRedis()
	}

	client := fhir.NewClient(ctx, fhir.Options{
		BaseURL:      cfg.FHIRBaseURL,
		TokenURL:     cfg.FHIRTokenURL,
		ClientID:     cfg.FHIRClientID,
		ClientSecret: cfg.FHIRClientSecret,
		Scopes:       cfg.FHIRScopes,
		Timeout:      cfg.FHIRTimeout,
		PageSize:     cfg.FHIRPageSize,
		MaxPages:     cfg.FHIRMaxPages,
		Retries:      cfg.FHIRRetries,
		Cache:        cache,
	})

	extractor := extract.NewExtractor(client, spec)
	runner := pipeline.NewRunner(extractor, client, codeSet, cfg.OutputDir)

	if cfg.PersistRuns {
		db, err := database.GetPostgres()
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to postgres")
		}
		repo := store.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate pipeline tables")
		}
		runner.WithStore(repo)
		defer database.ClosePostgres()
	}

	if cfg.PublishEvents {
		producer := kafka.NewProducer(cfg.PipelineTopic)
		defer producer.Close()

		var dlq *kafka.Producer
		if cfg.PipelineDLQ != "" {
			dlq = kafka.NewProducer(cfg.PipelineDLQ)
			defer dlq.Close()
		}
		runner.WithProducer(producer, dlq)
	}

	report, err := runner.Run(ctx)
	if err != nil {
		logger.Log.WithError(err).WithField("run_id", report.RunID).Fatal("pipeline run failed")
	}
}
