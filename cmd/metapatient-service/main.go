package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/carepath-ai/pipeline/pkg/common/config"
	"github.com/carepath-ai/pipeline/pkg/common/database"
	"github.com/carepath-ai/pipeline/pkg/common/kafka"
	"github.com/carepath-ai/pipeline/pkg/common/logger"
	"github.com/carepath-ai/pipeline/pkg/common/models"
	"github.com/carepath-ai/pipeline/pkg/fhir"
	"github.com/carepath-ai/pipeline/pkg/metapatient"
	"github.com/carepath-ai/pipeline/pkg/observability/metrics"
	"github.com/carepath-ai/pipeline/pkg/store"
)

type ResolverApp struct {
	resolver *metapatient.Resolver
	links    metapatient.LinkSource
	repo     *store.Repository
	producer *kafka.Producer
	maxBody  int64
}

func main() {
	logger.Init()
	cfg := config.Load()

	app := &ResolverApp{
		resolver: metapatient.NewResolver(),
		maxBody:  cfg.MaxRequestBody,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cache *fhir.PageCache
	if cfg.FHIRCacheTTL > 0 {
		cache = fhir.NewPageCache(database.GetRedis(), cfg.FHIRCacheTTL)
		defer database.CloseRedis()
	}

	app.links = fhir.NewClient(ctx, fhir.Options{
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

	if cfg.PersistRuns {
		db, err := database.GetPostgres()
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to connect to postgres")
		}
		app.repo = store.NewRepository(db)
		if err := app.repo.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("failed to migrate pipeline tables")
		}
		defer database.ClosePostgres()
	}

	if cfg.PublishEvents {
		app.producer = kafka.NewProducer(cfg.PipelineTopic)
		defer app.producer.Close()
	}

	if cfg.ResolveRequestTopic != "" {
		consumer := kafka.NewConsumer(cfg.ResolveRequestTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		go func() {
			logger.Log.WithField("topic", cfg.ResolveRequestTopic).Info("Consuming resolve requests")
			if err := consumer.Consume(ctx, app.handleResolveEvent); err != nil && err != context.Canceled {
				logger.Log.WithError(err).Error("resolve request consumer stopped")
			}
		}()
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/resolve", app.handleResolve).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/runs/{id}", app.handleRun).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/runs/{id}/mapping", app.handleRunMapping).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Meta-Patient Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Meta-Patient Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Meta-Patient Service stopped")
}

func (a *ResolverApp) handleResolve(w http.ResponseWriter, r *http.Request) {
	if a.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
	}

	var req models.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid resolve payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var mapping *metapatient.Mapping
	if len(req.Links) > 0 {
		// Caller supplied its own link records; no FHIR round trip.
		links := make([]metapatient.LinkRecord, 0, len(req.Links))
		for _, l := range req.Links {
			links = append(links, metapatient.LinkRecord{
				PatientID:    l.PatientID,
				Links:        l.Links,
				BirthDate:    l.BirthDate,
				Sex:          l.Sex,
				DeceasedDate: l.DeceasedDate,
				Origin:       l.Origin,
			})
		}
		mapping = a.resolver.Resolve(req.PatientIDs, links)
	} else {
		mapping = a.resolver.ResolveLinks(r.Context(), a.links, req.PatientIDs)
	}

	runID := a.completeResolve(r.Context(), len(req.PatientIDs), mapping)

	resp := models.ResolveResponse{
		RunID:    runID,
		Degraded: mapping.Degraded,
		Rows:     make([]models.MappingRow, 0, mapping.Len()),
	}
	for _, row := range mapping.Rows {
		resp.Rows = append(resp.Rows, models.MappingRow{
			PatientID:     row.PatientID,
			MetaPatientID: row.MetaPatientID,
			BirthDate:     row.BirthDate,
			Sex:           row.Sex,
			DeceasedDate:  row.DeceasedDate,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// completeResolve records metrics for a finished resolve and, when the
// collaborators are configured, persists the mapping and publishes the
// resolved stage event. Returns the run id assigned to the resolve.
func (a *ResolverApp) completeResolve(ctx context.Context, patientCount int, mapping *metapatient.Mapping) string {
	metrics.ObserveResolve(mapping.Len(), len(mapping.Groups()), mapping.Degraded)

	runID := uuid.New().String()
	if a.repo != nil {
		if err := a.repo.CreateRun(ctx, runID); err != nil {
			logger.Log.WithError(err).Warn("failed to record resolve run")
		}
		if err := a.repo.SaveMapping(ctx, runID, mapping); err != nil {
			logger.Log.WithError(err).Error("failed to persist mapping")
		}
		report := models.RunReport{
			RunID:          runID,
			CohortPatients: patientCount,
			MetaPatients:   len(mapping.Groups()),
			Degraded:       mapping.Degraded,
		}
		if err := a.repo.CompleteRun(ctx, report); err != nil {
			logger.Log.WithError(err).Warn("failed to record resolve completion")
		}
	}

	if a.producer != nil {
		payload := map[string]interface{}{
			"run_id":        runID,
			"patients":      mapping.Len(),
			"meta_patients": len(mapping.Groups()),
			"degraded":      mapping.Degraded,
		}
		if err := a.producer.PublishStage(ctx, "resolved", "metapatient-service", payload); err != nil {
			logger.Log.WithError(err).Error("failed to publish resolve event")
		}
	}

	return runID
}

// handleResolveEvent processes one resolve request consumed from the
// request topic. Requests without patient ids are logged and committed;
// retrying them would never succeed.
func (a *ResolverApp) handleResolveEvent(ctx context.Context, event models.Event) error {
	ids := stringSlice(event.Data["patient_ids"])
	if len(ids) == 0 {
		logger.Log.WithField("event_id", event.ID).Warn("resolve request without patient ids")
		return nil
	}

	mapping := a.resolver.ResolveLinks(ctx, a.links, ids)
	runID := a.completeResolve(ctx, len(ids), mapping)

	logger.Log.WithFields(map[string]interface{}{
		"event_id": event.ID,
		"run_id":   runID,
		"patients": len(ids),
		"degraded": mapping.Degraded,
	}).Info("resolve request processed")
	return nil
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (a *ResolverApp) handleRun(w http.ResponseWriter, r *http.Request) {
	if a.repo == nil {
		http.Error(w, "run persistence disabled", http.StatusNotFound)
		return
	}

	vars := mux.Vars(r)
	run, err := a.repo.GetRun(r.Context(), vars["id"])
	if err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to fetch run")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

func (a *ResolverApp) handleRunMapping(w http.ResponseWriter, r *http.Request) {
	if a.repo == nil {
		http.Error(w, "run persistence disabled", http.StatusNotFound)
		return
	}

	vars := mux.Vars(r)
	if _, err := a.repo.GetRun(r.Context(), vars["id"]); err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to fetch run")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	rows, err := a.repo.MappingForRun(r.Context(), vars["id"])
	if err != nil {
		logger.Log.WithError(err).Error("failed to fetch mapping")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}
