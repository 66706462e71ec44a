package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/carepath-ai/pipeline/pkg/common/kafka"
	"github.com/carepath-ai/pipeline/pkg/common/logger"
	"github.com/carepath-ai/pipeline/pkg/common/models"
	"github.com/carepath-ai/pipeline/pkg/eventlog"
	"github.com/carepath-ai/pipeline/pkg/extract"
	"github.com/carepath-ai/pipeline/pkg/metapatient"
	"github.com/carepath-ai/pipeline/pkg/observability/metrics"
	"github.com/carepath-ai/pipeline/pkg/store"
	"github.com/carepath-ai/pipeline/pkg/tabular"
	"github.com/carepath-ai/pipeline/pkg/terminology"
)

// Suffixes tagging each side of the cross-resource join on column collisions.
const (
	resourceSuffix    = "_resource"
	metaPatientSuffix = "_meta_patient"
)

// Runner drives one batch run: cohort seeding, resource extraction,
// meta-patient resolution, the cross-resource join and event-log assembly.
// Postgres persistence and Kafka stage events are optional collaborators.
type Runner struct {
	extractor *extract.Extractor
	resolver  *metapatient.Resolver
	links     metapatient.LinkSource
	codeSet   terminology.CodeSet
	outputDir string
	logMap    eventlog.Mapping
	repo      *store.Repository
	producer  *kafka.Producer
	dlq       *kafka.Producer
}

func NewRunner(extractor *extract.Extractor, links metapatient.LinkSource, codeSet terminology.CodeSet, outputDir string) *Runner {
	return &Runner{
		extractor: extractor,
		resolver:  metapatient.NewResolver(),
		links:     links,
		codeSet:   codeSet,
		outputDir: outputDir,
		logMap:    eventlog.DefaultMapping(),
	}
}

func (r *Runner) WithStore(repo *store.Repository) *Runner {
	r.repo = repo
	return r
}

func (r *Runner) WithProducer(producer, dlq *kafka.Producer) *Runner {
	r.producer = producer
	r.dlq = dlq
	return r
}

func (r *Runner) WithEventLogMapping(m eventlog.Mapping) *Runner {
	r.logMap = m
	return r
}

// Run executes the full pipeline and returns the run report. Failures of
// the link stage degrade to identity mapping; failures of extraction or
// output abort the run with the error recorded on the report.
func (r *Runner) Run(ctx context.Context) (models.RunReport, error) {
	report := models.RunReport{
		RunID:     uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	log := logger.Log.WithField("run_id", report.RunID)

	if r.repo != nil {
		if err := r.repo.CreateRun(ctx, report.RunID); err != nil {
			log.WithError(err).Warn("failed to record run start")
		}
	}

	fail := func(err error) (models.RunReport, error) {
		report.Status = store.StatusFailed
		report.Error = err.Error()
		report.CompletedAt = time.Now().UTC()
		if r.repo != nil {
			if dbErr := r.repo.CompleteRun(ctx, report); dbErr != nil {
				log.WithError(dbErr).Warn("failed to record run failure")
			}
		}
		return report, err
	}

	// Stage 1: cohort
	cohort, err := r.extractor.ExtractCohort(ctx, r.codeSet)
	if err != nil {
		return fail(err)
	}
	patientIDs := cohort.UniqueColumn("patient_id")
	report.CohortPatients = len(patientIDs)
	if err := cohort.WriteCSV(r.output("cohort.csv")); err != nil {
		return fail(err)
	}
	r.publish(ctx, "cohort", map[string]interface{}{
		"run_id":   report.RunID,
		"patients": len(patientIDs),
	})

	// Stage 2: resource extraction
	tables, err := r.extractor.ExtractAll(ctx, patientIDs)
	if err != nil {
		return fail(err)
	}
	for name, table := range tables {
		report.RowsExtracted += table.Len()
		if err := table.WriteCSV(r.output(name + ".csv")); err != nil {
			return fail(err)
		}
	}
	r.publish(ctx, "extracted", map[string]interface{}{
		"run_id": report.RunID,
		"rows":   report.RowsExtracted,
	})

	// Stage 3: meta-patient resolution
	mapping := r.resolver.ResolveLinks(ctx, r.links, patientIDs)
	report.Degraded = mapping.Degraded
	report.MetaPatients = len(mapping.Groups())
	metrics.ObserveResolve(mapping.Len(), report.MetaPatients, mapping.Degraded)
	if err := mapping.Table().WriteCSV(r.output("meta_patients.csv")); err != nil {
		return fail(err)
	}
	if r.repo != nil {
		if err := r.repo.SaveMapping(ctx, report.RunID, mapping); err != nil {
			log.WithError(err).Warn("failed to persist mapping")
		}
	}
	r.publish(ctx, "resolved", map[string]interface{}{
		"run_id":        report.RunID,
		"meta_patients": report.MetaPatients,
		"degraded":      mapping.Degraded,
	})

	// Stage 4: cross-resource join
	mappingTable := mapping.Table()
	joined := make(map[string]*tabular.Table, len(tables))
	for name, table := range tables {
		j := tabular.InnerJoin(table, mappingTable, "patient_id", resourceSuffix, metaPatientSuffix)
		report.RowsJoined += j.Len()
		joined[name] = j
		if err := j.WriteCSV(r.output(name + "_meta.csv")); err != nil {
			return fail(err)
		}
	}
	r.publish(ctx, "joined", map[string]interface{}{
		"run_id": report.RunID,
		"rows":   report.RowsJoined,
	})

	// Stage 5: event log for the process miner
	encounterTable, ok := joined["encounters"]
	if !ok {
		encounterTable = &tabular.Table{}
	}
	result := eventlog.Build(encounterTable, r.logMap)
	report.EventsEmitted = result.Log.Len()
	report.RowsDropped = result.Dropped
	if err := result.Log.WriteCSV(r.output("event_log.csv")); err != nil {
		return fail(err)
	}
	metrics.ObserveRunCounts(report.RowsExtracted, report.RowsJoined, report.RowsDropped)
	r.publish(ctx, "eventlog", map[string]interface{}{
		"run_id":  report.RunID,
		"events":  report.EventsEmitted,
		"dropped": report.RowsDropped,
	})

	report.Status = store.StatusCompleted
	if report.Degraded {
		report.Status = store.StatusDegraded
	}
	report.CompletedAt = time.Now().UTC()
	if r.repo != nil {
		if err := r.repo.CompleteRun(ctx, report); err != nil {
			log.WithError(err).Warn("failed to record run completion")
		}
	}

	log.WithFields(map[string]interface{}{
		"patients":      report.CohortPatients,
		"meta_patients": report.MetaPatients,
		"extracted":     report.RowsExtracted,
		"joined":        report.RowsJoined,
		"events":        report.EventsEmitted,
		"degraded":      report.Degraded,
	}).Info("pipeline run completed")

	return report, nil
}

func (r *Runner) output(name string) string {
	return filepath.Join(r.outputDir, name)
}

func (r *Runner) publish(ctx context.Context, stage string, data map[string]interface{}) {
	if r.producer == nil {
		return
	}
	if err := r.producer.PublishStage(ctx, stage, "cohort-etl", data); err != nil {
		logger.Log.WithError(err).Error("failed to publish stage event")
		if r.dlq != nil {
			_ = r.dlq.PublishStage(ctx, stage, "cohort-etl", data)
		}
	}
}
