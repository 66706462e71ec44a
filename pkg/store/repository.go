package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/carepath-ai/pipeline/pkg/common/models"
	"github.com/carepath-ai/pipeline/pkg/metapatient"
)

var ErrNotFound = errors.New("pipeline run not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&PipelineRun{}, &MetaPatientLink{})
}

func (r *Repository) CreateRun(ctx context.Context, runID string) error {
	run := PipelineRun{
		ID:        runID,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	return r.db.WithContext(ctx).Create(&run).Error
}

func (r *Repository) CompleteRun(ctx context.Context, report models.RunReport) error {
	status := StatusCompleted
	if report.Degraded {
		status = StatusDegraded
	}
	if report.Error != "" {
		status = StatusFailed
	}
	return r.db.WithContext(ctx).Model(&PipelineRun{}).
		Where("id = ?", report.RunID).
		Updates(map[string]interface{}{
			"status":          status,
			"cohort_patients": report.CohortPatients,
			"rows_extracted":  report.RowsExtracted,
			"meta_patients":   report.MetaPatients,
			"rows_joined":     report.RowsJoined,
			"rows_dropped":    report.RowsDropped,
			"degraded":        report.Degraded,
			"error":           report.Error,
			"completed_at":    time.Now().UTC(),
		}).Error
}

func (r *Repository) GetRun(ctx context.Context, runID string) (*PipelineRun, error) {
	var run PipelineRun
	result := r.db.WithContext(ctx).First(&run, "id = ?", runID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &run, result.Error
}

// SaveMapping replaces the run's mapping rows with the given mapping.
func (r *Repository) SaveMapping(ctx context.Context, runID string, mapping *metapatient.Mapping) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&MetaPatientLink{}).Error; err != nil {
			return err
		}
		if mapping.Len() == 0 {
			return nil
		}
		rows := make([]MetaPatientLink, 0, mapping.Len())
		now := time.Now().UTC()
		for _, m := range mapping.Rows {
			rows = append(rows, MetaPatientLink{
				ID:            uuid.New().String(),
				RunID:         runID,
				PatientID:     m.PatientID,
				MetaPatientID: m.MetaPatientID,
				Demographics: datatypes.JSONMap{
					"birth_date":    m.BirthDate,
					"sex":           m.Sex,
					"deceased_date": m.DeceasedDate,
				},
				CreatedAt: now,
			})
		}
		return tx.CreateInBatches(rows, 500).Error
	})
}

func (r *Repository) MappingForRun(ctx context.Context, runID string) ([]MetaPatientLink, error) {
	var rows []MetaPatientLink
	result := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("patient_id ASC").
		Find(&rows)
	return rows, result.Error
}
