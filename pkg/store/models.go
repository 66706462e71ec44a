package store

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusDegraded  = "degraded"
	StatusFailed    = "failed"
)

// PipelineRun is the audit row for one batch run.
type PipelineRun struct {
	ID             string    `gorm:"primaryKey;column:id"`
	Status         string    `gorm:"column:status"`
	CohortPatients int       `gorm:"column:cohort_patients"`
	RowsExtracted  int       `gorm:"column:rows_extracted"`
	MetaPatients   int       `gorm:"column:meta_patients"`
	RowsJoined     int       `gorm:"column:rows_joined"`
	RowsDropped    int       `gorm:"column:rows_dropped"`
	Degraded       bool      `gorm:"column:degraded"`
	Error          string    `gorm:"column:error"`
	StartedAt      time.Time `gorm:"column:started_at"`
	CompletedAt    time.Time `gorm:"column:completed_at"`
}

// MetaPatientLink is one persisted mapping row; each run fully replaces its
// own rows.
type MetaPatientLink struct {
	ID            string            `gorm:"primaryKey;column:id"`
	RunID         string            `gorm:"column:run_id;index"`
	PatientID     string            `gorm:"column:patient_id;index"`
	MetaPatientID string            `gorm:"column:meta_patient_id;index"`
	Demographics  datatypes.JSONMap `gorm:"column:demographics"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
}

func (PipelineRun) TableName() string {
	return "pipeline_runs"
}

func (MetaPatientLink) TableName() string {
	return "meta_patient_links"
}
