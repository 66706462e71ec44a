package models

import (
	"time"
)

// Event is the envelope published on the pipeline topic after each stage.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // cohort, extracted, resolved, joined, eventlog
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// ResolveRequest is the HTTP payload accepted by the metapatient service.
type ResolveRequest struct {
	PatientIDs []string            `json:"patient_ids"`
	Links      []PatientLinkRecord `json:"links,omitempty"`
}

// PatientLinkRecord mirrors one row of a Patient link search: the patient's
// own id, the raw link references it declared, and retained demographics.
type PatientLinkRecord struct {
	PatientID    string   `json:"patient_id"`
	Links        []string `json:"links,omitempty"`
	BirthDate    string   `json:"birth_date,omitempty"`
	Sex          string   `json:"sex,omitempty"`
	DeceasedDate string   `json:"deceased_date,omitempty"`
	Origin       bool     `json:"origin,omitempty"`
}

// ResolveResponse is the mapping table returned by the metapatient service.
type ResolveResponse struct {
	RunID    string       `json:"run_id"`
	Degraded bool         `json:"degraded"`
	Rows     []MappingRow `json:"rows"`
}

type MappingRow struct {
	PatientID     string `json:"patient_id"`
	MetaPatientID string `json:"meta_patient_id"`
	BirthDate     string `json:"birth_date,omitempty"`
	Sex           string `json:"sex,omitempty"`
	DeceasedDate  string `json:"deceased_date,omitempty"`
}

// RunReport summarizes one batch pipeline run for logs, events and the audit table.
type RunReport struct {
	RunID          string    `json:"run_id"`
	CohortPatients int       `json:"cohort_patients"`
	RowsExtracted  int       `json:"rows_extracted"`
	MetaPatients   int       `json:"meta_patients"`
	RowsJoined     int       `json:"rows_joined"`
	EventsEmitted  int       `json:"events_emitted"`
	RowsDropped    int       `json:"rows_dropped"`
	Degraded       bool      `json:"degraded"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}
