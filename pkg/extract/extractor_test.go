package extract

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"testing"

	"github.com/carepath-ai/pipeline/pkg/common/logger"
	"github.com/carepath-ai/pipeline/pkg/fhir"
	"github.com/carepath-ai/pipeline/pkg/terminology"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

// fakeClient answers searches from canned resources keyed by resource type
// and records every query it saw.
type fakeClient struct {
	resources map[string][]string
	queries   []url.Values
}

func (f *fakeClient) Search(ctx context.Context, resourceType string, params url.Values) ([]fhir.Resource, error) {
	f.queries = append(f.queries, params)
	var out []fhir.Resource
	for _, raw := range f.resources[resourceType] {
		var res fhir.Resource
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			panic(err)
		}
		out = append(out, res)
	}
	return out, nil
}

func TestExtractResourceMapsColumns(t *testing.T) {
	client := &fakeClient{resources: map[string][]string{
		"Procedure": {`{
			"resourceType": "Procedure",
			"id": "p1",
			"status": "completed",
			"subject": {"reference": "Patient/abc"},
			"code": {"coding": [{"code": "5-123", "display": "Excision"}]},
			"performedDateTime": "2021-03-04T10:00:00Z"
		}`},
	}}

	spec := DefaultSpec()
	var procSpec ResourceSpec
	for _, rs := range spec.Resources {
		if rs.Resource == "Procedure" {
			procSpec = rs
		}
	}

	extractor := NewExtractor(client, spec)
	table, err := extractor.ExtractResource(context.Background(), procSpec, []string{"abc"})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if table.Len() != 1 {
		t.Fatalf("expected one row, got %d", table.Len())
	}
	row := map[string]string{}
	for i, col := range table.Columns {
		row[col] = table.Rows[0][i]
	}
	if row["patient_id"] != "abc" {
		t.Fatalf("reference not normalized, got %q", row["patient_id"])
	}
	if row["procedure_display"] != "Excision" || row["performed_date"] != "2021-03-04T10:00:00Z" {
		t.Fatalf("unexpected row: %v", row)
	}
	// missing elements come through as empty strings, not errors
	if row["performed_period_start"] != "" {
		t.Fatalf("expected empty period start, got %q", row["performed_period_start"])
	}
}

func TestExtractResourceQueriesPerPatient(t *testing.T) {
	client := &fakeClient{resources: map[string][]string{}}
	spec := DefaultSpec()
	extractor := NewExtractor(client, spec)

	_, err := extractor.ExtractResource(context.Background(), spec.Resources[1], []string{"a", "b", "a", ""})
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	// duplicates and blanks collapse to one query per unique id
	if len(client.queries) != 2 {
		t.Fatalf("expected 2 queries, got %d", len(client.queries))
	}
	if client.queries[0].Get("subject") != "a" || client.queries[1].Get("subject") != "b" {
		t.Fatalf("unexpected query constraints: %v", client.queries)
	}
}

func TestExtractCohortDedupesToFirstDiagnosis(t *testing.T) {
	client := &fakeClient{resources: map[string][]string{
		"Condition": {
			`{"resourceType":"Condition","subject":{"reference":"Patient/A"},"code":{"coding":[{"code":"C43.1","display":"Melanoma","system":"icd-10"}]},"recordedDate":"2022-05-01"}`,
			`{"resourceType":"Condition","subject":{"reference":"Patient/A"},"code":{"coding":[{"code":"C43.2","display":"Melanoma","system":"icd-10"}]},"recordedDate":"2020-01-01"}`,
			`{"resourceType":"Condition","subject":{"reference":"Patient/B"},"code":{"coding":[{"code":"C43.1","display":"Melanoma","system":"icd-10"}]},"recordedDate":"2021-07-09"}`,
		},
	}}

	extractor := NewExtractor(client, DefaultSpec())
	set := terminology.CodeSet{System: "icd-10", Codes: []string{"C43.1"}}
	table, err := extractor.ExtractCohort(context.Background(), set)
	if err != nil {
		t.Fatalf("cohort extraction failed: %v", err)
	}

	if table.Len() != 2 {
		t.Fatalf("expected one row per patient, got %d", table.Len())
	}

	dateIdx := table.ColumnIndex("condition_diagnosis_date")
	patientIdx := table.ColumnIndex("patient_id")
	for _, row := range table.Rows {
		if row[patientIdx] == "A" && row[dateIdx] != "2020-01-01" {
			t.Fatalf("expected earliest diagnosis kept for A, got %s", row[dateIdx])
		}
	}
}

func TestExtractCohortEmptyCodeSet(t *testing.T) {
	extractor := NewExtractor(&fakeClient{}, DefaultSpec())
	if _, err := extractor.ExtractCohort(context.Background(), terminology.CodeSet{}); err == nil {
		t.Fatal("expected error for empty code set")
	}
}

func TestLoadSpecDefault(t *testing.T) {
	spec, err := LoadSpec("")
	if err != nil {
		t.Fatalf("default spec failed: %v", err)
	}
	if len(spec.Resources) != 5 {
		t.Fatalf("expected 5 resource specs, got %d", len(spec.Resources))
	}
	for _, rs := range spec.Resources {
		hasPatient := false
		for _, col := range rs.Columns {
			if col.Name == "patient_id" {
				hasPatient = true
			}
		}
		if !hasPatient {
			t.Fatalf("resource %s has no patient_id column", rs.Resource)
		}
	}
}
