package extract

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/carepath-ai/pipeline/pkg/common/logger"
	"github.com/carepath-ai/pipeline/pkg/fhir"
	"github.com/carepath-ai/pipeline/pkg/tabular"
	"github.com/carepath-ai/pipeline/pkg/terminology"
)

// SearchClient is the upstream FHIR collaborator: paged search only.
type SearchClient interface {
	Search(ctx context.Context, resourceType string, params url.Values) ([]fhir.Resource, error)
}

type Extractor struct {
	client SearchClient
	spec   Spec
}

func NewExtractor(client SearchClient, spec Spec) *Extractor {
	return &Extractor{client: client, spec: spec}
}

func (e *Extractor) Spec() Spec {
	return e.spec
}

// ExtractCohort seeds the cohort: one Condition search per code in the set,
// deduplicated to each patient's earliest recorded diagnosis.
func (e *Extractor) ExtractCohort(ctx context.Context, set terminology.CodeSet) (*tabular.Table, error) {
	codes := set.Expand()
	if len(codes) == 0 {
		return nil, fmt.Errorf("code set %q expands to no codes", set.Display)
	}

	table := tabular.New("patient_id", "icd_10_code", "icd_10_display", "icd_10_system", "condition_diagnosis_date")
	for _, code := range codes {
		search := code
		if set.System != "" {
			search = set.System + "|" + code
		}
		resources, err := e.client.Search(ctx, "Condition", url.Values{
			"code":  {search},
			"_sort": {"_id"},
		})
		if err != nil {
			return nil, fmt.Errorf("cohort search for code %s: %w", code, err)
		}
		for _, res := range resources {
			table.AppendRow(map[string]string{
				"patient_id":               referenceID(res.GetString("subject.reference")),
				"icd_10_code":              res.GetString("code.coding.0.code"),
				"icd_10_display":           res.GetString("code.coding.0.display"),
				"icd_10_system":            res.GetString("code.coding.0.system"),
				"condition_diagnosis_date": res.GetString("recordedDate"),
			})
		}
	}

	dedupeFirstDiagnosis(table)

	logger.Log.WithFields(map[string]interface{}{
		"codes":    len(codes),
		"patients": table.Len(),
	}).Info("cohort extracted")

	return table, nil
}

// ExtractResource runs one resource spec for the cohort. Per-patient specs
// issue a constrained search per unique patient id; unconstrained specs run
// a single search.
func (e *Extractor) ExtractResource(ctx context.Context, rs ResourceSpec, patientIDs []string) (*tabular.Table, error) {
	columns := make([]string, 0, len(rs.Columns))
	for _, c := range rs.Columns {
		columns = append(columns, c.Name)
	}
	table := tabular.New(columns...)

	params := url.Values{}
	for k, v := range rs.Params {
		params.Set(k, v)
	}

	if rs.PatientParam == "" {
		resources, err := e.client.Search(ctx, rs.Resource, params)
		if err != nil {
			return nil, fmt.Errorf("extracting %s: %w", rs.Resource, err)
		}
		e.appendResources(table, rs, resources)
		return table, nil
	}

	for _, id := range uniqueIDs(patientIDs) {
		perPatient := url.Values{}
		for k, vs := range params {
			perPatient[k] = vs
		}
		perPatient.Set(rs.PatientParam, id)

		resources, err := e.client.Search(ctx, rs.Resource, perPatient)
		if err != nil {
			return nil, fmt.Errorf("extracting %s for patient %s: %w", rs.Resource, id, err)
		}
		e.appendResources(table, rs, resources)
	}

	logger.Log.WithFields(map[string]interface{}{
		"resource": rs.Resource,
		"rows":     table.Len(),
	}).Info("resource extracted")

	return table, nil
}

// ExtractAll runs every resource spec, keyed by output name.
func (e *Extractor) ExtractAll(ctx context.Context, patientIDs []string) (map[string]*tabular.Table, error) {
	out := make(map[string]*tabular.Table, len(e.spec.Resources))
	for _, rs := range e.spec.Resources {
		table, err := e.ExtractResource(ctx, rs, patientIDs)
		if err != nil {
			return nil, err
		}
		out[rs.Output] = table
	}
	return out, nil
}

func (e *Extractor) appendResources(table *tabular.Table, rs ResourceSpec, resources []fhir.Resource) {
	for _, res := range resources {
		values := make(map[string]string, len(rs.Columns))
		for _, col := range rs.Columns {
			v := res.GetString(col.Path)
			if col.Reference {
				v = referenceID(v)
			}
			values[col.Name] = v
		}
		table.AppendRow(values)
	}
}

// referenceID reduces a FHIR reference to the id of the referenced resource.
// Strings without a slash pass through unchanged.
func referenceID(ref string) string {
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		return ref[idx+1:]
	}
	return ref
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// dedupeFirstDiagnosis sorts by diagnosis date and keeps each patient's
// first row, matching the cohort seeding of the upstream scripts.
func dedupeFirstDiagnosis(table *tabular.Table) {
	dateIdx := table.ColumnIndex("condition_diagnosis_date")
	patientIdx := table.ColumnIndex("patient_id")
	if dateIdx < 0 || patientIdx < 0 {
		return
	}

	sort.SliceStable(table.Rows, func(i, j int) bool {
		return table.Rows[i][dateIdx] < table.Rows[j][dateIdx]
	})

	seen := make(map[string]struct{}, len(table.Rows))
	kept := table.Rows[:0]
	for _, row := range table.Rows {
		id := row[patientIdx]
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		kept = append(kept, row)
	}
	table.Rows = kept
}
