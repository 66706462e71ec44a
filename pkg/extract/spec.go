package extract

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ColumnSpec maps one output column onto a dotted path into the raw
// resource. Reference columns hold FHIR references and are reduced to the
// bare id of the referenced resource.
type ColumnSpec struct {
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
	Reference bool   `yaml:"reference"`
}

// ResourceSpec configures the extraction of one FHIR resource type into one
// output table. When PatientParam is set the search is constrained per
// cohort patient (e.g. subject=<id>); otherwise a single unconstrained
// search runs.
type ResourceSpec struct {
	Resource     string            `yaml:"resource"`
	Output       string            `yaml:"output"`
	PatientParam string            `yaml:"patient_param"`
	Params       map[string]string `yaml:"params"`
	Columns      []ColumnSpec      `yaml:"columns"`
}

type Spec struct {
	Resources []ResourceSpec `yaml:"resources"`
}

func LoadSpec(path string) (Spec, error) {
	if path == "" {
		return DefaultSpec(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Spec{}, err
	}
	var spec Spec
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return Spec{}, err
	}
	if len(spec.Resources) == 0 {
		return Spec{}, fmt.Errorf("extraction spec lists no resources")
	}
	for i, rs := range spec.Resources {
		if rs.Resource == "" || rs.Output == "" || len(rs.Columns) == 0 {
			return Spec{}, fmt.Errorf("extraction spec entry %d incomplete", i)
		}
	}
	return spec, nil
}

// DefaultSpec reproduces the standard clinical extraction: encounters,
// procedures, observations, conditions and medication statements, each
// keyed by the patient reference.
func DefaultSpec() Spec {
	return Spec{Resources: []ResourceSpec{
		{
			Resource:     "Encounter",
			Output:       "encounters",
			PatientParam: "subject",
			Params:       map[string]string{"_sort": "-date"},
			Columns: []ColumnSpec{
				{Name: "encounter_id", Path: "id"},
				{Name: "patient_id", Path: "subject.reference", Reference: true},
				{Name: "status", Path: "status"},
				{Name: "class_code", Path: "class.code"},
				{Name: "class_display", Path: "class.display"},
				{Name: "type_code", Path: "type.0.coding.0.code"},
				{Name: "type_display", Path: "type.0.coding.0.display"},
				{Name: "start_date", Path: "period.start"},
				{Name: "end_date", Path: "period.end"},
			},
		},
		{
			Resource:     "Procedure",
			Output:       "procedures",
			PatientParam: "subject",
			Params:       map[string]string{"_sort": "_id", "class": "IMP"},
			Columns: []ColumnSpec{
				{Name: "patient_id", Path: "subject.reference", Reference: true},
				{Name: "procedure_id", Path: "id"},
				{Name: "procedure_status", Path: "status"},
				{Name: "procedure_code", Path: "code.coding.0.code"},
				{Name: "procedure_display", Path: "code.coding.0.display"},
				{Name: "performed_date", Path: "performedDateTime"},
				{Name: "performed_period_start", Path: "performedPeriod.start"},
				{Name: "performed_period_end", Path: "performedPeriod.end"},
			},
		},
		{
			Resource:     "Observation",
			Output:       "observations",
			PatientParam: "subject",
			Params:       map[string]string{"_sort": "_id"},
			Columns: []ColumnSpec{
				{Name: "patient_id", Path: "subject.reference", Reference: true},
				{Name: "observation_id", Path: "id"},
				{Name: "observation_status", Path: "status"},
				{Name: "observation_code", Path: "code.coding.0.code"},
				{Name: "observation_display", Path: "code.coding.0.display"},
				{Name: "effective_date", Path: "effectiveDateTime"},
				{Name: "effective_period_start", Path: "effectivePeriod.start"},
				{Name: "effective_period_end", Path: "effectivePeriod.end"},
			},
		},
		{
			Resource:     "Condition",
			Output:       "diagnoses",
			PatientParam: "subject",
			Params:       map[string]string{"_sort": "_id"},
			Columns: []ColumnSpec{
				{Name: "patient_id", Path: "subject.reference", Reference: true},
				{Name: "diagnosis_id", Path: "id"},
				{Name: "icd_10_code", Path: "code.coding.0.code"},
				{Name: "icd_10_display", Path: "code.coding.0.display"},
				{Name: "onset_date", Path: "onsetDateTime"},
				{Name: "recorded_date", Path: "recordedDate"},
				{Name: "severity", Path: "severity.coding.0.display"},
				{Name: "clinical_status", Path: "clinicalStatus.coding.0.display"},
				{Name: "verification_status", Path: "verificationStatus.coding.0.display"},
			},
		},
		{
			Resource:     "MedicationStatement",
			Output:       "medications",
			PatientParam: "subject",
			Params:       map[string]string{"_sort": "_id"},
			Columns: []ColumnSpec{
				{Name: "patient_id", Path: "subject.reference", Reference: true},
				{Name: "medication_id", Path: "id"},
				{Name: "medication_status", Path: "status"},
				{Name: "medication_code", Path: "medicationCodeableConcept.coding.0.code"},
				{Name: "medication_display", Path: "medicationCodeableConcept.coding.0.display"},
				{Name: "effective_date", Path: "effectiveDateTime"},
			},
		},
	}}
}
