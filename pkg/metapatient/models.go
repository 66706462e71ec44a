package metapatient

import (
	"github.com/carepath-ai/pipeline/pkg/tabular"
)

// LinkRecord is one row of the Patient link search: the patient's own id,
// the raw link references its record declared (possibly still carrying a
// "Patient/" prefix), and the demographics retained on the canonical row.
// Origin marks rows the patient search itself returned, as opposed to ids
// only ever seen as link targets or resource references.
type LinkRecord struct {
	PatientID    string
	Links        []string
	BirthDate    string
	Sex          string
	DeceasedDate string
	Origin       bool
}

// MappingRow maps one observed patient id onto its meta-patient id.
// MetaPatientID is never empty.
type MappingRow struct {
	PatientID     string
	MetaPatientID string
	BirthDate     string
	Sex           string
	DeceasedDate  string
}

// Mapping is the resolver output: exactly one row per observed patient id,
// rows sharing a MetaPatientID being exactly the members of one connected
// component. Degraded is set when link retrieval failed and the mapping fell
// back to identity.
type Mapping struct {
	Rows     []MappingRow
	Degraded bool
}

func (m *Mapping) Len() int {
	return len(m.Rows)
}

// MetaPatientOf returns the canonical id for a patient id, or "" if the id
// was never observed.
func (m *Mapping) MetaPatientOf(patientID string) string {
	for _, row := range m.Rows {
		if row.PatientID == patientID {
			return row.MetaPatientID
		}
	}
	return ""
}

// Groups returns the members of each meta-patient, keyed by canonical id.
func (m *Mapping) Groups() map[string][]string {
	groups := make(map[string][]string)
	for _, row := range m.Rows {
		groups[row.MetaPatientID] = append(groups[row.MetaPatientID], row.PatientID)
	}
	return groups
}

// Table renders the mapping in its persisted form.
func (m *Mapping) Table() *tabular.Table {
	t := tabular.New("patient_id", "meta_patient_id", "birth_date", "sex", "deceased_date")
	for _, row := range m.Rows {
		t.AppendRow(map[string]string{
			"patient_id":      row.PatientID,
			"meta_patient_id": row.MetaPatientID,
			"birth_date":      row.BirthDate,
			"sex":             row.Sex,
			"deceased_date":   row.DeceasedDate,
		})
	}
	return t
}
