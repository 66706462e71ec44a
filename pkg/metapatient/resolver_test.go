package metapatient

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/carepath-ai/pipeline/pkg/common/logger"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func TestSelfLinkDefault(t *testing.T) {
	resolver := NewResolver()

	mapping := resolver.Resolve([]string{"A"}, nil)
	if mapping.Len() != 1 {
		t.Fatalf("expected one row, got %d", mapping.Len())
	}
	row := mapping.Rows[0]
	if row.PatientID != "A" || row.MetaPatientID != "A" {
		t.Fatalf("expected self mapping (A, A), got (%s, %s)", row.PatientID, row.MetaPatientID)
	}
}

func TestTotality(t *testing.T) {
	resolver := NewResolver()
	ids := []string{"A", "B", "C", "D"}
	links := []LinkRecord{
		{PatientID: "A", Links: []string{"Patient/B"}, Origin: true},
	}

	mapping := resolver.Resolve(ids, links)
	seen := make(map[string]int)
	for _, row := range mapping.Rows {
		seen[row.PatientID]++
		if row.MetaPatientID == "" {
			t.Fatalf("meta_patient_id empty for %s", row.PatientID)
		}
	}
	for _, id := range ids {
		if seen[id] != 1 {
			t.Fatalf("expected exactly one row for %s, got %d", id, seen[id])
		}
	}
}

func TestTransitiveChain(t *testing.T) {
	resolver := NewResolver()
	links := []LinkRecord{
		{PatientID: "A", Links: []string{"Patient/B"}},
		{PatientID: "B", Links: []string{"Patient/C"}},
	}

	mapping := resolver.Resolve([]string{"A", "B", "C"}, links)
	meta := mapping.MetaPatientOf("A")
	if meta == "" {
		t.Fatal("A not mapped")
	}
	if mapping.MetaPatientOf("B") != meta || mapping.MetaPatientOf("C") != meta {
		t.Fatalf("expected A, B, C in one group, got %v", mapping.Groups())
	}
	if len(mapping.Groups()) != 1 {
		t.Fatalf("expected one group, got %d", len(mapping.Groups()))
	}
}

func TestReferenceNormalization(t *testing.T) {
	resolver := NewResolver()

	prefixed := resolver.Resolve([]string{"123", "456"}, []LinkRecord{
		{PatientID: "456", Links: []string{"Patient/123"}},
	})
	bare := resolver.Resolve([]string{"123", "456"}, []LinkRecord{
		{PatientID: "456", Links: []string{"123"}},
	})

	if !reflect.DeepEqual(prefixed.Rows, bare.Rows) {
		t.Fatalf("prefixed and bare references grouped differently:\n%v\n%v", prefixed.Rows, bare.Rows)
	}
}

func TestNormalizeRefOpaquePassThrough(t *testing.T) {
	cases := map[string]string{
		"Patient/123": "123",
		"123":         "123",
		"Encounter/9": "Encounter/9",
		"not a ref":   "not a ref",
		"":            "",
		" Patient/5 ": "5",
	}
	for in, want := range cases {
		if got := NormalizeRef(in); got != want {
			t.Errorf("NormalizeRef(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnreferencedPatientStillMapped(t *testing.T) {
	// Z appears only in a resource, never in the link search.
	resolver := NewResolver()
	mapping := resolver.Resolve([]string{"A", "Z"}, []LinkRecord{
		{PatientID: "A", Origin: true},
	})

	if mapping.MetaPatientOf("Z") != "Z" {
		t.Fatalf("expected Z to self-map, got %q", mapping.MetaPatientOf("Z"))
	}
}

func TestCanonicalOriginPriority(t *testing.T) {
	resolver := NewResolver()
	links := []LinkRecord{
		{PatientID: "zz", Links: []string{"Patient/aa"}, Origin: true, BirthDate: "1970-01-01", Sex: "female"},
	}

	mapping := resolver.Resolve([]string{"aa", "zz"}, links)
	if got := mapping.MetaPatientOf("aa"); got != "zz" {
		t.Fatalf("expected origin id zz as canonical, got %q", got)
	}

	for _, row := range mapping.Rows {
		if row.PatientID == "zz" && row.BirthDate != "1970-01-01" {
			t.Fatalf("expected demographics retained on origin row, got %+v", row)
		}
	}
}

func TestCanonicalLexicographicTieBreak(t *testing.T) {
	resolver := NewResolver()
	// Two origin records merged into one component: no single origin, so the
	// smallest member id wins.
	links := []LinkRecord{
		{PatientID: "bb", Links: []string{"Patient/cc"}, Origin: true},
		{PatientID: "cc", Links: []string{"Patient/aa"}, Origin: true},
	}

	mapping := resolver.Resolve([]string{"aa", "bb", "cc"}, links)
	for _, id := range []string{"aa", "bb", "cc"} {
		if got := mapping.MetaPatientOf(id); got != "aa" {
			t.Fatalf("expected canonical aa for %s, got %q", id, got)
		}
	}
}

func TestPartition(t *testing.T) {
	resolver := NewResolver()
	links := []LinkRecord{
		{PatientID: "A", Links: []string{"Patient/B"}},
		{PatientID: "C", Links: []string{"Patient/D"}},
	}

	mapping := resolver.Resolve([]string{"A", "B", "C", "D", "E"}, links)
	groups := mapping.Groups()
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d: %v", len(groups), groups)
	}

	total := 0
	for canonical, members := range groups {
		total += len(members)
		found := false
		for _, m := range members {
			if m == canonical {
				found = true
			}
		}
		if !found {
			t.Fatalf("canonical %s is not a member of its own group %v", canonical, members)
		}
	}
	if total != mapping.Len() {
		t.Fatalf("groups do not partition the rows: %d != %d", total, mapping.Len())
	}
}

func TestEmptyInput(t *testing.T) {
	resolver := NewResolver()
	if mapping := resolver.Resolve(nil, nil); mapping.Len() != 0 {
		t.Fatalf("expected empty mapping, got %d rows", mapping.Len())
	}
	if mapping := resolver.ResolveLinks(context.Background(), failingSource{}, nil); mapping.Len() != 0 || mapping.Degraded {
		t.Fatalf("expected empty non-degraded mapping for empty input, got %+v", mapping)
	}
}

func TestIdempotence(t *testing.T) {
	resolver := NewResolver()
	ids := []string{"x9", "x1", "x5"}
	links := []LinkRecord{
		{PatientID: "x5", Links: []string{"Patient/x9"}, Origin: true},
		{PatientID: "x1", Origin: true},
	}

	first := resolver.Resolve(ids, links)
	second := resolver.Resolve(ids, links)
	if !reflect.DeepEqual(first.Rows, second.Rows) {
		t.Fatalf("resolver not deterministic:\n%v\n%v", first.Rows, second.Rows)
	}
}

type failingSource struct{}

func (failingSource) PatientLinks(ctx context.Context, ids []string) ([]LinkRecord, error) {
	return nil, errors.New("fhir server unreachable")
}

type staticSource []LinkRecord

func (s staticSource) PatientLinks(ctx context.Context, ids []string) ([]LinkRecord, error) {
	return s, nil
}

func TestFallbackOnFailure(t *testing.T) {
	resolver := NewResolver()
	ids := []string{"B", "A"}

	mapping := resolver.ResolveLinks(context.Background(), failingSource{}, ids)
	if !mapping.Degraded {
		t.Fatal("expected degraded flag after link retrieval failure")
	}

	want := Identity(ids)
	if !reflect.DeepEqual(mapping.Rows, want.Rows) {
		t.Fatalf("expected identity mapping, got %v", mapping.Rows)
	}
}

func TestResolveLinksHealthySource(t *testing.T) {
	resolver := NewResolver()
	source := staticSource{
		{PatientID: "A", Links: []string{"Patient/B"}, Origin: true},
	}

	mapping := resolver.ResolveLinks(context.Background(), source, []string{"A", "B"})
	if mapping.Degraded {
		t.Fatal("unexpected degraded flag")
	}
	if mapping.MetaPatientOf("B") != "A" {
		t.Fatalf("expected B mapped to A, got %q", mapping.MetaPatientOf("B"))
	}
}
