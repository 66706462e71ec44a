package metapatient

import (
	"context"
	"sort"
	"strings"

	"github.com/carepath-ai/pipeline/pkg/common/logger"
)

// LinkSource supplies Patient link records for a set of patient ids. The
// FHIR client implements it; tests substitute fakes.
type LinkSource interface {
	PatientLinks(ctx context.Context, patientIDs []string) ([]LinkRecord, error)
}

// NormalizeRef converts a raw reference string to a bare patient id by
// stripping a leading "Patient/" prefix. Bare ids pass through unchanged and
// anything unparseable is treated as opaque rather than rejected.
func NormalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "Patient/"); ok {
		return rest
	}
	return ref
}

type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve groups the observed patient ids into meta-patients by connected
// components over the undirected link graph and picks a deterministic
// canonical id per component: the single origin member when exactly one
// exists, otherwise the lexicographically smallest member.
func (r *Resolver) Resolve(patientIDs []string, links []LinkRecord) *Mapping {
	if len(patientIDs) == 0 && len(links) == 0 {
		return &Mapping{}
	}

	uf := newUnionFind()
	for _, id := range patientIDs {
		if id = strings.TrimSpace(id); id != "" {
			uf.add(id)
		}
	}

	demographics := make(map[string]LinkRecord, len(links))
	origins := make(map[string]bool, len(links))
	for _, rec := range links {
		own := NormalizeRef(rec.PatientID)
		if own == "" {
			continue
		}
		uf.add(own)
		if _, ok := demographics[own]; !ok || rec.Origin {
			demographics[own] = rec
		}
		if rec.Origin {
			origins[own] = true
		}
		for _, raw := range rec.Links {
			target := NormalizeRef(raw)
			if target == "" {
				continue
			}
			uf.union(own, target)
		}
	}

	components := uf.components()

	mapping := &Mapping{Rows: make([]MappingRow, 0, uf.size())}
	for _, members := range components {
		canonical := canonicalID(members, origins)
		for _, id := range members {
			row := MappingRow{PatientID: id, MetaPatientID: canonical}
			if rec, ok := demographics[id]; ok {
				row.BirthDate = rec.BirthDate
				row.Sex = rec.Sex
				row.DeceasedDate = rec.DeceasedDate
			}
			mapping.Rows = append(mapping.Rows, row)
		}
	}

	sort.Slice(mapping.Rows, func(i, j int) bool {
		return mapping.Rows[i].PatientID < mapping.Rows[j].PatientID
	})

	return mapping
}

// ResolveLinks fetches link records from the source and resolves them. A
// failing source degrades to the identity mapping instead of aborting the
// pipeline; the degraded state is flagged on the mapping and logged so
// callers can tell "no links existed" from "link retrieval failed".
func (r *Resolver) ResolveLinks(ctx context.Context, source LinkSource, patientIDs []string) *Mapping {
	if len(patientIDs) == 0 {
		return &Mapping{}
	}

	links, err := source.PatientLinks(ctx, patientIDs)
	if err != nil {
		logger.Log.WithError(err).WithField("patients", len(patientIDs)).
			Warn("patient link retrieval failed, falling back to identity mapping")
		mapping := Identity(patientIDs)
		mapping.Degraded = true
		return mapping
	}

	return r.Resolve(patientIDs, links)
}

// Identity maps every id onto itself: the no-linking fallback.
func Identity(patientIDs []string) *Mapping {
	seen := make(map[string]struct{}, len(patientIDs))
	mapping := &Mapping{Rows: make([]MappingRow, 0, len(patientIDs))}
	for _, id := range patientIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		mapping.Rows = append(mapping.Rows, MappingRow{PatientID: id, MetaPatientID: id})
	}
	sort.Slice(mapping.Rows, func(i, j int) bool {
		return mapping.Rows[i].PatientID < mapping.Rows[j].PatientID
	})
	return mapping
}

func canonicalID(members []string, origins map[string]bool) string {
	var origin string
	originCount := 0
	for _, id := range members {
		if origins[id] {
			origin = id
			originCount++
		}
	}
	if originCount == 1 {
		return origin
	}
	smallest := members[0]
	for _, id := range members[1:] {
		if id < smallest {
			smallest = id
		}
	}
	return smallest
}
