package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	patientsObserved  atomic.Int64
	metaPatients      atomic.Int64
	degradedResolves  atomic.Int64
	resolvesCompleted atomic.Int64
	rowsExtracted     atomic.Int64
	rowsJoined        atomic.Int64
	rowsDropped       atomic.Int64
)

func ObserveResolve(patients, groups int, degraded bool) {
	patientsObserved.Add(int64(patients))
	metaPatients.Add(int64(groups))
	resolvesCompleted.Add(1)
	if degraded {
		degradedResolves.Add(1)
	}
}

func ObserveRunCounts(extracted, joined, dropped int) {
	rowsExtracted.Add(int64(extracted))
	rowsJoined.Add(int64(joined))
	rowsDropped.Add(int64(dropped))
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP carepath_resolver_patients_observed_total Number of patient ids passed through identity resolution.\n")
	fmt.Fprintf(w, "# TYPE carepath_resolver_patients_observed_total counter\n")
	fmt.Fprintf(w, "carepath_resolver_patients_observed_total %d\n", patientsObserved.Load())

	fmt.Fprintf(w, "# HELP carepath_resolver_meta_patients_total Number of meta-patient groups produced.\n")
	fmt.Fprintf(w, "# TYPE carepath_resolver_meta_patients_total counter\n")
	fmt.Fprintf(w, "carepath_resolver_meta_patients_total %d\n", metaPatients.Load())

	fmt.Fprintf(w, "# HELP carepath_resolver_resolves_total Number of resolve invocations served.\n")
	fmt.Fprintf(w, "# TYPE carepath_resolver_resolves_total counter\n")
	fmt.Fprintf(w, "carepath_resolver_resolves_total %d\n", resolvesCompleted.Load())

	fmt.Fprintf(w, "# HELP carepath_resolver_degraded_total Number of resolves that fell back to the identity mapping.\n")
	fmt.Fprintf(w, "# TYPE carepath_resolver_degraded_total counter\n")
	fmt.Fprintf(w, "carepath_resolver_degraded_total %d\n", degradedResolves.Load())

	fmt.Fprintf(w, "# HELP carepath_pipeline_rows_extracted_total Number of resource rows extracted from the FHIR server.\n")
	fmt.Fprintf(w, "# TYPE carepath_pipeline_rows_extracted_total counter\n")
	fmt.Fprintf(w, "carepath_pipeline_rows_extracted_total %d\n", rowsExtracted.Load())

	fmt.Fprintf(w, "# HELP carepath_pipeline_rows_joined_total Number of rows re-keyed onto meta-patient ids.\n")
	fmt.Fprintf(w, "# TYPE carepath_pipeline_rows_joined_total counter\n")
	fmt.Fprintf(w, "carepath_pipeline_rows_joined_total %d\n", rowsJoined.Load())

	fmt.Fprintf(w, "# HELP carepath_pipeline_rows_dropped_total Number of event rows dropped for unparseable timestamps.\n")
	fmt.Fprintf(w, "# TYPE carepath_pipeline_rows_dropped_total counter\n")
	fmt.Fprintf(w, "carepath_pipeline_rows_dropped_total %d\n", rowsDropped.Load())
}
