package eventlog

import (
	"sort"
	"time"

	"github.com/carepath-ai/pipeline/pkg/common/logger"
	"github.com/carepath-ai/pipeline/pkg/tabular"
)

// Standard event-log column names expected by the downstream process miner.
const (
	CaseColumn     = "case:concept:name"
	ActivityColumn = "concept:name"
	TimeColumn     = "time:timestamp"
)

// Mapping names the source columns that become case id, activity name and
// timestamp. All other columns are carried through as event attributes.
type Mapping struct {
	CaseColumn     string
	ActivityColumn string
	TimeColumn     string
}

// DefaultMapping fits the joined encounter table.
func DefaultMapping() Mapping {
	return Mapping{
		CaseColumn:     "encounter_id",
		ActivityColumn: "type_display",
		TimeColumn:     "start_date",
	}
}

// Result carries the assembled event log and the number of rows dropped for
// unparseable timestamps.
type Result struct {
	Log     *tabular.Table
	Dropped int
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Build remaps the joined table onto event-log columns, normalizes the
// timestamps to RFC3339 UTC and drops rows whose timestamp cannot be
// parsed. Rows come out ordered by case id, then time.
func Build(joined *tabular.Table, mapping Mapping) Result {
	caseIdx := joined.ColumnIndex(mapping.CaseColumn)
	activityIdx := joined.ColumnIndex(mapping.ActivityColumn)
	timeIdx := joined.ColumnIndex(mapping.TimeColumn)

	if caseIdx < 0 || activityIdx < 0 || timeIdx < 0 {
		if joined.Len() > 0 {
			logger.Log.WithFields(map[string]interface{}{
				"case":     mapping.CaseColumn,
				"activity": mapping.ActivityColumn,
				"time":     mapping.TimeColumn,
			}).Warn("event log mapping columns missing, emitting empty log")
		}
		return Result{Log: &tabular.Table{Columns: []string{CaseColumn, ActivityColumn, TimeColumn}}, Dropped: joined.Len()}
	}

	columns := []string{CaseColumn, ActivityColumn, TimeColumn}
	var attrIdx []int
	for i, c := range joined.Columns {
		if i == caseIdx || i == activityIdx || i == timeIdx {
			continue
		}
		columns = append(columns, c)
		attrIdx = append(attrIdx, i)
	}

	out := &tabular.Table{Columns: columns}
	if joined.IsEmpty() {
		return Result{Log: out}
	}

	dropped := 0
	for _, row := range joined.Rows {
		ts, ok := parseTimestamp(row[timeIdx])
		if !ok {
			dropped++
			continue
		}
		event := make([]string, 0, len(columns))
		event = append(event, row[caseIdx], row[activityIdx], ts.UTC().Format(time.RFC3339))
		for _, i := range attrIdx {
			event = append(event, row[i])
		}
		out.Rows = append(out.Rows, event)
	}

	sort.SliceStable(out.Rows, func(i, j int) bool {
		if out.Rows[i][0] != out.Rows[j][0] {
			return out.Rows[i][0] < out.Rows[j][0]
		}
		return out.Rows[i][2] < out.Rows[j][2]
	})

	if dropped > 0 {
		logger.Log.WithField("rows", dropped).Warn("dropped events with unparseable timestamps")
	}

	return Result{Log: out, Dropped: dropped}
}

func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
