package store

import (
	"strings"
	"time"

	"meetrecon/internal/model"
)

// listSep separates list values stored in a single text column. Series keys
// contain '|' and ',' so a control character is used.
const listSep = "\x1f"

type runRow struct {
	ID              string `db:"id"`
	StartedAt       int64  `db:"started_at"`
	FinishedAt      int64  `db:"finished_at"`
	WindowStart     int64  `db:"window_start"`
	WindowEnd       int64  `db:"window_end"`
	SourceCount     int    `db:"source_count"`
	OccurrenceCount int    `db:"occurrence_count"`
	TruncatedSeries string `db:"truncated_series"`
	Errors          string `db:"errors"`
}

func newRunRow(r Run) runRow {
	return runRow{
		ID:              r.ID,
		StartedAt:       r.StartedAt.UnixNano(),
		FinishedAt:      r.FinishedAt.UnixNano(),
		WindowStart:     r.WindowStart.UnixNano(),
		WindowEnd:       r.WindowEnd.UnixNano(),
		SourceCount:     r.SourceCount,
		OccurrenceCount: r.OccurrenceCount,
		TruncatedSeries: joinList(r.TruncatedSeries),
		Errors:          joinList(r.Errors),
	}
}

func (r runRow) Convert() Run {
	return Run{
		ID:              r.ID,
		StartedAt:       time.Unix(0, r.StartedAt).UTC(),
		FinishedAt:      time.Unix(0, r.FinishedAt).UTC(),
		WindowStart:     time.Unix(0, r.WindowStart).UTC(),
		WindowEnd:       time.Unix(0, r.WindowEnd).UTC(),
		SourceCount:     r.SourceCount,
		OccurrenceCount: r.OccurrenceCount,
		TruncatedSeries: splitList(r.TruncatedSeries),
		Errors:          splitList(r.Errors),
	}
}

type occurrenceRow struct {
	RunID       string `db:"run_id"`
	Seq         int    `db:"seq"`
	SeriesKey   string `db:"series_key"`
	SourceID    string `db:"source_id"`
	InstanceKey string `db:"instance_key"`
	Subject     string `db:"subject"`
	Location    string `db:"location"`
	StartAt     int64  `db:"start_at"`
	EndAt       int64  `db:"end_at"`
	Kind        string `db:"kind"`
}

func newOccurrenceRow(runID string, seq int, o model.Occurrence) occurrenceRow {
	return occurrenceRow{
		RunID:       runID,
		Seq:         seq,
		SeriesKey:   o.SeriesKey,
		SourceID:    o.SourceID,
		InstanceKey: o.InstanceKey,
		Subject:     o.Subject,
		Location:    o.Location,
		StartAt:     o.Start.UnixNano(),
		EndAt:       o.End.UnixNano(),
		Kind:        o.Kind.String(),
	}
}

func (r occurrenceRow) Convert() (model.Occurrence, bool) {
	kind, ok := model.ParseSourceKind(r.Kind)
	return model.Occurrence{
		SeriesKey:   r.SeriesKey,
		SourceID:    r.SourceID,
		InstanceKey: r.InstanceKey,
		Subject:     r.Subject,
		Location:    r.Location,
		Start:       time.Unix(0, r.StartAt).UTC(),
		End:         time.Unix(0, r.EndAt).UTC(),
		Kind:        kind,
	}, ok
}

func joinList(v []string) string {
	return strings.Join(v, listSep)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, listSep)
}
