// Package reconcile turns a batch of raw calendar records into concrete
// meeting occurrences for a time window.
//
// The calendar backend mints a new identity for a recurring series whenever
// its content changes and stores exceptions inside whichever master existed
// at edit time. Reconcile therefore groups masters by content, merges their
// exceptions, synthesizes one unbounded virtual master per series and expands
// it day by day. It is a pure function: no I/O, no state between calls.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"meetrecon/internal/model"
)

const DefaultMaxOccurrences = 200

// Window is the requested expansion range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Options tunes a Reconcile call. The zero value is usable.
type Options struct {
	// MaxOccurrences caps emitted occurrences per series. Zero means
	// DefaultMaxOccurrences.
	MaxOccurrences int

	// Location defines calendar days and times of day. Nil means UTC.
	Location *time.Location

	// Workers expands series concurrently when greater than one. Output is
	// identical either way.
	Workers int
}

func (o Options) normalized() Options {
	if o.MaxOccurrences <= 0 {
		o.MaxOccurrences = DefaultMaxOccurrences
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	return o
}

// NoteKind classifies a data-quality diagnostic.
type NoteKind int

const (
	NoteMalformedPattern NoteKind = iota
	NoteEmptySeriesGroup
	NoteUnclassifiable
	NoteInvalidWindow
)

func (k NoteKind) String() string {
	switch k {
	case NoteMalformedPattern:
		return "malformed_pattern"
	case NoteEmptySeriesGroup:
		return "empty_series_group"
	case NoteUnclassifiable:
		return "unclassifiable"
	case NoteInvalidWindow:
		return "invalid_window"
	default:
		return "unknown"
	}
}

func (k NoteKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Note is a diagnostic recorded instead of failing.
type Note struct {
	Kind      NoteKind `json:"kind"`
	SeriesKey string   `json:"series_key,omitempty"`
	Identity  string   `json:"identity,omitempty"`
	Message   string   `json:"message"`
}

// SeriesReport summarizes one series for logging and telemetry.
type SeriesReport struct {
	SeriesKey       string    `json:"series_key"`
	MasterCount     int       `json:"master_count"`
	ExceptionCount  int       `json:"exception_count"`
	BaseTime        string    `json:"base_time"`
	ValidRangeStart time.Time `json:"valid_range_start"`
	ValidRangeEnd   time.Time `json:"valid_range_end"`
	OccurrenceCount int       `json:"occurrence_count"`
	Truncated       bool      `json:"truncated"`
}

// Result is the output of Reconcile.
type Result struct {
	// Occurrences are ordered ascending by start.
	Occurrences []model.Occurrence

	// TruncatedSeries lists series keys that hit the cap.
	TruncatedSeries []string

	Series []SeriesReport
	Notes  []Note
}

// seriesOutcome is the per-series work product, kept by index so parallel
// expansion keeps a deterministic order.
type seriesOutcome struct {
	report SeriesReport
	exp    expansion
	notes  []Note
	ok     bool
}

// Reconcile expands records into occurrences for window. It never fails:
// malformed input is repaired or passed through and reported in Notes.
func Reconcile(records []model.RawEventRecord, window Window, opts Options) Result {
	opts = opts.normalized()
	loc := opts.Location

	var res Result
	masters := make([]model.RawEventRecord, 0, len(records))

	for _, rec := range records {
		switch {
		case rec.StandaloneException:
			res.Occurrences = append(res.Occurrences, passthrough(rec, model.SourceStandaloneException, loc))
		case rec.Pattern == nil:
			res.Occurrences = append(res.Occurrences, passthrough(rec, model.SourceSingleEvent, loc))
		default:
			masters = append(masters, rec)
		}
	}

	if window.End.Before(window.Start) {
		res.Notes = append(res.Notes, Note{
			Kind:    NoteInvalidWindow,
			Message: "window end is before window start; recurring series not expanded",
		})
		sortOccurrences(res.Occurrences)
		return res
	}

	groups, rejected, notes := classify(masters, loc)
	res.Notes = append(res.Notes, notes...)
	for _, rec := range rejected {
		res.Occurrences = append(res.Occurrences, passthrough(rec, model.SourceSingleEvent, loc))
	}

	outcomes := make([]seriesOutcome, len(groups))
	run := func(i int) {
		outcomes[i] = reconcileSeries(groups[i], window, opts)
	}

	if opts.Workers > 1 && len(groups) > 1 {
		var g errgroup.Group
		g.SetLimit(opts.Workers)
		for i := range groups {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range groups {
			run(i)
		}
	}

	for _, out := range outcomes {
		res.Notes = append(res.Notes, out.notes...)
		if !out.ok {
			continue
		}
		res.Series = append(res.Series, out.report)
		res.Occurrences = append(res.Occurrences, out.exp.occurrences...)
		if out.exp.truncated {
			res.TruncatedSeries = append(res.TruncatedSeries, out.report.SeriesKey)
		}
	}

	sortOccurrences(res.Occurrences)
	return res
}

// reconcileSeries runs merge, virtual master and expansion for one group.
func reconcileSeries(g seriesGroup, window Window, opts Options) seriesOutcome {
	if len(g.masters) == 0 {
		return seriesOutcome{notes: []Note{{
			Kind:      NoteEmptySeriesGroup,
			SeriesKey: g.key,
			Message:   "series group has no contributing masters; skipped",
		}}}
	}

	ms := mergeExceptions(g, window, opts.Location)
	vm := buildVirtualMaster(ms)
	exp := expandSeries(vm, ms, window, opts.MaxOccurrences, opts.Location)

	return seriesOutcome{
		ok:  true,
		exp: exp,
		report: SeriesReport{
			SeriesKey:       g.key,
			MasterCount:     len(ms.masters),
			ExceptionCount:  len(ms.exceptions),
			BaseTime:        ms.baseTime.String(),
			ValidRangeStart: ms.validStart.UTC(),
			ValidRangeEnd:   ms.validEnd.UTC(),
			OccurrenceCount: len(exp.occurrences),
			Truncated:       exp.truncated,
		},
	}
}

// passthrough emits a record unexpanded, from its own fields.
func passthrough(rec model.RawEventRecord, kind model.SourceKind, loc *time.Location) model.Occurrence {
	end := rec.End
	if end.Before(rec.Start) {
		end = rec.Start
	}

	suffix := "single"
	if kind == model.SourceStandaloneException {
		suffix = "standalone"
	}

	return model.Occurrence{
		SeriesKey:   seriesKey(rec.Subject, clockOf(rec.Start, loc), suffix),
		SourceID:    rec.SourceID,
		InstanceKey: rec.Start.UTC().Format(time.RFC3339),
		Subject:     strings.TrimSpace(rec.Subject),
		Location:    rec.Location,
		Start:       rec.Start.UTC(),
		End:         end.UTC(),
		Kind:        kind,
	}
}

// sortOccurrences orders by start, breaking ties on stable content so the
// result never depends on input order.
func sortOccurrences(occ []model.Occurrence) {
	sort.SliceStable(occ, func(i, j int) bool {
		a, b := occ[i], occ[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.SeriesKey != b.SeriesKey {
			return a.SeriesKey < b.SeriesKey
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.InstanceKey != b.InstanceKey {
			return a.InstanceKey < b.InstanceKey
		}
		if !a.End.Equal(b.End) {
			return a.End.Before(b.End)
		}
		if a.Subject != b.Subject {
			return a.Subject < b.Subject
		}
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		return a.SourceID < b.SourceID
	})
}
