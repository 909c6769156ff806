package reconcile

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"meetrecon/internal/model"
)

// master is a recurring record after classification.
type master struct {
	rec       model.RawEventRecord
	pattern   model.RecurrencePattern
	baseTime  clockTime
	signature string
	key       string
}

// seriesGroup holds every master sharing one series key.
type seriesGroup struct {
	key     string
	masters []master
}

// classify groups masters into series by content-derived key. Masters whose
// pattern kind is unknown are returned in rejected so they can be passed
// through unexpanded.
func classify(records []model.RawEventRecord, loc *time.Location) (groups []seriesGroup, rejected []model.RawEventRecord, notes []Note) {
	byKey := make(map[string][]master)

	for _, rec := range records {
		pattern, pnotes, ok := normalizePattern(rec, loc)
		if !ok {
			notes = append(notes, pnotes...)
			rejected = append(rejected, rec)
			continue
		}

		m := master{
			rec:       rec,
			pattern:   pattern,
			baseTime:  baseTimeOf(rec, loc),
			signature: recurrenceSignature(pattern),
		}
		m.key = seriesKey(rec.Subject, m.baseTime, m.signature)
		byKey[m.key] = append(byKey[m.key], m)

		for i := range pnotes {
			pnotes[i].SeriesKey = m.key
		}
		notes = append(notes, pnotes...)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	groups = make([]seriesGroup, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, seriesGroup{key: k, masters: byKey[k]})
	}

	return groups, rejected, notes
}

// normalizePattern repairs selectors that are missing or out of range.
func normalizePattern(rec model.RawEventRecord, loc *time.Location) (model.RecurrencePattern, []Note, bool) {
	p := *rec.Pattern
	var notes []Note

	malformed := func(msg string) {
		notes = append(notes, Note{
			Kind:     NoteMalformedPattern,
			Identity: rec.Identity,
			Message:  msg,
		})
	}

	switch p.Kind {
	case model.KindDaily, model.KindWeekly, model.KindMonthly:
	default:
		notes = append(notes, Note{
			Kind:     NoteUnclassifiable,
			Identity: rec.Identity,
			Message:  fmt.Sprintf("unsupported recurrence kind %q; passing record through", p.Kind),
		})
		return p, notes, false
	}

	if p.Interval <= 0 {
		malformed(fmt.Sprintf("interval %d is not positive; using 1", p.Interval))
		p.Interval = 1
	}

	switch p.Kind {
	case model.KindWeekly:
		if p.Weekdays == 0 {
			malformed("weekly pattern has no weekday mask; defaulting to every day")
			p.Weekdays = model.EveryDay
		}
	case model.KindMonthly:
		validDay := p.MonthDay != 0 && p.MonthDay >= -31 && p.MonthDay <= 31
		validNth := p.MonthDay == 0 && p.SetPos == 0 && p.Ordinal != 0 && p.Ordinal >= -5 && p.Ordinal <= 5 && p.Weekdays != 0
		validPos := p.MonthDay == 0 && p.Ordinal == 0 && p.SetPos != 0 && p.SetPos >= -31 && p.SetPos <= 31 && p.Weekdays != 0
		if !validDay && !validNth && !validPos {
			d := rec.Start.In(loc).Day()
			malformed(fmt.Sprintf("monthly pattern has no usable selector; defaulting to day %d", d))
			p.MonthDay = d
			p.Ordinal = 0
			p.SetPos = 0
			p.Weekdays = 0
		}
		if validDay {
			p.Ordinal = 0
			p.SetPos = 0
			p.Weekdays = 0
		}
	}

	return p, notes, true
}

// recurrenceSignature concatenates kind, interval and selector.
func recurrenceSignature(p model.RecurrencePattern) string {
	switch p.Kind {
	case model.KindDaily:
		if p.Weekdays != 0 && p.Weekdays != model.EveryDay {
			return fmt.Sprintf("daily/%d/%s", p.Interval, p.Weekdays)
		}
		return fmt.Sprintf("daily/%d", p.Interval)
	case model.KindWeekly:
		return fmt.Sprintf("weekly/%d/%s", p.Interval, p.Weekdays)
	case model.KindMonthly:
		if p.MonthDay != 0 {
			return fmt.Sprintf("monthly/%d/D%d", p.Interval, p.MonthDay)
		}
		if p.SetPos != 0 {
			return fmt.Sprintf("monthly/%d/P%d%s", p.Interval, p.SetPos, p.Weekdays)
		}
		return fmt.Sprintf("monthly/%d/%d%s", p.Interval, p.Ordinal, p.Weekdays)
	default:
		return p.Kind.String()
	}
}

// baseTimeOf takes the majority time of day among the non-deleted
// exceptions' original starts. Ties go to the earliest clock time. Without
// exceptions the master's own start is used.
func baseTimeOf(rec model.RawEventRecord, loc *time.Location) clockTime {
	counts := make(map[clockTime]int)
	for _, ex := range rec.Exceptions {
		if ex.Deleted || ex.OriginalStart.IsZero() {
			continue
		}
		counts[clockOf(ex.OriginalStart, loc)]++
	}
	if len(counts) == 0 {
		return clockOf(rec.Start, loc)
	}

	var best clockTime
	bestCount := -1
	for c, n := range counts {
		if n > bestCount || (n == bestCount && c.minutes() < best.minutes()) {
			best, bestCount = c, n
		}
	}
	return best
}

func seriesKey(subject string, base clockTime, signature string) string {
	return strings.TrimSpace(subject) + "|" + base.String() + "|" + signature
}
