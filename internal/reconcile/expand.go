package reconcile

import (
	"time"

	"meetrecon/internal/model"
)

// expansion is the outcome of expanding one series.
type expansion struct {
	occurrences []model.Occurrence
	truncated   bool
}

// emitter enforces the per-series occurrence cap.
type emitter struct {
	limit int
	out   []model.Occurrence
	full  bool
}

// emit appends o unless the cap is already reached, in which case it marks
// the expansion truncated and reports false.
func (e *emitter) emit(o model.Occurrence) bool {
	if len(e.out) >= e.limit {
		e.full = true
		return false
	}
	e.out = append(e.out, o)
	return true
}

// expandSeries walks every calendar day from the later of the window start
// and the virtual master start through the series' valid end.
func expandSeries(vm VirtualMaster, ms mergedSeries, window Window, limit int, loc *time.Location) expansion {
	anchor := dayOf(vm.Start, loc)

	from := vm.Start
	if window.Start.After(from) {
		from = window.Start
	}
	walkStart := dayOf(from, loc)
	walkEnd := dayOf(ms.validEnd, loc)

	movedByDay := make(map[civilDay][]model.ExceptionRecord)
	first := walkStart
	for _, ex := range ms.moved {
		target := dayOf(ex.ModifiedStart.MustGet(), loc)
		origin := dayOf(ex.OriginalStart, loc)
		if target.before(walkStart) {
			// Pulled earlier than the walk: only kept when its origin is
			// inside the walk, otherwise it belongs to neither.
			if origin.before(walkStart) || walkEnd.before(origin) {
				continue
			}
			if target.before(first) {
				first = target
			}
		}
		movedByDay[target] = append(movedByDay[target], ex)
	}

	e := &emitter{limit: limit}

walk:
	for d := first; !walkEnd.before(d); d = d.addDays(1) {
		if !d.before(walkStart) && matchesPattern(vm.Pattern, anchor, d) {
			ex, found := ms.exceptions[d]
			switch kind := dayDecision(ex, found, loc); kind {
			case model.SourceRegular:
				start := d.at(loc, ms.baseTime)
				if !e.emit(vm.occurrence(ms.key, d, start, start.Add(vm.Duration), kind)) {
					break walk
				}
			case model.SourceExceptionModified:
				if !e.emit(vm.exceptionOccurrence(ms.key, d, ex, ms.baseTime, kind, loc)) {
					break walk
				}
			case model.SourceDeleted, model.SourceExceptionMoved:
				// Cancelled here, or emitted on its target day.
			case model.SourceStandaloneException, model.SourceSingleEvent:
				// Never produced for a pattern day.
			}
		}

		for _, ex := range movedByDay[d] {
			origin := dayOf(ex.OriginalStart, loc)
			if !e.emit(vm.exceptionOccurrence(ms.key, origin, ex, ms.baseTime, model.SourceExceptionMoved, loc)) {
				break walk
			}
		}
	}

	return expansion{occurrences: e.out, truncated: e.full}
}

// dayDecision resolves what a pattern day produces given its exception.
func dayDecision(ex model.ExceptionRecord, found bool, loc *time.Location) model.SourceKind {
	switch {
	case !found:
		return model.SourceRegular
	case ex.Deleted:
		return model.SourceDeleted
	case isMoved(ex, loc):
		return model.SourceExceptionMoved
	default:
		return model.SourceExceptionModified
	}
}

// matchesPattern reports whether day d is selected by p, counting intervals
// from the anchor day.
func matchesPattern(p model.RecurrencePattern, anchor, d civilDay) bool {
	if d.before(anchor) {
		return false
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 1
	}

	switch p.Kind {
	case model.KindDaily:
		if daysBetween(anchor, d)%interval != 0 {
			return false
		}
		return p.Weekdays == 0 || p.Weekdays.Has(d.weekday())
	case model.KindWeekly:
		if !p.Weekdays.Has(d.weekday()) {
			return false
		}
		weeks := daysBetween(anchor.weekStart(), d.weekStart()) / 7
		return weeks%interval == 0
	case model.KindMonthly:
		if monthsBetween(anchor, d)%interval != 0 {
			return false
		}
		return monthSelects(p, d)
	default:
		return false
	}
}

func monthSelects(p model.RecurrencePattern, d civilDay) bool {
	last := d.daysInMonth()
	switch {
	case p.MonthDay > 0:
		return d.day == p.MonthDay
	case p.MonthDay < 0:
		return d.day == last+p.MonthDay+1
	case p.SetPos != 0:
		if !p.Weekdays.Has(d.weekday()) {
			return false
		}
		from, to, want := 1, d.day, p.SetPos
		if p.SetPos < 0 {
			from, to, want = d.day, last, -p.SetPos
		}
		n := 0
		for day := from; day <= to; day++ {
			if p.Weekdays.Has(civilDay{year: d.year, month: d.month, day: day}.weekday()) {
				n++
			}
		}
		return n == want
	case p.Ordinal > 0:
		return p.Weekdays.Has(d.weekday()) && (d.day-1)/7+1 == p.Ordinal
	case p.Ordinal < 0:
		return p.Weekdays.Has(d.weekday()) && (last-d.day)/7+1 == -p.Ordinal
	default:
		return false
	}
}

func (vm VirtualMaster) occurrence(key string, origin civilDay, start, end time.Time, kind model.SourceKind) model.Occurrence {
	return model.Occurrence{
		SeriesKey:   key,
		SourceID:    vm.SourceID,
		InstanceKey: origin.String(),
		Subject:     vm.Subject,
		Location:    vm.Location,
		Start:       start.UTC(),
		End:         end.UTC(),
		Kind:        kind,
	}
}

// exceptionOccurrence applies an exception's overrides. Missing times fall
// back to the base time on the origin day and the canonical duration.
func (vm VirtualMaster) exceptionOccurrence(key string, origin civilDay, ex model.ExceptionRecord, base clockTime, kind model.SourceKind, loc *time.Location) model.Occurrence {
	start := ex.ModifiedStart.OrElse(origin.at(loc, base))
	end := start.Add(vm.Duration)
	if modEnd, ok := ex.ModifiedEnd.Get(); ok && !modEnd.Before(start) {
		end = modEnd
	}

	o := vm.occurrence(key, origin, start, end, kind)
	o.Subject = ex.Subject.OrElse(vm.Subject)
	o.Location = ex.Location.OrElse(vm.Location)
	return o
}
