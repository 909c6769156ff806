package reconcile

import (
	"sort"
	"time"

	"meetrecon/internal/model"
)

// mergedSeries is one series after its masters' exceptions are collected.
type mergedSeries struct {
	key      string
	baseTime clockTime

	// masters is ordered by rank; masters[0] is the best master.
	masters []master

	exceptions map[civilDay]model.ExceptionRecord

	// moved holds the date-moved exceptions ordered by modified start.
	moved []model.ExceptionRecord

	validStart time.Time
	validEnd   time.Time
}

func (s *mergedSeries) best() master {
	return s.masters[0]
}

// rankMasters orders masters best first: most exceptions, then the later
// nominal start, then identity so the order never depends on input order.
func rankMasters(ms []master) []master {
	ranked := make([]master, len(ms))
	copy(ranked, ms)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i].rec, ranked[j].rec
		if len(a.Exceptions) != len(b.Exceptions) {
			return len(a.Exceptions) > len(b.Exceptions)
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.After(b.Start)
		}
		return a.Identity < b.Identity
	})
	return ranked
}

// mergeExceptions folds every master's exceptions into one map keyed by the
// calendar day of the original start. When two masters report the same day
// the higher ranked master wins.
func mergeExceptions(g seriesGroup, window Window, loc *time.Location) mergedSeries {
	ms := mergedSeries{
		key:        g.key,
		masters:    rankMasters(g.masters),
		exceptions: make(map[civilDay]model.ExceptionRecord),
	}
	ms.baseTime = ms.best().baseTime

	for _, m := range ms.masters {
		if ms.validStart.IsZero() || m.rec.Start.Before(ms.validStart) {
			ms.validStart = m.rec.Start
		}
		for _, ex := range m.rec.Exceptions {
			if ex.OriginalStart.IsZero() {
				continue
			}
			day := dayOf(ex.OriginalStart, loc)
			if _, taken := ms.exceptions[day]; taken {
				continue
			}
			ms.exceptions[day] = ex
		}
	}

	ms.validEnd = window.End
	for _, ex := range ms.exceptions {
		if ex.OriginalStart.Before(ms.validStart) {
			ms.validStart = ex.OriginalStart
		}
		if ex.OriginalStart.After(ms.validEnd) {
			ms.validEnd = ex.OriginalStart
		}
		if isMoved(ex, loc) {
			ms.moved = append(ms.moved, ex)
			if target := ex.ModifiedStart.MustGet(); target.After(ms.validEnd) {
				ms.validEnd = target
			}
		}
	}

	sort.Slice(ms.moved, func(i, j int) bool {
		a, b := ms.moved[i].ModifiedStart.MustGet(), ms.moved[j].ModifiedStart.MustGet()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ms.moved[i].OriginalStart.Before(ms.moved[j].OriginalStart)
	})

	return ms
}

// isMoved reports whether a live exception was moved to another calendar day.
func isMoved(ex model.ExceptionRecord, loc *time.Location) bool {
	if ex.Deleted {
		return false
	}
	mod, ok := ex.ModifiedStart.Get()
	if !ok {
		return false
	}
	return dayOf(mod, loc) != dayOf(ex.OriginalStart, loc)
}
