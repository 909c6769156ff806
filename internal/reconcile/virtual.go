package reconcile

import (
	"strings"
	"time"

	"github.com/samber/mo"

	"meetrecon/internal/model"
)

// VirtualMaster is the synthesized, unbounded recurrence definition of a
// series. It is the sole input to expansion.
type VirtualMaster struct {
	SourceID string
	Start    time.Time
	Pattern  model.RecurrencePattern
	Duration time.Duration
	Subject  string
	Location string
}

func buildVirtualMaster(ms mergedSeries) VirtualMaster {
	best := ms.best()

	pattern := best.pattern
	pattern.Until = mo.None[time.Time]()

	dur := best.rec.End.Sub(best.rec.Start)
	if dur < 0 {
		dur = 0
	}

	return VirtualMaster{
		SourceID: best.rec.SourceID,
		Start:    ms.validStart,
		Pattern:  pattern,
		Duration: dur,
		Subject:  strings.TrimSpace(best.rec.Subject),
		Location: best.rec.Location,
	}
}
