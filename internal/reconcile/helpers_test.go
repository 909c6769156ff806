package reconcile

import (
	"time"

	"github.com/samber/mo"

	"meetrecon/internal/model"
)

func at(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func weeklyOn(days ...time.Weekday) *model.RecurrencePattern {
	return &model.RecurrencePattern{Kind: model.KindWeekly, Interval: 1, Weekdays: model.MaskOf(days...)}
}

func dailyEvery(n int) *model.RecurrencePattern {
	return &model.RecurrencePattern{Kind: model.KindDaily, Interval: n}
}

func workweek() *model.RecurrencePattern {
	return weeklyOn(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)
}

func masterRecord(id, subject string, start time.Time, dur time.Duration, p *model.RecurrencePattern, ex ...model.ExceptionRecord) model.RawEventRecord {
	return model.RawEventRecord{
		SourceID:   "work",
		Identity:   id,
		Subject:    subject,
		Location:   "Room 1",
		Start:      start,
		End:        start.Add(dur),
		Pattern:    p,
		Exceptions: ex,
	}
}

func deleted(orig time.Time) model.ExceptionRecord {
	return model.ExceptionRecord{OriginalStart: orig, Deleted: true}
}

func modified(orig, start, end time.Time) model.ExceptionRecord {
	return model.ExceptionRecord{
		OriginalStart: orig,
		ModifiedStart: mo.Some(start),
		ModifiedEnd:   mo.Some(end),
	}
}

func renamed(orig time.Time, subject, location string) model.ExceptionRecord {
	return model.ExceptionRecord{
		OriginalStart: orig,
		Subject:       mo.Some(subject),
		Location:      mo.Some(location),
	}
}

func dayStrings(occ []model.Occurrence) []string {
	out := make([]string, 0, len(occ))
	for _, o := range occ {
		out = append(out, o.Start.Format("2006-01-02 15:04"))
	}
	return out
}

func onDay(occ []model.Occurrence, y int, m time.Month, d int) []model.Occurrence {
	var out []model.Occurrence
	for _, o := range occ {
		oy, om, od := o.Start.Date()
		if oy == y && om == m && od == d {
			out = append(out, o)
		}
	}
	return out
}
