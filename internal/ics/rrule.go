package ics

import (
	"time"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"

	"meetrecon/internal/model"
)

// patternFromRRule maps an RRULE value onto the recurrence model. start is
// the master's DTSTART in its own zone, used for implied selectors.
// Frequencies other than daily, weekly and monthly map to KindUnknown.
func patternFromRRule(raw string, start time.Time) (*model.RecurrencePattern, error) {
	opt, err := rrule.StrToROption(raw)
	if err != nil {
		return nil, err
	}

	p := &model.RecurrencePattern{Interval: opt.Interval}
	if p.Interval <= 0 {
		p.Interval = 1
	}
	if !opt.Until.IsZero() {
		p.Until = mo.Some(opt.Until.UTC())
	}

	var mask model.WeekdayMask
	ordinal, mixed := 0, false
	for i := range opt.Byweekday {
		wd := opt.Byweekday[i]
		mask |= model.MaskOf(weekdayOf(wd.Day()))
		if n := wd.N(); n != 0 {
			if ordinal != 0 && ordinal != n {
				mixed = true
			}
			ordinal = n
		}
	}

	switch opt.Freq {
	case rrule.DAILY:
		p.Kind = model.KindDaily
		p.Weekdays = mask
	case rrule.WEEKLY:
		p.Kind = model.KindWeekly
		p.Weekdays = mask
		if p.Weekdays == 0 {
			// RFC 5545: without BYDAY the weekday comes from DTSTART.
			p.Weekdays = model.MaskOf(start.Weekday())
		}
	case rrule.MONTHLY:
		p.Kind = model.KindMonthly
		switch {
		case len(opt.Bymonthday) > 0:
			p.MonthDay = opt.Bymonthday[0]
		case mixed || len(opt.Bysetpos) > 1 || (ordinal != 0 && len(opt.Bysetpos) > 0):
			p.Kind = model.KindUnknown
		case mask != 0:
			p.Weekdays = mask
			switch {
			case ordinal != 0:
				p.Ordinal = ordinal
			case len(opt.Bysetpos) == 1 && mask.Count() == 1:
				// A single weekday picked by position is the plain nth weekday.
				p.Ordinal = opt.Bysetpos[0]
			case len(opt.Bysetpos) == 1:
				p.SetPos = opt.Bysetpos[0]
			}
		default:
			p.MonthDay = start.Day()
		}
	default:
		p.Kind = model.KindUnknown
	}

	return p, nil
}

// weekdayOf converts rrule's Monday-based index to time.Weekday.
func weekdayOf(day int) time.Weekday {
	return time.Weekday((day + 1) % 7)
}
