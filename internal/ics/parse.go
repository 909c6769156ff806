package ics

import (
	"bytes"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/samber/mo"

	appLog "meetrecon/internal/log"
	"meetrecon/internal/model"
)

// ParsedEvent is the normalized representation of a VEVENT as produced
// by the ICS parser. ToRecords turns a batch of them into raw records.
type ParsedEvent struct {
	Source Source

	UID string
	Seq int

	Summary  string
	Location string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present)
	IsOverride bool       // true if this VEVENT is an override for a recurring instance
	Cancelled  bool       // STATUS:CANCELLED
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
//   - It relies on the underlying library's TZID handling to construct
//     time.Time values for DTSTART/DTEND.
//   - It records RRULE/EXDATE/RECURRENCE-ID but does not expand recurrences.
func ParseICS(src Source, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", src.ID, "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent
	out.Source = src

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	out.Start = start

	if end, err := ve.GetEndAt(); err == nil {
		out.End = end
	} else {
		out.End = start
	}

	if dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart); dtStartProp != nil {
		if vs, ok := dtStartProp.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if !strings.Contains(dtStartProp.Value, "T") {
			out.AllDay = true
		}
	}
	if out.AllDay && !out.End.After(out.Start) {
		out.End = out.Start.AddDate(0, 0, 1)
	}

	if rruleProp := ve.GetProperty(ical.ComponentPropertyRrule); rruleProp != nil {
		out.RawRRule = rruleProp.Value
	}

	// EXDATE can appear multiple times, each with a comma separated list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, tzidOf(p.ICalParameters)); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if ridProp := ve.GetProperty(ical.ComponentPropertyRecurrenceId); ridProp != nil {
		if t, err := parseICSTime(ridProp.Value, tzidOf(ridProp.ICalParameters)); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out, nil
}

func tzidOf(params map[string][]string) string {
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		return tzs[0]
	}
	return ""
}

// parseICSTime parses a DATE or DATE-TIME value, honoring TZID when given.
func parseICSTime(v, tzid string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	loc := time.Local
	if tzid != "" {
		if l, err := time.LoadLocation(tzid); err == nil {
			loc = l
		} else {
			appLog.Debug("unknown TZID; using local time", "tzid", tzid)
		}
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Floating or zoned date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}

// ToRecords groups parsed events into raw records. Overrides attach as
// exceptions to every master sharing their UID; overrides without a master
// in the batch become standalone exception records. EXDATEs become deleted
// exceptions. Cancelled masters are dropped together with their overrides.
//
// Weekday and month-day selectors are read in each event's own zone; loc is
// the zone the records are later expanded in (nil means UTC), and selectors
// are moved by however many days DTSTART shifts between the two.
func ToRecords(events []ParsedEvent, loc *time.Location) []model.RawEventRecord {
	if loc == nil {
		loc = time.UTC
	}

	out := make([]model.RawEventRecord, 0, len(events))
	mastersByUID := make(map[string][]int)
	overridesByUID := make(map[string][]ParsedEvent)
	cancelled := make(map[string]bool)

	for _, ev := range events {
		if ev.IsOverride {
			overridesByUID[ev.UID] = latestOverrides(overridesByUID[ev.UID], ev)
			continue
		}
		if ev.Cancelled {
			if ev.RawRRule != "" {
				appLog.Debug("dropping cancelled recurring master", "uid", ev.UID)
				cancelled[ev.UID] = true
			}
			continue
		}

		rec := model.RawEventRecord{
			SourceID: ev.Source.ID,
			Identity: ev.UID,
			Subject:  ev.Summary,
			Location: ev.Location,
			Start:    ev.Start.UTC(),
			End:      ev.End.UTC(),
		}

		if ev.RawRRule != "" {
			pattern, err := patternFromRRule(ev.RawRRule, ev.Start)
			if err != nil {
				appLog.Error("rrule parse failed; keeping event as single", err, "uid", ev.UID, "rrule", ev.RawRRule)
			} else {
				shiftPattern(pattern, dayShift(ev.Start, loc))
				rec.Pattern = pattern
				for _, ex := range ev.ExDates {
					rec.Exceptions = append(rec.Exceptions, model.ExceptionRecord{
						OriginalStart: ex.UTC(),
						Deleted:       true,
					})
				}
				mastersByUID[ev.UID] = append(mastersByUID[ev.UID], len(out))
			}
		}

		out = append(out, rec)
	}

	uids := make([]string, 0, len(overridesByUID))
	for uid := range overridesByUID {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	for _, uid := range uids {
		idxs := mastersByUID[uid]
		for _, ov := range overridesByUID[uid] {
			if len(idxs) == 0 {
				if cancelled[uid] {
					appLog.Debug("dropping override of cancelled master", "uid", uid)
					continue
				}
				if ov.Cancelled {
					appLog.Debug("dropping cancelled override without master", "uid", uid)
					continue
				}
				out = append(out, model.RawEventRecord{
					SourceID:            ov.Source.ID,
					Identity:            ov.UID,
					Subject:             ov.Summary,
					Location:            ov.Location,
					Start:               ov.Start.UTC(),
					End:                 ov.End.UTC(),
					StandaloneException: true,
				})
				continue
			}
			for _, i := range idxs {
				out[i].Exceptions = append(out[i].Exceptions, exceptionFromOverride(out[i], ov))
			}
		}
	}

	return out
}

// latestOverrides adds ov to the overrides of one UID. Of two overrides for
// the same RECURRENCE-ID the higher SEQUENCE wins; on a tie the later one.
func latestOverrides(list []ParsedEvent, ov ParsedEvent) []ParsedEvent {
	for i := range list {
		if list[i].Source.ID == ov.Source.ID && list[i].Recurrence.Equal(*ov.Recurrence) {
			if ov.Seq >= list[i].Seq {
				list[i] = ov
			}
			return list
		}
	}
	return append(list, ov)
}

// dayShift is the number of calendar days between DTSTART's date in its own
// zone and its date in loc.
func dayShift(start time.Time, loc *time.Location) int {
	y, m, d := start.Date()
	own := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	y, m, d = start.In(loc).Date()
	there := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(there.Sub(own).Hours() / 24)
}

func shiftPattern(p *model.RecurrencePattern, days int) {
	if days == 0 {
		return
	}
	p.Weekdays = p.Weekdays.Shift(days)
	switch {
	case p.MonthDay > 0:
		p.MonthDay += days
		if p.MonthDay < 1 {
			p.MonthDay = -1
		} else if p.MonthDay > 31 {
			p.MonthDay = 1
		}
	case p.MonthDay < 0:
		p.MonthDay += days
		if p.MonthDay == 0 {
			p.MonthDay = 1
		}
	}
}

func exceptionFromOverride(master model.RawEventRecord, ov ParsedEvent) model.ExceptionRecord {
	ex := model.ExceptionRecord{
		OriginalStart: ov.Recurrence.UTC(),
		Deleted:       ov.Cancelled,
	}
	if ov.Cancelled {
		return ex
	}

	ex.ModifiedStart = mo.Some(ov.Start.UTC())
	ex.ModifiedEnd = mo.Some(ov.End.UTC())
	if ov.Summary != master.Subject {
		ex.Subject = mo.Some(ov.Summary)
	}
	if ov.Location != master.Location {
		ex.Location = mo.Some(ov.Location)
	}
	return ex
}

// FilterWindow drops single and standalone records that do not overlap
// [start, end]. Masters are always kept: their own start says nothing about
// whether the series reaches the window.
func FilterWindow(records []model.RawEventRecord, start, end time.Time) []model.RawEventRecord {
	out := make([]model.RawEventRecord, 0, len(records))
	for _, rec := range records {
		if rec.IsMaster() || timeRangesOverlap(rec.Start, rec.End, start, end) {
			out = append(out, rec)
		}
	}
	return out
}

func timeRangesOverlap(aStart, aEnd, bStart, bEnd time.Time) bool {
	if aEnd.Before(bStart) {
		return false
	}
	if bEnd.Before(aStart) {
		return false
	}
	return true
}
