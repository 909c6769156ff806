package model

import (
	"math/bits"
	"strings"
	"time"

	"github.com/samber/mo"
)

// PatternKind is the cadence of a recurrence pattern.
type PatternKind int

const (
	KindUnknown PatternKind = iota
	KindDaily
	KindWeekly
	KindMonthly
)

func (k PatternKind) String() string {
	switch k {
	case KindDaily:
		return "daily"
	case KindWeekly:
		return "weekly"
	case KindMonthly:
		return "monthly"
	default:
		return "unknown"
	}
}

// WeekdayMask holds one bit per time.Weekday (Sunday = bit 0).
type WeekdayMask uint8

const EveryDay WeekdayMask = 1<<7 - 1

// MaskOf builds a mask from weekdays.
func MaskOf(days ...time.Weekday) WeekdayMask {
	var m WeekdayMask
	for _, d := range days {
		m |= 1 << uint(d)
	}
	return m
}

func (m WeekdayMask) Has(d time.Weekday) bool {
	return m&(1<<uint(d)) != 0
}

// Count reports how many days are selected.
func (m WeekdayMask) Count() int {
	return bits.OnesCount8(uint8(m & EveryDay))
}

// Shift moves every selected day by n days, wrapping around the week.
func (m WeekdayMask) Shift(n int) WeekdayMask {
	n = ((n % 7) + 7) % 7
	if n == 0 {
		return m
	}
	m &= EveryDay
	return (m<<n | m>>(7-n)) & EveryDay
}

var weekdayCodes = [...]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// String renders the mask Monday-first, e.g. "MO,TU,WE".
func (m WeekdayMask) String() string {
	parts := make([]string, 0, 7)
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if m.Has(d) {
			parts = append(parts, weekdayCodes[d])
		}
	}
	return strings.Join(parts, ",")
}

// RecurrencePattern describes how a master repeats.
//
// Weekly patterns select days through Weekdays. Monthly patterns select
// MonthDay (negative counts from the end of the month), the Ordinal-th
// occurrence of each weekday in Weekdays (e.g. Ordinal 2 + Tuesday, -1 =
// last), or the SetPos-th day among all days of the month in Weekdays
// (SetPos -1 over MO..FR = last weekday of the month).
type RecurrencePattern struct {
	Kind     PatternKind
	Interval int
	Weekdays WeekdayMask
	MonthDay int
	Ordinal  int
	SetPos   int

	// Until is the termination date stamped on the record. It may be stale.
	Until mo.Option[time.Time]
}

// ExceptionRecord is a per-occurrence modification or cancellation.
// OriginalStart is the stable key: the start the occurrence would have had
// under the unmodified pattern.
type ExceptionRecord struct {
	OriginalStart time.Time
	ModifiedStart mo.Option[time.Time]
	ModifiedEnd   mo.Option[time.Time]
	Deleted       bool
	Subject       mo.Option[string]
	Location      mo.Option[string]
}

// RawEventRecord is one calendar-server item as ingested.
type RawEventRecord struct {
	SourceID string

	// Identity is volatile: servers mint a new one when content changes.
	Identity string

	Subject  string
	Location string

	// Start / End are absolute instants (UTC after ingestion).
	Start time.Time
	End   time.Time

	// Pattern is nil for single records.
	Pattern    *RecurrencePattern
	Exceptions []ExceptionRecord

	// StandaloneException marks an exception instance whose master is not
	// present in the current batch.
	StandaloneException bool
}

// IsMaster reports whether the record defines a recurrence.
func (r RawEventRecord) IsMaster() bool {
	return r.Pattern != nil && !r.StandaloneException
}

// SourceKind classifies where an occurrence came from.
type SourceKind int

const (
	SourceRegular SourceKind = iota
	SourceExceptionModified
	SourceExceptionMoved
	SourceStandaloneException
	SourceSingleEvent
	// SourceDeleted marks a cancelled day. It is never emitted.
	SourceDeleted
)

func (k SourceKind) String() string {
	switch k {
	case SourceRegular:
		return "regular"
	case SourceExceptionModified:
		return "exception_modified"
	case SourceExceptionMoved:
		return "exception_moved"
	case SourceStandaloneException:
		return "standalone_exception"
	case SourceSingleEvent:
		return "single_event"
	case SourceDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ParseSourceKind is the inverse of SourceKind.String.
func ParseSourceKind(s string) (SourceKind, bool) {
	for k := SourceRegular; k <= SourceDeleted; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

func (k SourceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Occurrence represents a single concrete meeting instance.
type Occurrence struct {
	SeriesKey string
	SourceID  string

	// InstanceKey identifies the occurrence within its series, derived from
	// the start time.
	InstanceKey string

	Subject  string
	Location string

	Start time.Time
	End   time.Time

	Kind SourceKind
}
