package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetrecon/internal/model"
)

func TestPatternFromRRule(t *testing.T) {
	// Wednesday, 2025-09-17.
	start := time.Date(2025, 9, 17, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want model.RecurrencePattern
	}{
		{
			name: "daily",
			raw:  "FREQ=DAILY;INTERVAL=3",
			want: model.RecurrencePattern{Kind: model.KindDaily, Interval: 3},
		},
		{
			name: "daily with weekdays",
			raw:  "FREQ=DAILY;BYDAY=MO,FR",
			want: model.RecurrencePattern{Kind: model.KindDaily, Interval: 1, Weekdays: model.MaskOf(time.Monday, time.Friday)},
		},
		{
			name: "weekly with byday",
			raw:  "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE,FR",
			want: model.RecurrencePattern{Kind: model.KindWeekly, Interval: 2, Weekdays: model.MaskOf(time.Monday, time.Wednesday, time.Friday)},
		},
		{
			name: "weekly without byday uses start weekday",
			raw:  "FREQ=WEEKLY",
			want: model.RecurrencePattern{Kind: model.KindWeekly, Interval: 1, Weekdays: model.MaskOf(time.Wednesday)},
		},
		{
			name: "weekly sunday",
			raw:  "FREQ=WEEKLY;BYDAY=SU",
			want: model.RecurrencePattern{Kind: model.KindWeekly, Interval: 1, Weekdays: model.MaskOf(time.Sunday)},
		},
		{
			name: "monthly by month day",
			raw:  "FREQ=MONTHLY;BYMONTHDAY=-1",
			want: model.RecurrencePattern{Kind: model.KindMonthly, Interval: 1, MonthDay: -1},
		},
		{
			name: "monthly nth weekday",
			raw:  "FREQ=MONTHLY;BYDAY=2TU",
			want: model.RecurrencePattern{Kind: model.KindMonthly, Interval: 1, Ordinal: 2, Weekdays: model.MaskOf(time.Tuesday)},
		},
		{
			name: "monthly setpos",
			raw:  "FREQ=MONTHLY;BYDAY=TH;BYSETPOS=-1",
			want: model.RecurrencePattern{Kind: model.KindMonthly, Interval: 1, Ordinal: -1, Weekdays: model.MaskOf(time.Thursday)},
		},
		{
			name: "monthly last weekday",
			raw:  "FREQ=MONTHLY;BYDAY=MO,TU,WE,TH,FR;BYSETPOS=-1",
			want: model.RecurrencePattern{
				Kind:     model.KindMonthly,
				Interval: 1,
				SetPos:   -1,
				Weekdays: model.MaskOf(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday),
			},
		},
		{
			name: "monthly several setpos is unknown",
			raw:  "FREQ=MONTHLY;BYDAY=MO,FR;BYSETPOS=1,-1",
			want: model.RecurrencePattern{Kind: model.KindUnknown, Interval: 1},
		},
		{
			name: "monthly mixed ordinals is unknown",
			raw:  "FREQ=MONTHLY;BYDAY=1MO,3WE",
			want: model.RecurrencePattern{Kind: model.KindUnknown, Interval: 1},
		},
		{
			name: "monthly without selector uses start day",
			raw:  "FREQ=MONTHLY;INTERVAL=2",
			want: model.RecurrencePattern{Kind: model.KindMonthly, Interval: 2, MonthDay: 17},
		},
		{
			name: "yearly is unknown",
			raw:  "FREQ=YEARLY",
			want: model.RecurrencePattern{Kind: model.KindUnknown, Interval: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := patternFromRRule(tt.raw, start)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}

func TestPatternFromRRule_Until(t *testing.T) {
	got, err := patternFromRRule("RRULE:FREQ=DAILY;UNTIL=20251001T000000Z", time.Now())
	require.NoError(t, err)
	assert.True(t, got.Until.MustGet().Equal(time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)))
}

func TestPatternFromRRule_Invalid(t *testing.T) {
	_, err := patternFromRRule("FREQ=FORTNIGHTLY", time.Now())
	assert.Error(t, err)
}
