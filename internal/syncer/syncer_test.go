package syncer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetrecon/internal/config"
	"meetrecon/internal/ics"
	"meetrecon/internal/model"
	"meetrecon/internal/store"
)

const feed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//meetrecon//test//EN
BEGIN:VEVENT
UID:old-id
SUMMARY:Design Review
DTSTART:20250804T100000Z
DTEND:20250804T110000Z
RRULE:FREQ=WEEKLY;BYDAY=MO,WE,FR;UNTIL=20250820T000000Z
END:VEVENT
BEGIN:VEVENT
UID:new-id
SUMMARY:Design Review
DTSTART:20250825T100000Z
DTEND:20250825T110000Z
RRULE:FREQ=WEEKLY;BYDAY=MO,WE,FR
END:VEVENT
BEGIN:VEVENT
UID:new-id
RECURRENCE-ID:20250903T100000Z
SUMMARY:Design Review
DTSTART:20250904T150000Z
DTEND:20250904T160000Z
END:VEVENT
BEGIN:VEVENT
UID:lunch
SUMMARY:Lunch
DTSTART:20250902T110000Z
DTEND:20250902T120000Z
END:VEVENT
BEGIN:VEVENT
UID:last-month
SUMMARY:Offsite
DTSTART:20250702T110000Z
DTEND:20250702T120000Z
END:VEVENT
END:VCALENDAR
`

type fakeFetcher struct {
	bodies map[string]string
	failed []string
	calls  int
}

func (f *fakeFetcher) FetchAll(_ context.Context, sources []ics.Source, _, _ time.Time) ([]ics.FetchResult, []error) {
	f.calls++
	var (
		res  []ics.FetchResult
		errs []error
	)
	for _, src := range sources {
		body, ok := f.bodies[src.ID]
		if !ok {
			errs = append(errs, errors.New("source "+src.ID+": unreachable"))
			f.failed = append(f.failed, src.ID)
			continue
		}
		res = append(res, ics.FetchResult{Source: src, Bodies: [][]byte{[]byte(strings.ReplaceAll(body, "\n", "\r\n"))}})
	}
	return res, errs
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BackfillDays = 0
	cfg.HorizonDays = 6
	cfg.Sources = []config.SourceConfig{
		{ID: "work", Kind: "ics", URL: "https://example.com/work.ics"},
	}
	return cfg
}

func newService(t *testing.T, cfg *config.Config, f Fetcher) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := New(cfg, f, st)
	svc.now = func() time.Time { return time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC) }
	return svc, st
}

func TestWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Timezone = "Asia/Seoul"
	cfg.BackfillDays = 1
	cfg.HorizonDays = 7
	svc := New(cfg, nil, nil)

	// 20:00 UTC is already the next day in Seoul.
	w := svc.Window(time.Date(2025, 9, 1, 20, 0, 0, 0, time.UTC))
	assert.Equal(t, "2025-09-01T00:00:00+09:00", w.Start.Format(time.RFC3339))
	assert.Equal(t, "2025-09-09T00:00:00+09:00", w.End.Format(time.RFC3339))
}

func TestSyncOnce(t *testing.T) {
	svc, st := newService(t, testConfig(), &fakeFetcher{bodies: map[string]string{"work": feed}})

	_, err := svc.Latest()
	assert.ErrorIs(t, err, ErrNoSnapshot)

	snap, err := svc.SyncOnce(context.Background())
	require.NoError(t, err)

	var got []string
	for _, o := range snap.Occurrences {
		got = append(got, o.Start.Format("01-02 15:04")+" "+o.Subject+" "+o.Kind.String())
	}
	assert.Equal(t, []string{
		"09-01 10:00 Design Review regular",
		"09-02 11:00 Lunch single_event",
		"09-04 15:00 Design Review exception_moved",
		"09-05 10:00 Design Review regular",
	}, got)

	require.Len(t, snap.Series, 1, "both masters collapse into one series")
	assert.Equal(t, 2, snap.Series[0].MasterCount)
	assert.NotEmpty(t, snap.Run.ID)

	latest, err := svc.Latest()
	require.NoError(t, err)
	assert.Same(t, snap, latest)

	run, err := st.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Run.ID, run.ID)
	assert.Equal(t, 4, run.OccurrenceCount)
}

func TestSyncOnce_PartialFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Sources = append(cfg.Sources, config.SourceConfig{ID: "down", Kind: "ics", URL: "https://example.com/down.ics"})
	fetcher := &fakeFetcher{bodies: map[string]string{"work": feed}}
	svc, _ := newService(t, cfg, fetcher)

	snap, err := svc.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	require.NotNil(t, snap)
	assert.Len(t, snap.Occurrences, 4)
	assert.Equal(t, []string{"source down: unreachable"}, snap.Run.Errors)
}

func TestSyncOnce_AllSourcesFailedKeepsSnapshot(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{"work": feed}}
	svc, st := newService(t, testConfig(), fetcher)

	first, err := svc.SyncOnce(context.Background())
	require.NoError(t, err)

	delete(fetcher.bodies, "work")
	snap, err := svc.SyncOnce(context.Background())
	assert.ErrorIs(t, err, ErrAllSourcesFailed)
	assert.Contains(t, err.Error(), "unreachable")
	assert.Nil(t, snap)

	latest, err := svc.Latest()
	require.NoError(t, err)
	assert.Same(t, first, latest)
	assert.Len(t, latest.Occurrences, 4)

	run, err := st.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Run.ID, run.ID)
}

func TestSyncOnce_ParseError(t *testing.T) {
	svc, _ := newService(t, testConfig(), &fakeFetcher{bodies: map[string]string{"work": ""}})

	snap, err := svc.SyncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source work: parse")
	assert.Empty(t, snap.Occurrences)
}

func TestRestore(t *testing.T) {
	svc, st := newService(t, testConfig(), &fakeFetcher{bodies: map[string]string{"work": feed}})
	_, err := svc.SyncOnce(context.Background())
	require.NoError(t, err)

	fresh := New(testConfig(), nil, st)
	require.NoError(t, fresh.Restore(context.Background()))
	snap, err := fresh.Latest()
	require.NoError(t, err)
	assert.Len(t, snap.Occurrences, 4)
	assert.Equal(t, model.SourceExceptionMoved, snap.Occurrences[2].Kind)

	empty, _ := newService(t, testConfig(), nil)
	assert.ErrorIs(t, empty.Restore(context.Background()), ErrNoSnapshot)
	assert.ErrorIs(t, New(testConfig(), nil, nil).Restore(context.Background()), ErrNoSnapshot)
}

func TestStart_InvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshCron = "not a schedule"
	svc := New(cfg, &fakeFetcher{}, nil)
	assert.Error(t, svc.Start(context.Background()))
}

func TestStart_StopsOnCancel(t *testing.T) {
	svc := New(testConfig(), &fakeFetcher{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
