package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetrecon/internal/config"
	"meetrecon/internal/model"
	"meetrecon/internal/reconcile"
	"meetrecon/internal/store"
	"meetrecon/internal/syncer"
)

type fakeSyncer struct {
	snap    *syncer.Snapshot
	syncErr error
	syncs   int
}

func (f *fakeSyncer) SyncOnce(context.Context) (*syncer.Snapshot, error) {
	f.syncs++
	return f.snap, f.syncErr
}

func (f *fakeSyncer) Latest() (*syncer.Snapshot, error) {
	if f.snap == nil {
		return nil, syncer.ErrNoSnapshot
	}
	return f.snap, nil
}

const standupKey = "Standup|09:30|weekly/1/MO,TU,WE,TH,FR"

func snapshot() *syncer.Snapshot {
	start := time.Date(2025, 9, 1, 0, 30, 0, 0, time.UTC)
	occ := []model.Occurrence{
		{SeriesKey: standupKey, SourceID: "work", InstanceKey: "2025-09-01", Subject: "Standup", Start: start, End: start.Add(15 * time.Minute), Kind: model.SourceRegular},
		{SeriesKey: standupKey, SourceID: "work", InstanceKey: "2025-09-02", Subject: "Standup", Start: start.AddDate(0, 0, 1), End: start.AddDate(0, 0, 1).Add(15 * time.Minute), Kind: model.SourceExceptionModified},
		{SeriesKey: "Lunch|12:00|single", SourceID: "work", InstanceKey: "2025-09-02T03:00:00Z", Subject: "Lunch", Start: start.AddDate(0, 0, 1).Add(150 * time.Minute), End: start.AddDate(0, 0, 1).Add(210 * time.Minute), Kind: model.SourceSingleEvent},
	}
	return &syncer.Snapshot{
		Run: store.Run{
			ID:          "run-1",
			FinishedAt:  start,
			WindowStart: start,
			WindowEnd:   start.AddDate(0, 0, 7),
			Errors:      []string{"source down: unreachable"},
		},
		Occurrences: occ,
		Series:      []reconcile.SeriesReport{{SeriesKey: standupKey, MasterCount: 2, BaseTime: "09:30", OccurrenceCount: 2}},
		Notes:       []reconcile.Note{{Kind: reconcile.NoteMalformedPattern, SeriesKey: standupKey, Message: "interval 0 treated as 1"}},
	}
}

func newTestServer(t *testing.T, s Syncer, auth *config.BasicAuthConfig) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "Asia/Seoul"
	cfg.BasicAuth = auth
	srv := httptest.NewServer(NewServer(cfg, s).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeSyncer{}, &config.BasicAuthConfig{Username: "u", Password: "p"})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOccurrences(t *testing.T) {
	srv := newTestServer(t, &fakeSyncer{snap: snapshot()}, nil)

	var body occurrencesResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/occurrences", &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, "Asia/Seoul", body.DisplayTimeZone)
	require.Len(t, body.Occurrences, 3)
	assert.Equal(t, "exception_modified", body.Occurrences[1].Kind)
	assert.Equal(t, []string{"source down: unreachable"}, body.Errors)

	var filtered occurrencesResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/occurrences?series="+strings.ReplaceAll(standupKey, "|", "%7C")+"&from=2025-09-02T00:00:00Z", &filtered))
	require.Len(t, filtered.Occurrences, 1)
	assert.Equal(t, "2025-09-02", filtered.Occurrences[0].InstanceKey)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/api/occurrences?to=tomorrow", nil))
}

func TestNoSnapshot(t *testing.T) {
	srv := newTestServer(t, &fakeSyncer{}, nil)
	for _, path := range []string{"/api/occurrences", "/api/series", "/calendar.ics"} {
		assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+path, nil), path)
	}
}

func TestSeries(t *testing.T) {
	srv := newTestServer(t, &fakeSyncer{snap: snapshot()}, nil)

	var body struct {
		Series []reconcile.SeriesReport `json:"series"`
		Notes  []struct {
			Kind      string `json:"kind"`
			SeriesKey string `json:"series_key"`
		} `json:"notes"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/series", &body))
	require.Len(t, body.Series, 1)
	assert.Equal(t, 2, body.Series[0].MasterCount)
	require.Len(t, body.Notes, 1)
	assert.Equal(t, "malformed_pattern", body.Notes[0].Kind)
}

func TestRefresh(t *testing.T) {
	fake := &fakeSyncer{snap: snapshot(), syncErr: errors.New("source down: unreachable")}
	srv := newTestServer(t, fake, nil)

	resp, err := http.Post(srv.URL+"/api/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, fake.syncs)

	var body struct {
		RunID       string `json:"run_id"`
		Occurrences int    `json:"occurrences"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "run-1", body.RunID)
	assert.Equal(t, 3, body.Occurrences)

	assert.Equal(t, http.StatusMethodNotAllowed, getJSON(t, srv.URL+"/api/refresh", nil))
}

func TestRefresh_Failure(t *testing.T) {
	srv := newTestServer(t, &fakeSyncer{syncErr: context.Canceled}, nil)
	resp, err := http.Post(srv.URL+"/api/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestRefresh_AllSourcesFailed(t *testing.T) {
	fake := &fakeSyncer{syncErr: fmt.Errorf("%w: source work: unreachable", syncer.ErrAllSourcesFailed)}
	srv := newTestServer(t, fake, nil)
	resp, err := http.Post(srv.URL+"/api/refresh", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCalendar(t *testing.T) {
	srv := newTestServer(t, &fakeSyncer{snap: snapshot()}, nil)
	resp, err := http.Get(srv.URL + "/calendar.ics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/calendar")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(raw), "BEGIN:VEVENT"))
	assert.Contains(t, string(raw), "X-MEETRECON-KIND:single_event")
}

func TestCalendar_EmptySnapshot(t *testing.T) {
	srv := newTestServer(t, &fakeSyncer{snap: &syncer.Snapshot{Run: store.Run{ID: "run-0"}}}, nil)
	resp, err := http.Get(srv.URL + "/calendar.ics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/calendar")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "BEGIN:VCALENDAR")
	assert.Contains(t, string(raw), "END:VCALENDAR")
	assert.NotContains(t, string(raw), "BEGIN:VEVENT")
}

func TestBasicAuth(t *testing.T) {
	srv := newTestServer(t, &fakeSyncer{snap: snapshot()}, &config.BasicAuthConfig{Username: "admin", Password: "pw"})

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+"/api/series", nil))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/series", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "pw")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
