// Package syncer runs the fetch → parse → reconcile → persist pipeline and
// keeps the latest snapshot in memory.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"meetrecon/internal/config"
	"meetrecon/internal/ics"
	appLog "meetrecon/internal/log"
	"meetrecon/internal/model"
	"meetrecon/internal/reconcile"
	"meetrecon/internal/store"
)

var ErrNoSnapshot = errors.New("syncer: no snapshot available yet")

// ErrAllSourcesFailed is returned when no source could be fetched. The
// previous snapshot stays published and nothing is persisted.
var ErrAllSourcesFailed = errors.New("syncer: every source failed")

type Fetcher interface {
	FetchAll(ctx context.Context, sources []ics.Source, start, end time.Time) ([]ics.FetchResult, []error)
}

type Storage interface {
	SaveRun(ctx context.Context, run store.Run, occ []model.Occurrence) (string, error)
	LatestRun(ctx context.Context) (store.Run, error)
	Occurrences(ctx context.Context, runID string) ([]model.Occurrence, error)
	Prune(ctx context.Context, keep int) (int64, error)
}

// Snapshot is the outcome of one sync. Series and Notes are only known for
// runs made by this process; a snapshot restored from storage has neither.
type Snapshot struct {
	Run         store.Run
	Occurrences []model.Occurrence
	Series      []reconcile.SeriesReport
	Notes       []reconcile.Note
}

type Service struct {
	cfg     *config.Config
	fetcher Fetcher
	storage Storage
	now     func() time.Time

	// syncMu serializes SyncOnce between cron and /api/refresh.
	syncMu sync.Mutex

	mu     sync.RWMutex
	latest *Snapshot
}

// New constructs a Service. storage may be nil, in which case snapshots
// live in memory only.
func New(cfg *config.Config, fetcher Fetcher, storage Storage) *Service {
	return &Service{
		cfg:     cfg,
		fetcher: fetcher,
		storage: storage,
		now:     time.Now,
	}
}

// Window returns the expansion window for now: from the start of the day
// BackfillDays ago to the start of the day HorizonDays ahead, in the
// configured time zone.
func (s *Service) Window(now time.Time) reconcile.Window {
	loc := s.cfg.Location()
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return reconcile.Window{
		Start: today.AddDate(0, 0, -s.cfg.BackfillDays),
		End:   today.AddDate(0, 0, s.cfg.HorizonDays),
	}
}

func (s *Service) sources() []ics.Source {
	out := make([]ics.Source, 0, len(s.cfg.Sources))
	for _, c := range s.cfg.Sources {
		out = append(out, ics.Source{
			ID:       c.ID,
			Kind:     ics.SourceKind(c.Kind),
			URL:      c.URL,
			Username: c.Username,
			Password: c.Password,
		})
	}
	return out
}

// SyncOnce fetches every source, reconciles the batch and publishes the
// result. Failing sources are skipped; their errors are joined into the
// returned error while the snapshot built from the remaining sources is
// still published. When every source fails the previous snapshot is kept
// and SyncOnce returns ErrAllSourcesFailed.
func (s *Service) SyncOnce(ctx context.Context) (*Snapshot, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	started := s.now()
	window := s.Window(started)
	sources := s.sources()

	appLog.Info("sync start",
		"sources", len(sources),
		"window_start", window.Start.Format(time.RFC3339),
		"window_end", window.End.Format(time.RFC3339),
	)

	results, errs := s.fetcher.FetchAll(ctx, sources, window.Start, window.End)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 && len(errs) > 0 {
		err := errors.Join(errs...)
		appLog.Error("sync aborted; keeping previous snapshot", err, "sources", len(sources))
		return nil, fmt.Errorf("%w: %w", ErrAllSourcesFailed, err)
	}

	var parsed []ics.ParsedEvent
	for _, res := range results {
		for _, body := range res.Bodies {
			events, err := ics.ParseICS(res.Source, body)
			if err != nil {
				errs = append(errs, fmt.Errorf("source %s: parse: %w", res.Source.ID, err))
				continue
			}
			parsed = append(parsed, events...)
		}
	}

	records := ics.FilterWindow(ics.ToRecords(parsed, s.cfg.Location()), window.Start, window.End)
	result := reconcile.Reconcile(records, window, reconcile.Options{
		MaxOccurrences: s.cfg.MaxOccurrences,
		Location:       s.cfg.Location(),
		Workers:        s.cfg.Workers,
	})
	logResult(result)

	run := store.Run{
		StartedAt:       started.UTC(),
		FinishedAt:      s.now().UTC(),
		WindowStart:     window.Start.UTC(),
		WindowEnd:       window.End.UTC(),
		SourceCount:     len(sources),
		OccurrenceCount: len(result.Occurrences),
		TruncatedSeries: result.TruncatedSeries,
		Errors:          errorStrings(errs),
	}

	if s.storage != nil {
		id, err := s.storage.SaveRun(ctx, run, result.Occurrences)
		if err != nil {
			appLog.Error("snapshot save failed", err)
			errs = append(errs, fmt.Errorf("store: %w", err))
		} else {
			run.ID = id
			if n, err := s.storage.Prune(ctx, s.cfg.KeepRuns); err != nil {
				appLog.Error("snapshot prune failed", err)
			} else if n > 0 {
				appLog.Debug("pruned old snapshots", "removed", n)
			}
		}
	}

	snap := &Snapshot{
		Run:         run,
		Occurrences: result.Occurrences,
		Series:      result.Series,
		Notes:       result.Notes,
	}
	s.publish(snap)

	appLog.Info("sync finished",
		"run_id", run.ID,
		"records", len(records),
		"occurrences", len(result.Occurrences),
		"series", len(result.Series),
		"truncated", len(result.TruncatedSeries),
		"errors", len(errs),
		"elapsed", run.FinishedAt.Sub(run.StartedAt).String(),
	)

	return snap, errors.Join(errs...)
}

func logResult(result reconcile.Result) {
	for _, n := range result.Notes {
		appLog.Warn("reconcile note", "kind", n.Kind.String(), "series", n.SeriesKey, "identity", n.Identity, "message", n.Message)
	}
	for _, r := range result.Series {
		appLog.Debug("series reconciled",
			"series", r.SeriesKey,
			"masters", r.MasterCount,
			"exceptions", r.ExceptionCount,
			"base_time", r.BaseTime,
			"occurrences", r.OccurrenceCount,
			"truncated", r.Truncated,
		)
	}
}

func errorStrings(errs []error) []string {
	if len(errs) == 0 {
		return nil
	}
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Error()
	}
	return out
}

func (s *Service) publish(snap *Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
}

// Latest returns the most recent snapshot.
func (s *Service) Latest() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, ErrNoSnapshot
	}
	return s.latest, nil
}

// Restore publishes the newest stored snapshot so the API has data before
// the first sync completes.
func (s *Service) Restore(ctx context.Context) error {
	if s.storage == nil {
		return ErrNoSnapshot
	}
	run, err := s.storage.LatestRun(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoSnapshot) {
			return ErrNoSnapshot
		}
		return err
	}
	occ, err := s.storage.Occurrences(ctx, run.ID)
	if err != nil {
		return err
	}
	s.publish(&Snapshot{Run: run, Occurrences: occ})
	appLog.Info("restored snapshot", "run_id", run.ID, "occurrences", len(occ))
	return nil
}

// Start runs SyncOnce on the configured cron schedule until ctx is
// cancelled. It blocks until running jobs have finished.
func (s *Service) Start(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(s.cfg.Location()),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if _, err := c.AddFunc(s.cfg.RefreshCron, func() {
		if _, err := s.SyncOnce(ctx); err != nil {
			appLog.Error("scheduled sync completed with errors", err)
		}
	}); err != nil {
		return fmt.Errorf("refresh schedule %q: %w", s.cfg.RefreshCron, err)
	}

	appLog.Info("scheduler started", "refresh", s.cfg.RefreshCron)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	appLog.Info("scheduler stopped")
	return nil
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
