package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"meetrecon/internal/config"
	"meetrecon/internal/ics"
	appLog "meetrecon/internal/log"
	"meetrecon/internal/model"
	"meetrecon/internal/store"
	"meetrecon/internal/syncer"
	"meetrecon/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	dump       bool
}

func main() {
	flags := parseFlags()
	os.Exit(run(flags))
}

func run(flags flagConfig) int {
	appLog.Info("meetrecon starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		return 1
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		return 1
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"backfill_days", conf.BackfillDays,
		"max_occurrences", conf.MaxOccurrences,
		"workers", conf.Workers,
		"source_count", len(conf.Sources),
		"once", flags.once,
		"dump", flags.dump,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := os.MkdirAll(filepath.Dir(conf.StorePath), 0o700); err != nil {
		appLog.Error("failed to create store directory", err, "path", conf.StorePath)
		return 1
	}
	st, err := store.Open(conf.StorePath)
	if err != nil {
		appLog.Error("failed to open store", err, "path", conf.StorePath)
		return 1
	}
	defer st.Close()

	svc := syncer.New(conf, ics.NewFetcher(conf.CacheDir), st)
	if err := svc.Restore(ctx); err != nil && !errors.Is(err, syncer.ErrNoSnapshot) {
		appLog.Error("failed to restore snapshot", err)
	}

	snap, err := svc.SyncOnce(ctx)
	if err != nil {
		appLog.Error("initial sync completed with errors", err)
	}
	if flags.dump && snap != nil {
		if err := dumpOccurrences(os.Stdout, snap.Occurrences); err != nil {
			appLog.Error("dump failed", err)
		}
	}
	if flags.once {
		if snap == nil {
			return 1
		}
		appLog.Info("meetrecon exiting", "mode", "once")
		return 0
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Start(ctx); err != nil {
			appLog.Error("scheduler failed", err)
			cancel()
		}
	}()

	srv := &http.Server{
		Addr:              conf.Listen,
		Handler:           web.NewServer(conf, svc).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLog.Error("http shutdown failed", err)
		}
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
	code := 0
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		appLog.Error("http server failed", err)
		code = 1
		cancel()
	}

	wg.Wait()
	appLog.Info("meetrecon exiting")
	return code
}

// dumpOccurrences writes occurrences as indented JSON.
func dumpOccurrences(w io.Writer, occ []model.Occurrence) error {
	type row struct {
		SeriesKey   string    `json:"series_key"`
		SourceID    string    `json:"source_id"`
		InstanceKey string    `json:"instance_key"`
		Subject     string    `json:"subject"`
		Location    string    `json:"location,omitempty"`
		Kind        string    `json:"kind"`
		Start       time.Time `json:"start"`
		End         time.Time `json:"end"`
	}
	rows := make([]row, 0, len(occ))
	for _, o := range occ {
		rows = append(rows, row{
			SeriesKey:   o.SeriesKey,
			SourceID:    o.SourceID,
			InstanceKey: o.InstanceKey,
			Subject:     o.Subject,
			Location:    o.Location,
			Kind:        o.Kind.String(),
			Start:       o.Start,
			End:         o.End,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/meetrecon/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync and exit")
	flag.BoolVar(&cfg.dump, "dump", false, "Print the first sync's occurrences as JSON to stdout")

	flag.Parse()

	return cfg
}
