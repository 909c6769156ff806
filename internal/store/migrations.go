package store

func (s *Store) runMigrations() error {
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id VARCHAR NOT NULL PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		source_count INTEGER NOT NULL DEFAULT 0,
		occurrence_count INTEGER NOT NULL DEFAULT 0,
		truncated_series TEXT NOT NULL DEFAULT '',
		errors TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS occurrences (
		run_id VARCHAR NOT NULL,
		seq INTEGER NOT NULL,
		series_key VARCHAR NOT NULL,
		source_id VARCHAR NOT NULL,
		instance_key VARCHAR NOT NULL,
		subject TEXT NOT NULL,
		location TEXT NOT NULL,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		kind VARCHAR NOT NULL,
		PRIMARY KEY (run_id, seq),
		FOREIGN KEY (run_id) REFERENCES sync_runs (id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS occurrences_series ON occurrences (run_id, series_key)`,
}
