// Package stats keeps a local request log in sqlite for the admin view.
package stats

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	account_id TEXT NOT NULL,
	model_id TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	err_kind TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
CREATE INDEX IF NOT EXISTS idx_requests_account ON requests(account_id);
`

// Store is the sqlite-backed request log. It satisfies dispatch.Recorder.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "stats").Logger(),
		stop:   make(chan struct{}),
	}, nil
}

// Record inserts one request row. Failures are logged, never fatal.
func (s *Store) Record(accountID, modelID string, statusCode int, durationMillis int64, errKind string) {
	_, err := s.db.Exec(
		`INSERT INTO requests (ts, account_id, model_id, status, duration_ms, err_kind) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().Unix(), accountID, modelID, statusCode, durationMillis, errKind,
	)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to record request")
	}
}

// Totals summarizes the whole log.
type Totals struct {
	Requests   int64   `json:"requests"`
	Errors     int64   `json:"errors"`
	AvgMillis  float64 `json:"avg_duration_ms"`
	RateLimits int64   `json:"rate_limits"`
}

// Totals computes the aggregate counters.
func (s *Store) Totals() (Totals, error) {
	var t Totals
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN err_kind != '' THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(duration_ms), 0),
		       COALESCE(SUM(CASE WHEN err_kind = 'rate_limited' THEN 1 ELSE 0 END), 0)
		FROM requests`)
	if err := row.Scan(&t.Requests, &t.Errors, &t.AvgMillis, &t.RateLimits); err != nil {
		return Totals{}, err
	}
	return t, nil
}

// AccountCount is one account's share of the log.
type AccountCount struct {
	AccountID string `json:"account_id"`
	Requests  int64  `json:"requests"`
	Errors    int64  `json:"errors"`
}

// PerAccount breaks the log down by account.
func (s *Store) PerAccount() ([]AccountCount, error) {
	rows, err := s.db.Query(`
		SELECT account_id,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN err_kind != '' THEN 1 ELSE 0 END), 0)
		FROM requests GROUP BY account_id ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountCount
	for rows.Next() {
		var c AccountCount
		if err := rows.Scan(&c.AccountID, &c.Requests, &c.Errors); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// HourlyCount is one hour bucket of the request series.
type HourlyCount struct {
	Hour     string `json:"hour"`
	Requests int64  `json:"requests"`
}

// Hourly returns per-hour request counts for the last `hours` hours.
func (s *Store) Hourly(hours int) ([]HourlyCount, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()
	rows, err := s.db.Query(`
		SELECT strftime('%Y-%m-%dT%H', ts, 'unixepoch'), COUNT(*)
		FROM requests WHERE ts >= ?
		GROUP BY 1 ORDER BY 1`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyCount
	for rows.Next() {
		var h HourlyCount
		if err := rows.Scan(&h.Hour, &h.Requests); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PruneOlderThan removes rows older than the given number of days.
func (s *Store) PruneOlderThan(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	res, err := s.db.Exec(`DELETE FROM requests WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartPruning launches a background loop that prunes rows older than 30
// days once an hour.
func (s *Store) StartPruning() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				pruned, err := s.PruneOlderThan(30)
				if err != nil {
					s.logger.Warn().Err(err).Msg("failed to prune old stats")
				} else if pruned > 0 {
					s.logger.Debug().Int64("pruned", pruned).Msg("pruned old request rows")
				}
			}
		}
	}()
}

// Close stops pruning and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.db.Close()
}
