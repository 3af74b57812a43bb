package usagelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const spoolSchema = `
CREATE TABLE IF NOT EXISTS spooled_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sink       TEXT NOT NULL,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_spooled_entries_sink ON spooled_entries(sink, id);
`

// Spool keeps entries a sink rejected so they can be replayed later.
type Spool struct {
	db *sql.DB
}

// SpooledEntry is one stored entry.
type SpooledEntry struct {
	ID       int64
	Sink     string
	Entry    Entry
	Attempts int
	Created  time.Time
}

// OpenSpool opens or creates the spool database at path.
func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure spool: %w", err)
	}
	if _, err := db.Exec(spoolSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create spool schema: %w", err)
	}
	return &Spool{db: db}, nil
}

// Save stores an entry destined for sink.
func (s *Spool) Save(ctx context.Context, sink string, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal spooled entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spooled_entries (sink, payload, created_at) VALUES (?, ?, ?)`,
		sink, payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert spooled entry: %w", err)
	}
	return nil
}

// Pending returns up to limit entries, oldest first.
func (s *Spool) Pending(ctx context.Context, limit int) ([]SpooledEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sink, payload, created_at, attempts FROM spooled_entries ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query spool: %w", err)
	}
	defer rows.Close()

	var out []SpooledEntry
	for rows.Next() {
		var (
			se      SpooledEntry
			payload []byte
			created int64
		)
		if err := rows.Scan(&se.ID, &se.Sink, &payload, &created, &se.Attempts); err != nil {
			return nil, fmt.Errorf("scan spooled entry: %w", err)
		}
		if err := json.Unmarshal(payload, &se.Entry); err != nil {
			return nil, fmt.Errorf("decode spooled entry %d: %w", se.ID, err)
		}
		se.Created = time.UnixMilli(created)
		out = append(out, se)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *Spool) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool: %w", err)
	}
	return n, nil
}

// ReplayResult summarises a replay run.
type ReplayResult struct {
	Sent    int
	Failed  int
	Skipped int
}

// Replay resends stored entries through the named sinks. Delivered entries
// are removed; failed ones stay with their attempt count raised. Entries
// for sinks not in the map are skipped.
func (s *Spool) Replay(ctx context.Context, sinks map[string]Sink, batch int) (ReplayResult, error) {
	var res ReplayResult

	entries, err := s.Pending(ctx, batch)
	if err != nil {
		return res, err
	}

	for _, se := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sink, ok := sinks[se.Sink]
		if !ok {
			res.Skipped++
			continue
		}
		if err := sink.Send(ctx, se.Entry); err != nil {
			res.Failed++
			if _, err := s.db.ExecContext(ctx, `UPDATE spooled_entries SET attempts = attempts + 1 WHERE id = ?`, se.ID); err != nil {
				return res, fmt.Errorf("update spooled entry %d: %w", se.ID, err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM spooled_entries WHERE id = ?`, se.ID); err != nil {
			return res, fmt.Errorf("delete spooled entry %d: %w", se.ID, err)
		}
		res.Sent++
	}
	return res, nil
}

// Close closes the database.
func (s *Spool) Close() error {
	return s.db.Close()
}
