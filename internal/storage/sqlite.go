package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"catalert/internal/listing"
	logx "catalert/pkg/logx"

	_ "modernc.org/sqlite"
)

const sqliteDriver = "sqlite"

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap(sqliteDriver, "open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap(sqliteDriver, "open", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrap(sqliteDriver, "migrate", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return wrap(sqliteDriver, "close", s.db.Close())
}

func (s *sqliteStore) LoadCurrent(ctx context.Context) (listing.Snapshot, error) {
	if s == nil || s.db == nil {
		return listing.Snapshot{}, wrap(sqliteDriver, "load", ErrClosed)
	}
	snap := listing.NewSnapshot()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, fields, first_seen, last_seen, notified, notified_at, listed, listed_at, delisted_at FROM animals`)
	if err != nil {
		return listing.Snapshot{}, wrap(sqliteDriver, "load animals", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec                                                   listing.Record
			fields                                                string
			firstSeen, lastSeen, notifiedAt, listedAt, delistedAt int64
			notified, listed                                      int
		)
		if err := rows.Scan(&rec.Key, &fields, &firstSeen, &lastSeen, &notified, &notifiedAt, &listed, &listedAt, &delistedAt); err != nil {
			return listing.Snapshot{}, wrap(sqliteDriver, "load animals", err)
		}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return listing.Snapshot{}, wrap(sqliteDriver, "decode fields "+rec.Key, err)
		}
		rec.FirstSeen = fromNanos(firstSeen)
		rec.LastSeen = fromNanos(lastSeen)
		rec.Notified = notified != 0
		rec.NotifiedAt = fromNanos(notifiedAt)
		rec.Listed = listed != 0
		rec.ListedAt = fromNanos(listedAt)
		rec.DelistedAt = fromNanos(delistedAt)
		snap.Records[rec.Key] = rec
	}
	if err := rows.Err(); err != nil {
		return listing.Snapshot{}, wrap(sqliteDriver, "load animals", err)
	}

	mrows, err := s.db.QueryContext(ctx, `SELECT key, at FROM notify_marks`)
	if err != nil {
		return listing.Snapshot{}, wrap(sqliteDriver, "load marks", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var key string
		var at int64
		if err := mrows.Scan(&key, &at); err != nil {
			return listing.Snapshot{}, wrap(sqliteDriver, "load marks", err)
		}
		snap.Marks[key] = fromNanos(at)
	}
	if err := mrows.Err(); err != nil {
		return listing.Snapshot{}, wrap(sqliteDriver, "load marks", err)
	}

	var committed string
	err = s.db.QueryRowContext(ctx, `SELECT v FROM meta WHERE k = 'committed_at'`).Scan(&committed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return listing.Snapshot{}, wrap(sqliteDriver, "load meta", err)
	default:
		at, perr := time.Parse(time.RFC3339Nano, committed)
		if perr != nil {
			// Informational only; the next commit rewrites it.
			s.log.Warn("invalid committed_at in meta", logx.String("value", committed), logx.Err(perr))
		}
		snap.CommittedAt = at
	}

	return snap.FoldMarks(), nil
}

func (s *sqliteStore) Commit(ctx context.Context, snap listing.Snapshot) (err error) {
	if s == nil || s.db == nil {
		return wrap(sqliteDriver, "commit", ErrClosed)
	}
	committedAt := snap.CommittedAt
	if committedAt.IsZero() {
		committedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(sqliteDriver, "commit begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM animals`); err != nil {
		return wrap(sqliteDriver, "commit clear", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO animals(key, fields, first_seen, last_seen, notified, notified_at, listed, listed_at, delisted_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return wrap(sqliteDriver, "commit prepare", err)
	}
	defer stmt.Close()

	for _, rec := range snap.Sorted() {
		fields, mErr := json.Marshal(rec.Fields)
		if mErr != nil {
			err = mErr
			return wrap(sqliteDriver, "encode fields "+rec.Key, err)
		}
		if _, err = stmt.ExecContext(ctx,
			rec.Key, string(fields), toNanos(rec.FirstSeen), toNanos(rec.LastSeen),
			boolInt(rec.Notified), toNanos(rec.NotifiedAt), boolInt(rec.Listed),
			toNanos(rec.ListedAt), toNanos(rec.DelistedAt),
		); err != nil {
			return wrap(sqliteDriver, "commit insert "+rec.Key, err)
		}
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM notify_marks`); err != nil {
		return wrap(sqliteDriver, "commit marks", err)
	}
	for key, at := range snap.Marks {
		if _, err = tx.ExecContext(ctx, `INSERT INTO notify_marks(key, at) VALUES(?,?)`, key, toNanos(at)); err != nil {
			return wrap(sqliteDriver, "commit marks", err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO meta(k, v) VALUES('committed_at', ?) ON CONFLICT(k) DO UPDATE SET v=excluded.v`,
		committedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return wrap(sqliteDriver, "commit meta", err)
	}

	if err = runCommitHook(sqliteDriver); err != nil {
		return wrap(sqliteDriver, "commit", err)
	}
	if err = tx.Commit(); err != nil {
		return wrap(sqliteDriver, "commit", err)
	}
	s.log.Debug("snapshot committed", logx.Int("records", snap.Len()), logx.Int("marks", len(snap.Marks)))
	return nil
}

func (s *sqliteStore) MarkNotified(ctx context.Context, key string, at time.Time) error {
	if s == nil || s.db == nil {
		return wrap(sqliteDriver, "mark", ErrClosed)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notify_marks(key, at) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET at=MAX(at, excluded.at)`,
		key, toNanos(at),
	)
	return wrap(sqliteDriver, "mark", err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
