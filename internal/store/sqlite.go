package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"tgfleet/internal/jobs"
	logx "tgfleet/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id  TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	doc TEXT NOT NULL
);
`

// sqliteStore keeps one row per job with the full record as a JSON document.
// SaveAll rewrites the table inside one transaction so the on-disk state is
// always a complete snapshot.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (jobs.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) SaveAll(ctx context.Context, all []*jobs.Job) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM jobs"); err != nil {
		return err
	}
	for i, j := range all {
		if j == nil {
			continue
		}
		doc, err := json.Marshal(j)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO jobs(id, seq, doc) VALUES(?,?,?)",
			j.ID, i, string(doc),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context) ([]*jobs.Job, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, "SELECT doc FROM jobs ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []*jobs.Job
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var j jobs.Job
		if err := json.Unmarshal([]byte(doc), &j); err != nil {
			// A single bad row should not take the whole collection down.
			s.log.Warn("skipping undecodable job row", logx.Err(err))
			continue
		}
		all = append(all, &j)
	}
	return all, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
