package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"batchq/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *sqliteStore) SaveRun(ctx context.Context, rec RunRecord) (err error) {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("run id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(id, queue, status, started_ms, finished_ms, successful, failed, cancelled)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   queue=excluded.queue, status=excluded.status,
		   started_ms=excluded.started_ms, finished_ms=excluded.finished_ms,
		   successful=excluded.successful, failed=excluded.failed, cancelled=excluded.cancelled`,
		rec.ID, rec.Queue, rec.Status, rec.StartedAt.UnixMilli(), rec.FinishedAt.UnixMilli(),
		rec.Successful, rec.Failed, rec.Cancelled,
	)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM run_items WHERE run_id = ?`, rec.ID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_items(run_id, seq, item_id, label, status, err, duration_ms) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, it := range rec.Items {
		if _, err = stmt.ExecContext(ctx, rec.ID, i, it.ID, nullStr(it.Label), it.Status, nullStr(it.Error), it.DurationMS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	q := `SELECT id, queue, status, started_ms, finished_ms, successful, failed, cancelled
	      FROM runs ORDER BY started_ms DESC, id`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// items are loaded after the cursor is closed; the pool has one conn
	for i := range out {
		items, err := s.loadItems(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Items = items
	}
	return out, nil
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	if s == nil || s.db == nil {
		return RunRecord{}, false, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, queue, status, started_ms, finished_ms, successful, failed, cancelled FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	rec.Items, err = s.loadItems(ctx, id)
	if err != nil {
		return RunRecord{}, false, err
	}
	return rec, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRecord, error) {
	var (
		rec                 RunRecord
		startedMS, finishMS int64
	)
	if err := sc.Scan(&rec.ID, &rec.Queue, &rec.Status, &startedMS, &finishMS, &rec.Successful, &rec.Failed, &rec.Cancelled); err != nil {
		return RunRecord{}, err
	}
	rec.StartedAt = time.UnixMilli(startedMS)
	rec.FinishedAt = time.UnixMilli(finishMS)
	return rec, nil
}

func (s *sqliteStore) loadItems(ctx context.Context, runID string) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, label, status, err, duration_ms FROM run_items WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ItemRecord
	for rows.Next() {
		var (
			it         ItemRecord
			label, msg sql.NullString
		)
		if err := rows.Scan(&it.ID, &label, &it.Status, &msg, &it.DurationMS); err != nil {
			return nil, err
		}
		it.Label = label.String
		it.Error = msg.String
		out = append(out, it)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
