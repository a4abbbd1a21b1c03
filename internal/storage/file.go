package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"batchq/pkg/logx"
)

// fileStore keeps run history without a database.
//
// Files:
//   - <prefix>.runs.jsonl (append-only JSON Lines, last record per ID wins)
//
// The journal is replayed into memory on open and compacted when it holds
// many superseded records.
type fileStore struct {
	log  logx.Logger
	path string

	mu      sync.Mutex
	f       *os.File
	runs    map[string]RunRecord
	written int // lines in the journal, including superseded ones
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journal := filepath.Join(dir, base+".runs.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	runs := map[string]RunRecord{}
	n, err := replayRuns(journal, runs)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run journal replay incomplete", logx.String("path", journal), logx.Err(err))
	}

	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store opened", logx.String("path", journal), logx.Int("runs", len(runs)))
	return &fileStore{log: log, path: journal, f: f, runs: runs, written: n}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) SaveRun(ctx context.Context, rec RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(rec); err != nil {
		return err
	}
	s.runs[rec.ID] = rec
	s.written++

	if s.written > 2*len(s.runs)+64 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]RunRecord, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	closed := s.f == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return RunRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return RunRecord{}, false, ErrClosed
	}
	r, ok := s.runs[id]
	return r, ok, nil
}

// compactLocked rewrites the journal with one line per run.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.runs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return err
	}
	s.f = nf
	s.written = len(s.runs)
	return nil
}

func replayRuns(path string, out map[string]RunRecord) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			// skip torn or foreign lines
			continue
		}
		out[r.ID] = r
		n++
	}
	return n, sc.Err()
}
