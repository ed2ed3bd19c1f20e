package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"tgfleet/internal/jobs"
	logx "tgfleet/pkg/logx"
)

// fileStore is a dependency-free persistence backend: the whole job
// collection as one JSON document.
//
// Saves are frequent (after every progress mutation), so the write must be
// crash-safe: the snapshot goes to <path>.tmp first and is moved into place
// with os.Rename. A crash mid-write leaves the previous snapshot intact.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
}

func openFile(cfg Config, log logx.Logger) (jobs.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path}, nil
}

func (s *fileStore) SaveAll(ctx context.Context, all []*jobs.Job) error {
	_ = ctx
	b, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	// One writer at a time; jobs share this store instance.
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Load(ctx context.Context) ([]*jobs.Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	// Unknown fields are tolerated so older binaries can read newer files.
	var all []*jobs.Job
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	return all, nil
}

func (s *fileStore) Close() error { return nil }
