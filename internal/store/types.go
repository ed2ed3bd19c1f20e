package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures job persistence.
//
// Driver values:
//   - "file": whole-collection JSON snapshot with atomic replace
//   - "sqlite": SQLite database file, one row per job
//
// If Driver is empty or "none", storage is disabled and jobs live only in
// memory.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
