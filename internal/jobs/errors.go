package jobs

import "errors"

var (
	ErrNotFound    = errors.New("job not found")
	ErrNotQueued   = errors.New("job is not queued")
	ErrUnknownKind = errors.New("unknown job kind")
)
