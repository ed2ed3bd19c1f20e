package jobs

import (
	"time"
)

// Kind selects the execution strategy for a job.
type Kind string

const (
	KindJoin      Kind = "join"
	KindBroadcast Kind = "broadcast"
)

// Status is the job lifecycle state.
//
// Transitions are monotonic: queued -> running -> {completed, failed,
// cancelled}. A job never re-enters queued or running after reaching a
// terminal state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// LogLevel classifies a job log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry is one line of a job's append-only audit trail.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     LogLevel  `json:"level"`
	Account   string    `json:"account,omitempty"`
}

// AccountProgress tracks one account's share of a job. Entries are created
// lazily the first time the runner touches the account.
type AccountProgress struct {
	Completed     int    `json:"completed"`
	Failed        int    `json:"failed"`
	Status        string `json:"status"`
	CurrentTarget string `json:"current_target"`
	TotalTargets  int    `json:"total_targets"`
}

// Progress holds the aggregate counters plus the per-account breakdown.
//
// Invariant: Completed+Failed <= Total at all times, and for every account
// entry Completed+Failed <= TotalTargets.
type Progress struct {
	Total      int                         `json:"total"`
	Completed  int                         `json:"completed"`
	Failed     int                         `json:"failed"`
	Current    string                      `json:"current"`
	PerAccount map[string]*AccountProgress `json:"per_account"`
}

// Params is the kind-specific input of a job. It is immutable once the job
// is created.
//
// For join jobs every account works through Targets. For broadcast jobs an
// account uses AccountTargets[account] when present, falling back to the
// shared Targets list otherwise.
type Params struct {
	Accounts       []string            `json:"accounts"`
	Targets        []string            `json:"targets,omitempty"`
	AccountTargets map[string][]string `json:"account_targets,omitempty"`
	Message        string              `json:"message,omitempty"`
	MinDelay       time.Duration       `json:"min_delay"`
	MaxDelay       time.Duration       `json:"max_delay"`
}

// targetsFor returns the target list the given account must process.
func (p Params) targetsFor(account string) []string {
	if len(p.AccountTargets) > 0 {
		if ts, ok := p.AccountTargets[account]; ok {
			return ts
		}
	}
	return p.Targets
}

// Job is one user-requested multi-account, multi-target operation tracked
// end-to-end. While a job is running its record is mutated only by its
// runner, with one exception: Manager.Cancel may flip Status to cancelled
// from another goroutine, so the runner re-reads Status at every checkpoint
// instead of caching it.
type Job struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Params      Params     `json:"params"`
	Progress    Progress   `json:"progress"`
	Log         []LogEntry `json:"log"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (j *Job) appendLog(level LogLevel, account, message string) {
	j.Log = append(j.Log, LogEntry{
		Timestamp: time.Now(),
		Message:   message,
		Level:     level,
		Account:   account,
	})
}

// accountProgress returns the account's progress entry, creating it on
// first touch.
func (j *Job) accountProgress(account string, totalTargets int) *AccountProgress {
	if j.Progress.PerAccount == nil {
		j.Progress.PerAccount = map[string]*AccountProgress{}
	}
	ap := j.Progress.PerAccount[account]
	if ap == nil {
		ap = &AccountProgress{Status: "starting", TotalTargets: totalTargets}
		j.Progress.PerAccount[account] = ap
	}
	return ap
}

// Clone returns a deep copy safe to hand to callers while the runner keeps
// mutating the original.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Log = append([]LogEntry(nil), j.Log...)
	if j.Progress.PerAccount != nil {
		cp.Progress.PerAccount = make(map[string]*AccountProgress, len(j.Progress.PerAccount))
		for k, v := range j.Progress.PerAccount {
			vc := *v
			cp.Progress.PerAccount[k] = &vc
		}
	}
	cp.Params.Accounts = append([]string(nil), j.Params.Accounts...)
	cp.Params.Targets = append([]string(nil), j.Params.Targets...)
	if j.Params.AccountTargets != nil {
		cp.Params.AccountTargets = make(map[string][]string, len(j.Params.AccountTargets))
		for k, v := range j.Params.AccountTargets {
			cp.Params.AccountTargets[k] = append([]string(nil), v...)
		}
	}
	return &cp
}

// Event is published on the bus for job lifecycle transitions.
type Event struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Status    Status `json:"status"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}
