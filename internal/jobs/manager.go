package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgfleet/internal/eventbus"
	"tgfleet/internal/executor"
	"tgfleet/internal/observability/metrics"
	logx "tgfleet/pkg/logx"
)

// Store is the durable mapping from job id to job state. Implementations
// live in internal/store; a nil Store disables persistence (useful in tests).
//
// SaveAll persists the whole collection as one atomic snapshot; partial
// writes must never be observable after a crash.
type Store interface {
	SaveAll(ctx context.Context, all []*Job) error
	Load(ctx context.Context) ([]*Job, error)
	Close() error
}

// Config carries the engine-level defaults applied when a job's params omit
// delay bounds.
type Config struct {
	DefaultMinDelay time.Duration
	DefaultMaxDelay time.Duration
}

// Manager owns the job collection and the registry of in-flight runners.
type Manager struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store Store

	mu      sync.Mutex
	jobs    map[string]*Job
	order   []string // creation order, significant for List
	runners map[string]*runner

	// persistMu serializes snapshot+write so saves land in mutation order.
	persistMu sync.Mutex

	wg sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand

	// Injection points for tests: sleep and stepDelay default to a
	// ctx-aware timer and a uniform random draw.
	sleep     func(ctx context.Context, d time.Duration) error
	stepDelay func(min, max time.Duration) time.Duration
}

func NewManager(cfg Config, st Store, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   st,
		jobs:    map[string]*Job{},
		runners: map[string]*runner{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	m.sleep = sleepCtx
	m.stepDelay = m.randDelay
	return m
}

// Restore loads the persisted collection. Jobs that were running when the
// process died have no runner anymore; they are repaired to failed so the
// store never claims progress that nobody is making.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	all, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	repaired := 0
	m.persistMu.Lock()
	m.mu.Lock()
	for _, j := range all {
		if j == nil || j.ID == "" {
			continue
		}
		if j.Status == StatusRunning {
			now := time.Now()
			j.Status = StatusFailed
			j.Error = "interrupted by process restart"
			j.CompletedAt = &now
			j.appendLog(LogError, "", "Job interrupted by process restart")
			repaired++
		}
		m.jobs[j.ID] = j
		m.order = append(m.order, j.ID)
	}
	var snap []*Job
	if repaired > 0 {
		snap = m.snapshotLocked()
	}
	n := len(m.jobs)
	m.mu.Unlock()
	if snap != nil {
		if err := m.store.SaveAll(ctx, snap); err != nil {
			m.persistMu.Unlock()
			return fmt.Errorf("restore jobs: %w", err)
		}
	}
	m.persistMu.Unlock()

	m.log.Info("jobs restored", logx.Int("count", n), logx.Int("repaired", repaired))
	return nil
}

// Create builds a job in the queued state, persists it, and returns a
// snapshot. Parameter semantics are not validated here beyond the kind; that
// is the calling surface's concern.
func (m *Manager) Create(kind Kind, p Params) (*Job, error) {
	if _, ok := strategies[kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if p.MinDelay == 0 && p.MaxDelay == 0 {
		p.MinDelay = m.cfg.DefaultMinDelay
		p.MaxDelay = m.cfg.DefaultMaxDelay
	}
	// Inverted bounds are undefined upstream input; clamp instead of crash.
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}

	j := &Job{
		ID:        newJobID(),
		Kind:      kind,
		Status:    StatusQueued,
		Params:    p,
		Progress:  Progress{PerAccount: map[string]*AccountProgress{}},
		CreatedAt: time.Now(),
	}

	m.persistMu.Lock()
	m.mu.Lock()
	m.jobs[j.ID] = j
	m.order = append(m.order, j.ID)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	err := m.saveSnapshot(snap)
	m.persistMu.Unlock()
	if err != nil {
		return nil, err
	}

	m.log.Info("job created", logx.String("job", j.ID), logx.String("kind", string(kind)),
		logx.Int("accounts", len(p.Accounts)), logx.Int("targets", len(p.Targets)))
	m.publish("job.created", Event{ID: j.ID, Kind: j.Kind, Status: j.Status})
	return j.Clone(), nil
}

// Get returns a snapshot of the job, or ErrNotFound.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	if j == nil {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// List returns snapshots in creation order. An empty filter matches all
// statuses. The result is a point-in-time copy, not a live view.
func (m *Manager) List(filter Status) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		j := m.jobs[id]
		if j == nil {
			continue
		}
		if filter != "" && j.Status != filter {
			continue
		}
		out = append(out, j.Clone())
	}
	return out
}

// Start transitions a queued job to running and spawns its runner. The
// runner's context is detached from the caller's so the job survives client
// disconnects; only Cancel and Shutdown stop it.
func (m *Manager) Start(ctx context.Context, id string, reg executor.Registry) error {
	m.persistMu.Lock()
	m.mu.Lock()
	j := m.jobs[id]
	if j == nil {
		m.mu.Unlock()
		m.persistMu.Unlock()
		return ErrNotFound
	}
	if j.Status != StatusQueued {
		st := j.Status
		m.mu.Unlock()
		m.persistMu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotQueued, id, st)
	}
	now := time.Now()
	j.Status = StatusRunning
	j.StartedAt = &now

	runCtx, cancel := context.WithCancel(context.Background())
	r := &runner{
		m:      m,
		id:     id,
		kind:   j.Kind,
		params: j.Params,
		reg:    reg,
		ctx:    runCtx,
		cancel: cancel,
		log:    m.log.With(logx.String("job", id), logx.String("kind", string(j.Kind))),
	}
	m.runners[id] = r
	ev := Event{ID: id, Kind: j.Kind, Status: StatusRunning}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	if err := m.saveSnapshot(snap); err != nil {
		// Not fatal: the runner persists again after its first step.
		m.log.Warn("persist on start failed", logx.String("job", id), logx.Err(err))
	}
	m.persistMu.Unlock()

	m.wg.Add(1)
	go r.run()

	m.publish("job.started", ev)
	return nil
}

// Cancel requests cooperative cancellation of a running job. Unknown ids
// surface ErrNotFound; jobs that are not running are left untouched.
func (m *Manager) Cancel(id string) error {
	m.persistMu.Lock()
	m.mu.Lock()
	j := m.jobs[id]
	if j == nil {
		m.mu.Unlock()
		m.persistMu.Unlock()
		return ErrNotFound
	}
	if j.Status != StatusRunning {
		m.mu.Unlock()
		m.persistMu.Unlock()
		return nil
	}
	now := time.Now()
	j.Status = StatusCancelled
	j.CompletedAt = &now
	r := m.runners[id]
	ev := Event{ID: id, Kind: j.Kind, Status: StatusCancelled, Completed: j.Progress.Completed, Failed: j.Progress.Failed}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	err := m.saveSnapshot(snap)
	m.persistMu.Unlock()

	// The runner observes the status flip at its next checkpoint; cancelling
	// its context additionally interrupts a pending delay. The runner stays
	// registered until it unwinds itself.
	if r != nil {
		r.cancel()
	}
	metrics.JobsFinished.WithLabelValues(string(ev.Kind), string(StatusCancelled)).Inc()
	m.log.Info("job cancelled", logx.String("job", id))
	m.publish("job.cancelled", ev)
	return err
}

// ClearCompletedLogs empties the log of every terminal job and reports how
// many entries were dropped. Progress and the job records themselves are
// kept.
func (m *Manager) ClearCompletedLogs() (int, error) {
	m.persistMu.Lock()
	m.mu.Lock()
	cleared := 0
	for _, j := range m.jobs {
		if j.Status.Terminal() && len(j.Log) > 0 {
			cleared += len(j.Log)
			j.Log = nil
		}
	}
	var snap []*Job
	if cleared > 0 {
		snap = m.snapshotLocked()
	}
	m.mu.Unlock()
	var err error
	if snap != nil {
		err = m.saveSnapshot(snap)
	}
	m.persistMu.Unlock()
	return cleared, err
}

// ClearLogsBefore drops log entries of terminal jobs that finished before
// the cutoff. Used by the maintenance schedule.
func (m *Manager) ClearLogsBefore(cutoff time.Time) (int, error) {
	m.persistMu.Lock()
	m.mu.Lock()
	cleared := 0
	for _, j := range m.jobs {
		if !j.Status.Terminal() || len(j.Log) == 0 {
			continue
		}
		if j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		cleared += len(j.Log)
		j.Log = nil
	}
	var snap []*Job
	if cleared > 0 {
		snap = m.snapshotLocked()
	}
	m.mu.Unlock()
	var err error
	if snap != nil {
		err = m.saveSnapshot(snap)
	}
	m.persistMu.Unlock()
	return cleared, err
}

// PruneTerminal removes terminal job records older than ttl, then enforces
// keep as an upper bound on terminal records (oldest evicted first). The
// engine itself never deletes jobs; this is the explicit purge entry point
// for the owning layer.
func (m *Manager) PruneTerminal(ttl time.Duration, keep int) (int, error) {
	now := time.Now()
	m.persistMu.Lock()
	m.mu.Lock()

	removed := 0
	drop := func(id string) {
		delete(m.jobs, id)
		for i, oid := range m.order {
			if oid == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		removed++
	}

	if ttl > 0 {
		for id, j := range m.jobs {
			if j.Status.Terminal() && j.CompletedAt != nil && now.Sub(*j.CompletedAt) > ttl {
				drop(id)
			}
		}
	}

	if keep > 0 {
		// Oldest terminal jobs first, in creation order.
		var terminal []string
		for _, id := range m.order {
			if j := m.jobs[id]; j != nil && j.Status.Terminal() {
				terminal = append(terminal, id)
			}
		}
		for i := 0; len(terminal)-i > keep; i++ {
			drop(terminal[i])
		}
	}

	var snap []*Job
	if removed > 0 {
		snap = m.snapshotLocked()
	}
	m.mu.Unlock()
	var err error
	if snap != nil {
		err = m.saveSnapshot(snap)
	}
	m.persistMu.Unlock()
	if removed > 0 {
		m.log.Info("terminal jobs pruned", logx.Int("removed", removed))
	}
	return removed, err
}

// Shutdown cancels all in-flight runners and waits for them to unwind, or
// for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	for _, r := range m.runners {
		r.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningCount reports how many runners are currently registered.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runners)
}

// ---- internal plumbing ----

// commit applies one mutation to the job and persists the whole collection.
// A persist failure is an orchestration-level failure for the caller.
// Persistence deliberately ignores the runner's context: a cancellation must
// not lose the write that records it.
func (m *Manager) commit(id string, fn func(*Job)) error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	m.mu.Lock()
	if j := m.jobs[id]; j != nil {
		fn(j)
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	return m.saveSnapshot(snap)
}

func (m *Manager) statusOf(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j := m.jobs[id]; j != nil {
		return j.Status
	}
	return ""
}

// release removes a runner from the in-flight registry. Only the runner
// itself calls this, on entry into a terminal state; that ownership rule is
// what keeps a completing runner and a concurrent Cancel from racing.
func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.runners, id)
	m.mu.Unlock()
}

func (m *Manager) snapshotLocked() []*Job {
	snap := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		if j := m.jobs[id]; j != nil {
			snap = append(snap, j.Clone())
		}
	}
	return snap
}

func (m *Manager) saveSnapshot(snap []*Job) error {
	if m.store == nil {
		return nil
	}
	return m.store.SaveAll(context.Background(), snap)
}

func (m *Manager) publish(typ string, ev Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// randDelay draws uniformly from [min, max] inclusive. The spread is the
// point: deterministic spacing is easier for the remote side to detect.
func (m *Manager) randDelay(min, max time.Duration) time.Duration {
	if max < min {
		max = min
	}
	if max <= 0 {
		return 0
	}
	if max == min {
		return min
	}
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return min + time.Duration(m.rng.Int63n(int64(max-min)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func newJobID() string {
	u := uuid.New()
	return fmt.Sprintf("job_%x", u[:4])
}
