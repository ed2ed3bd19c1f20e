package jobs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tgfleet/internal/executor"
	logx "tgfleet/pkg/logx"
)

type sentMsg struct {
	Target  string
	Message string
}

// fakeExec scripts per-target outcomes; targets without a script succeed.
type fakeExec struct {
	mu     sync.Mutex
	script map[string][]executor.Outcome
	joins  []string
	sent   []sentMsg
	onCall func(target string)
}

func (f *fakeExec) next(target string) executor.Outcome {
	if f.onCall != nil {
		f.onCall(target)
	}
	q := f.script[target]
	if len(q) == 0 {
		return executor.Success()
	}
	out := q[0]
	f.script[target] = q[1:]
	return out
}

func (f *fakeExec) JoinTarget(ctx context.Context, target string) executor.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, target)
	return f.next(target)
}

func (f *fakeExec) SendMessage(ctx context.Context, target, message string) executor.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{Target: target, Message: message})
	return f.next(target)
}

func (f *fakeExec) joinCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.joins {
		if t == target {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, st Store) *Manager {
	t.Helper()
	m := NewManager(Config{}, st, logx.Nop(), nil)
	m.stepDelay = func(min, max time.Duration) time.Duration { return 0 }
	return m
}

func startAndWait(t *testing.T, m *Manager, id string, reg executor.Registry) *Job {
	t.Helper()
	if err := m.Start(context.Background(), id, reg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return waitTerminal(t, m, id)
}

func waitTerminal(t *testing.T, m *Manager, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", id)
	return nil
}

func hasLog(j *Job, level LogLevel, substr string) bool {
	for _, e := range j.Log {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestJoinJobCompletesAllAccounts(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ex1 := &fakeExec{}
	ex2 := &fakeExec{}
	reg := executor.StaticRegistry{"acc1": ex1, "acc2": ex2}

	j, err := m.Create(KindJoin, Params{
		Accounts: []string{"acc1", "acc2"},
		Targets:  []string{"@groupa", "@groupb"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.Status != StatusQueued {
		t.Fatalf("Status = %s, want queued", j.Status)
	}

	got := startAndWait(t, m, j.ID, reg)

	if got.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	if got.Progress.Total != 4 || got.Progress.Completed != 4 || got.Progress.Failed != 0 {
		t.Fatalf("Progress = %+v, want total=4 completed=4 failed=0", got.Progress)
	}
	for _, acc := range []string{"acc1", "acc2"} {
		ap := got.Progress.PerAccount[acc]
		if ap == nil || ap.Completed != 2 || ap.Failed != 0 {
			t.Fatalf("PerAccount[%s] = %+v, want completed=2 failed=0", acc, ap)
		}
	}
	if got.StartedAt == nil || got.CompletedAt == nil || got.CompletedAt.Before(*got.StartedAt) {
		t.Fatalf("timestamps: started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
	if len(ex1.joins) != 2 || len(ex2.joins) != 2 {
		t.Fatalf("join calls = %d/%d, want 2/2", len(ex1.joins), len(ex2.joins))
	}
	// Attempt + success per step, plus the completion summary.
	if len(got.Log) < 9 {
		t.Fatalf("log has %d entries, want >= 9", len(got.Log))
	}
	if !hasLog(got, LogInfo, "Job completed: 4 succeeded, 0 failed") {
		t.Fatalf("missing completion summary in log: %+v", got.Log)
	}
}

func TestBroadcastUsesPerAccountTargets(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ex1 := &fakeExec{}
	ex2 := &fakeExec{}
	reg := executor.StaticRegistry{"acc1": ex1, "acc2": ex2}

	j, err := m.Create(KindBroadcast, Params{
		Accounts: []string{"acc1", "acc2"},
		Targets:  []string{"@fallback"},
		AccountTargets: map[string][]string{
			"acc2": {"@own1", "@own2"},
		},
		Message: "hello there",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := startAndWait(t, m, j.ID, reg)

	if got.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	if got.Progress.Total != 3 || got.Progress.Completed != 3 {
		t.Fatalf("Progress = %+v, want total=3 completed=3", got.Progress)
	}
	if len(ex1.sent) != 1 || ex1.sent[0].Target != "@fallback" || ex1.sent[0].Message != "hello there" {
		t.Fatalf("acc1 sent = %+v", ex1.sent)
	}
	if len(ex2.sent) != 2 || ex2.sent[0].Target != "@own1" || ex2.sent[1].Target != "@own2" {
		t.Fatalf("acc2 sent = %+v", ex2.sent)
	}
}

func TestStepFailureRecordedJobStillCompletes(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ex := &fakeExec{script: map[string][]executor.Outcome{
		"@bad": {executor.Failure("boom")},
	}}
	reg := executor.StaticRegistry{"acc1": ex}

	j, err := m.Create(KindJoin, Params{
		Accounts: []string{"acc1"},
		Targets:  []string{"@good", "@bad"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := startAndWait(t, m, j.ID, reg)

	if got.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed (per-step failures are data)", got.Status)
	}
	if got.Progress.Completed != 1 || got.Progress.Failed != 1 {
		t.Fatalf("Progress = %+v, want completed=1 failed=1", got.Progress)
	}
	ap := got.Progress.PerAccount["acc1"]
	if ap == nil || ap.Completed != 1 || ap.Failed != 1 {
		t.Fatalf("PerAccount = %+v", ap)
	}
	if !hasLog(got, LogError, "Failed on @bad: boom") {
		t.Fatalf("missing failure entry in log: %+v", got.Log)
	}
	if !hasLog(got, LogInfo, "Job completed: 1 succeeded, 1 failed") {
		t.Fatalf("missing summary in log: %+v", got.Log)
	}
}

func TestFloodWaitsThenRetriesExactlyOnce(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)

	var mu sync.Mutex
	var slept []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	}

	ex := &fakeExec{script: map[string][]executor.Outcome{
		"@flooded": {executor.Flood(5 * time.Second), executor.Success()},
	}}
	reg := executor.StaticRegistry{"acc1": ex}

	j, err := m.Create(KindJoin, Params{
		Accounts: []string{"acc1"},
		Targets:  []string{"@flooded"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := startAndWait(t, m, j.ID, reg)

	if got.Status != StatusCompleted || got.Progress.Completed != 1 || got.Progress.Failed != 0 {
		t.Fatalf("job = %s %+v, want completed with 1/0", got.Status, got.Progress)
	}
	if n := ex.joinCount("@flooded"); n != 2 {
		t.Fatalf("join attempts = %d, want 2 (original + one retry)", n)
	}
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, d := range slept {
		if d == 5*time.Second {
			found = true
		}
	}
	if !found {
		t.Fatalf("imposed 5s wait was not honored; slept %v", slept)
	}
	if !hasLog(got, LogWarning, "Flood control on @flooded: waiting 5s") {
		t.Fatalf("missing flood warning in log: %+v", got.Log)
	}
}

func TestFloodOnRetryCountsAsSingleFailure(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	ex := &fakeExec{script: map[string][]executor.Outcome{
		"@stuck": {executor.Flood(time.Second), executor.Flood(time.Minute)},
	}}
	reg := executor.StaticRegistry{"acc1": ex}

	j, err := m.Create(KindJoin, Params{
		Accounts: []string{"acc1"},
		Targets:  []string{"@stuck", "@fine"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := startAndWait(t, m, j.ID, reg)

	if got.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	// No second retry: the flood outcome of the retry is the step's failure.
	if n := ex.joinCount("@stuck"); n != 2 {
		t.Fatalf("join attempts = %d, want 2", n)
	}
	if got.Progress.Completed != 1 || got.Progress.Failed != 1 {
		t.Fatalf("Progress = %+v, want completed=1 failed=1", got.Progress)
	}
}

func TestCancelStopsProgress(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	// Keep the real ctx-aware sleep: Cancel must interrupt the pending delay.
	m.sleep = sleepCtx
	m.stepDelay = func(min, max time.Duration) time.Duration { return time.Hour }

	firstDone := make(chan struct{})
	var once sync.Once
	ex := &fakeExec{onCall: func(string) { once.Do(func() { close(firstDone) }) }}
	reg := executor.StaticRegistry{"acc1": ex}

	j, err := m.Create(KindJoin, Params{
		Accounts: []string{"acc1"},
		Targets:  []string{"@first", "@second", "@third"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Start(context.Background(), j.ID, reg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-firstDone
	if err := m.Cancel(j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := waitTerminal(t, m, j.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("Status = %s, want cancelled", got.Status)
	}
	if !hasLog(got, LogWarning, "Job cancelled by user") {
		t.Fatalf("missing cancellation marker in log: %+v", got.Log)
	}
	if got.Progress.Completed+got.Progress.Failed >= got.Progress.Total {
		t.Fatalf("progress %+v, want fewer than total steps executed", got.Progress)
	}

	// The runner must unwind and leave the registry.
	deadline := time.Now().Add(time.Second)
	for m.RunningCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := m.RunningCount(); n != 0 {
		t.Fatalf("RunningCount = %d after cancel", n)
	}
	done := len(ex.joins)
	time.Sleep(10 * time.Millisecond)
	if len(ex.joins) != done {
		t.Fatalf("executor still being called after cancel")
	}
}

func TestUnboundAccountIsSkipped(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ex := &fakeExec{}
	reg := executor.StaticRegistry{"acc1": ex}

	j, err := m.Create(KindJoin, Params{
		Accounts: []string{"acc1", "ghost"},
		Targets:  []string{"@a", "@b"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := startAndWait(t, m, j.ID, reg)

	if got.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", got.Status)
	}
	if got.Progress.Total != 4 || got.Progress.Completed != 2 || got.Progress.Failed != 0 {
		t.Fatalf("Progress = %+v, want total=4 completed=2 failed=0", got.Progress)
	}
	if !hasLog(got, LogWarning, "Skipping ghost: not connected") {
		t.Fatalf("missing skip entry in log: %+v", got.Log)
	}
	if _, ok := got.Progress.PerAccount["ghost"]; ok {
		t.Fatalf("skipped account must not get a progress entry")
	}
}

func TestProgressInvariantUnderMixedOutcomes(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	ex := &fakeExec{script: map[string][]executor.Outcome{
		"@denied":  {executor.PermissionDenied("no rights")},
		"@gone":    {executor.InvalidTarget("username not found")},
		"@already": {executor.AlreadyMember()},
	}}
	reg := executor.StaticRegistry{"acc1": ex}

	j, err := m.Create(KindJoin, Params{
		Accounts: []string{"acc1"},
		Targets:  []string{"@denied", "@gone", "@already", "@fresh"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got := startAndWait(t, m, j.ID, reg)

	// AlreadyMember counts as completed, the two refusals as failed.
	if got.Progress.Completed != 2 || got.Progress.Failed != 2 {
		t.Fatalf("Progress = %+v, want completed=2 failed=2", got.Progress)
	}
	if got.Progress.Completed+got.Progress.Failed > got.Progress.Total {
		t.Fatalf("invariant violated: %+v", got.Progress)
	}
}
