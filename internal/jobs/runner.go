package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"tgfleet/internal/executor"
	"tgfleet/internal/observability/metrics"
	logx "tgfleet/pkg/logx"
)

// runner drives one job to a terminal state on its own goroutine. Accounts
// and their targets are processed strictly sequentially; concurrency exists
// only across jobs.
type runner struct {
	m      *Manager
	id     string
	kind   Kind
	params Params // immutable after Create, safe to read without locks
	reg    executor.Registry
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	start time.Time
}

func (r *runner) run() {
	defer r.m.wg.Done()
	defer r.m.release(r.id)
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in job runner", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			r.fail(fmt.Sprintf("panic: %v", rec))
		}
	}()

	r.start = time.Now()
	r.log.Info("job runner started", logx.Int("accounts", len(r.params.Accounts)))

	if err := r.execute(strategies[r.kind]); err != nil {
		// Orchestration-level failure (typically persistence): per-step
		// errors never reach here, they are recorded as progress.
		r.log.Error("job runner aborted", logx.Err(err))
		r.fail(err.Error())
	}
}

// cancelled is the cooperative checkpoint. Status is checked-not-owned: the
// Manager may have flipped it to cancelled from another goroutine, so it is
// re-read every time rather than cached.
func (r *runner) cancelled() bool {
	if r.ctx.Err() != nil {
		return true
	}
	return r.m.statusOf(r.id) == StatusCancelled
}

func (r *runner) execute(st strategy) error {
	p := r.params

	total := 0
	for _, account := range p.Accounts {
		total += len(p.targetsFor(account))
	}
	if err := r.commit(func(j *Job) { j.Progress.Total = total }); err != nil {
		return err
	}

	stopped := false

accounts:
	for _, account := range p.Accounts {
		if r.cancelled() {
			stopped = true
			if err := r.logCancelled(); err != nil {
				return err
			}
			break
		}

		ex, ok := r.reg.Lookup(account)
		if !ok {
			r.log.Warn("account not connected; skipping", logx.String("account", account))
			if err := r.commit(func(j *Job) {
				j.appendLog(LogWarning, account, fmt.Sprintf("Skipping %s: not connected", account))
			}); err != nil {
				return err
			}
			continue
		}

		targets := p.targetsFor(account)
		if err := r.commit(func(j *Job) {
			ap := j.accountProgress(account, len(targets))
			ap.Status = st.phase
			j.Progress.Current = fmt.Sprintf("Processing %s...", account)
		}); err != nil {
			return err
		}

		for i, target := range targets {
			if r.cancelled() {
				stopped = true
				if err := r.logCancelled(); err != nil {
					return err
				}
				break accounts
			}

			if err := r.commit(func(j *Job) {
				j.accountProgress(account, len(targets)).CurrentTarget = target
				j.appendLog(LogInfo, account, st.attempt(target))
			}); err != nil {
				return err
			}

			out := st.invoke(r.ctx, ex, p, target)

			if out.Kind == executor.KindFlood {
				wait := out.RetryAfter
				r.log.Warn("flood control", logx.String("account", account), logx.String("target", target), logx.Duration("wait", wait))
				if err := r.commit(func(j *Job) {
					j.appendLog(LogWarning, account, fmt.Sprintf("Flood control on %s: waiting %s before retry", target, wait))
				}); err != nil {
					return err
				}
				if r.m.sleep(r.ctx, wait) == nil {
					// Exactly one retry after the imposed wait; its own
					// outcome is recorded below like any first attempt.
					out = st.invoke(r.ctx, ex, p, target)
				} else {
					// Cancelled mid-wait. The step still has to be
					// represented exactly once, so book the flood as its
					// failure before stopping.
					stopped = true
					if err := r.recordOutcome(st, account, target, out); err != nil {
						return err
					}
					if err := r.logCancelled(); err != nil {
						return err
					}
					break accounts
				}
			}

			if err := r.recordOutcome(st, account, target, out); err != nil {
				return err
			}

			if i < len(targets)-1 {
				d := r.m.stepDelay(p.MinDelay, p.MaxDelay)
				if d > 0 {
					// An interrupted delay falls through to the checkpoint
					// at the top of the loop.
					_ = r.m.sleep(r.ctx, d)
				}
			}
		}
	}

	if stopped {
		// Terminal bookkeeping for cancellation happened in Manager.Cancel;
		// a shutdown leaves the job running and restart repair picks it up.
		r.log.Info("job runner stopped early", logx.Duration("dur", time.Since(r.start)))
		return nil
	}
	return r.complete()
}

func (r *runner) recordOutcome(st strategy, account, target string, out executor.Outcome) error {
	metrics.JobSteps.WithLabelValues(string(r.kind), string(out.Kind)).Inc()
	if out.OK() {
		msg := st.success(target)
		if out.Kind == executor.KindAlreadyMember {
			msg = fmt.Sprintf("%s (%s)", msg, out.Message)
		}
		return r.commit(func(j *Job) {
			j.appendLog(LogSuccess, account, msg)
			j.Progress.Completed++
			j.accountProgress(account, 0).Completed++
		})
	}
	return r.commit(func(j *Job) {
		j.appendLog(LogError, account, fmt.Sprintf("Failed on %s: %s", target, out.Message))
		j.Progress.Failed++
		j.accountProgress(account, 0).Failed++
	})
}

// logCancelled appends the cancellation marker once, only for a real user
// cancel (not a process shutdown).
func (r *runner) logCancelled() error {
	if r.m.statusOf(r.id) != StatusCancelled {
		return nil
	}
	return r.commit(func(j *Job) {
		j.appendLog(LogWarning, "", "Job cancelled by user")
	})
}

func (r *runner) complete() error {
	var ev Event
	err := r.commit(func(j *Job) {
		// Cancel may have won the race since the last checkpoint; terminal
		// states are never overwritten.
		if j.Status != StatusRunning {
			return
		}
		now := time.Now()
		j.Status = StatusCompleted
		j.CompletedAt = &now
		j.Progress.Current = ""
		j.appendLog(LogInfo, "", fmt.Sprintf("Job completed: %d succeeded, %d failed", j.Progress.Completed, j.Progress.Failed))
		ev = Event{ID: j.ID, Kind: j.Kind, Status: j.Status, Completed: j.Progress.Completed, Failed: j.Progress.Failed}
	})
	if err != nil {
		return err
	}
	if ev.ID != "" {
		dur := time.Since(r.start)
		metrics.JobsFinished.WithLabelValues(string(r.kind), string(StatusCompleted)).Inc()
		metrics.JobDuration.WithLabelValues(string(r.kind)).Observe(dur.Seconds())
		if ev.Failed > 0 {
			r.log.Warn("job finished with failures", logx.Int("completed", ev.Completed), logx.Int("failed", ev.Failed), logx.Duration("dur", dur))
		} else {
			r.log.Info("job finished", logx.Int("completed", ev.Completed), logx.Duration("dur", dur))
		}
		r.m.publish("job.finished", ev)
	}
	return nil
}

// fail is the catch-all terminal transition for errors escaping the
// execution loop. Best-effort: a persist failure here is only logged.
func (r *runner) fail(msg string) {
	var ev Event
	err := r.m.commit(r.id, func(j *Job) {
		if j.Status.Terminal() {
			return
		}
		now := time.Now()
		j.Status = StatusFailed
		j.Error = msg
		j.CompletedAt = &now
		j.appendLog(LogError, "", fmt.Sprintf("Job failed: %s", msg))
		ev = Event{ID: j.ID, Kind: j.Kind, Status: j.Status, Completed: j.Progress.Completed, Failed: j.Progress.Failed, Error: msg}
	})
	if err != nil {
		r.log.Error("persist of failed state lost", logx.Err(err))
	}
	if ev.ID != "" {
		metrics.JobsFinished.WithLabelValues(string(r.kind), string(StatusFailed)).Inc()
		metrics.JobDuration.WithLabelValues(string(r.kind)).Observe(time.Since(r.start).Seconds())
		r.m.publish("job.failed", ev)
	}
}

func (r *runner) commit(fn func(*Job)) error {
	return r.m.commit(r.id, fn)
}
