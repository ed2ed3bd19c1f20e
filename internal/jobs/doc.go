// Package jobs is the background job engine: long-running multi-step
// operations (join a set of groups, broadcast a message) executed across a
// fleet of independent account sessions.
//
// Model
//
// A Job records what was requested, aggregate and per-account progress, and
// an append-only log. The Manager owns the job collection, persists every
// committed mutation through a Store, and runs each started job on its own
// goroutine (the runner). Within one job, accounts and targets are processed
// strictly sequentially with a randomized inter-step delay; this is a
// deliberate rate-limiting choice, not a missed optimization.
//
// Durability
//
// The Manager persists the whole collection after every state change, so a
// crash loses at most the last in-flight step. Jobs found in the running
// state at restore time are marked failed: their runner died with the
// process.
//
// Cancellation
//
// Cancel is cooperative. The Manager flips the job to cancelled and cancels
// the runner's context; the runner observes this at the next iteration
// boundary. An operation already dispatched to an executor is allowed to
// resolve so the remote side is never left mid-operation without a recorded
// outcome.
package jobs
