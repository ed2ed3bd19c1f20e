// Package executor defines the boundary between the job engine and the
// transport that actually talks to Telegram.
//
// One Executor wraps one authenticated account session. The engine never
// sees transport errors directly: every operation returns an Outcome, a
// closed set of results the engine knows how to book-keep (success,
// already-member, permission denied, invalid target, flood wait, failure).
package executor
