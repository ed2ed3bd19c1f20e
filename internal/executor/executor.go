package executor

import (
	"context"
	"fmt"
	"time"
)

// OutcomeKind classifies the result of a single account operation.
type OutcomeKind string

const (
	// KindSuccess means the operation took effect.
	KindSuccess OutcomeKind = "success"
	// KindAlreadyMember means the account was already in the target group.
	// Callers treat this the same as success.
	KindAlreadyMember OutcomeKind = "already_member"
	// KindPermissionDenied means the remote side refused the operation.
	KindPermissionDenied OutcomeKind = "permission_denied"
	// KindInvalidTarget means the target does not resolve (bad username,
	// expired invite link, deleted group).
	KindInvalidTarget OutcomeKind = "invalid_target"
	// KindFlood means the remote service imposed a mandatory wait before
	// the operation may be retried. RetryAfter carries the wait.
	KindFlood OutcomeKind = "flood"
	// KindFailure is any other operational failure.
	KindFailure OutcomeKind = "failure"
)

// Outcome is the structured result of one operation against one account.
// It is a value, never an error: per-step failures are data, not control flow.
type Outcome struct {
	Kind       OutcomeKind
	RetryAfter time.Duration // set when Kind == KindFlood
	Message    string
}

// OK reports whether the outcome counts as a completed step.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess || o.Kind == KindAlreadyMember
}

func Success() Outcome       { return Outcome{Kind: KindSuccess} }
func AlreadyMember() Outcome { return Outcome{Kind: KindAlreadyMember, Message: "already a member"} }

func Flood(wait time.Duration) Outcome {
	return Outcome{Kind: KindFlood, RetryAfter: wait, Message: fmt.Sprintf("flood control: wait %s", wait)}
}

func PermissionDenied(msg string) Outcome {
	return Outcome{Kind: KindPermissionDenied, Message: msg}
}

func InvalidTarget(msg string) Outcome {
	return Outcome{Kind: KindInvalidTarget, Message: msg}
}

func Failure(format string, args ...any) Outcome {
	return Outcome{Kind: KindFailure, Message: fmt.Sprintf(format, args...)}
}

// Executor performs concrete operations for one bound account session.
// Implementations live at the transport edge (see internal/transport/telegram);
// the job engine only sees Outcomes.
type Executor interface {
	// JoinTarget joins (or verifies membership of) the given group target.
	JoinTarget(ctx context.Context, target string) Outcome
	// SendMessage posts a text message to the given group target.
	SendMessage(ctx context.Context, target, message string) Outcome
}
