package jobs

import (
	"context"
	"fmt"

	"tgfleet/internal/executor"
)

// strategy specializes the shared account/target loop per job kind. Adding
// a kind means adding an entry here, not branching in the runner.
type strategy struct {
	// phase is the per-account status label while that account is worked.
	phase   string
	attempt func(target string) string
	success func(target string) string
	invoke  func(ctx context.Context, ex executor.Executor, p Params, target string) executor.Outcome
}

var strategies = map[Kind]strategy{
	KindJoin: {
		phase:   "joining",
		attempt: func(t string) string { return fmt.Sprintf("Joining %s...", t) },
		success: func(t string) string { return fmt.Sprintf("Joined %s", t) },
		invoke: func(ctx context.Context, ex executor.Executor, _ Params, t string) executor.Outcome {
			return ex.JoinTarget(ctx, t)
		},
	},
	KindBroadcast: {
		phase:   "broadcasting",
		attempt: func(t string) string { return fmt.Sprintf("Sending to %s...", t) },
		success: func(t string) string { return fmt.Sprintf("Message sent to %s", t) },
		invoke: func(ctx context.Context, ex executor.Executor, p Params, t string) executor.Outcome {
			return ex.SendMessage(ctx, t, p.Message)
		},
	},
}
