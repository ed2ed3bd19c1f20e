package executor

// Registry maps account identifiers to their bound executors.
//
// The registry is owned by whoever manages session lifecycles (connect,
// re-auth, disconnect); the job engine only reads it. Accounts missing from
// the registry are treated as not connected and skipped.
type Registry interface {
	Lookup(account string) (Executor, bool)
}

// StaticRegistry is a plain map registry. It is what the app wires at startup
// and what tests use to inject fakes.
type StaticRegistry map[string]Executor

func (r StaticRegistry) Lookup(account string) (Executor, bool) {
	ex, ok := r[account]
	return ex, ok
}
