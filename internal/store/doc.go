// Package store persists the job collection.
//
// Both drivers write whole-collection snapshots: correctness only depends
// on each save being complete and non-corrupted, not on which job's save
// lands last. Incremental persistence would be a performance refinement,
// not a correctness one, at expected job volumes.
package store
