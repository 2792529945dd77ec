/*
Package storage provides the pluggable persistence abstraction for experiments,
assignments, analysis results, recommendations, daily rollups and trained
models.

# Backends

  - memory: in-process maps, for tests and ephemeral runs
  - badger: BadgerDB (LSM tree + Snappy compression) for a single node
  - postgres: PostgreSQL via lib/pq with embedded migrations, for shared deployments

All backends implement Storage and pass the same conformance suite in
storage/storagetest.

# Write semantics

Experiments are created once and updated only to end them. Analysis results
and recommendations are append-only; the newest row wins when a caller asks
for the latest value. Daily rollups are upserted by (campaign, day).

Assignments are insert-if-absent. When two writers race on the same
(experiment, subject) pair exactly one row is stored and both callers get it
back from InsertAssignment:

	stored, inserted, err := store.InsertAssignment(ctx, candidate)
	if err != nil {
	    return err
	}
	if !inserted {
	    // another request assigned the subject first; stored.Group is final
	}

# Errors

Missing records return an error wrapping experiment.ErrNotFound, so callers
use errors.Is regardless of backend.
*/
package storage
