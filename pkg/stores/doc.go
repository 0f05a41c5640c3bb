// Package stores provides the durable journal for deck: plans, runs, step
// results and the CLI event log, persisted in SQLite.
//
// The store implements the executor's Journal interface, which is what makes
// resume work across process restarts: idempotency keys of already-applied
// steps survive in step_results and are skipped on the next run of the same
// plan. The schema is managed with embedded golang-migrate migrations and the
// database runs in WAL mode, so concurrent runs of independent plans can
// journal without blocking each other.
package stores

import "github.com/opendeck/deck/pkg/engine"

var _ engine.Journal = (*SQLiteStore)(nil)
