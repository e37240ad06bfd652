// Package engine implements the reconciliation run: it walks the source
// collection, classifies every item against the registry, drives the
// archive linker and commits one checkpoint per item.
//
// ARCHITECTURE:
//
// A run is a single sequential control flow. There is no intra-run
// parallelism: the source and the archive backend are both rate limited and
// captions must be written in discovery order for the catalog to stay
// monotonic.
//
// Per item:
//  1. Lookup in the registry
//  2. classify.Classify against the fresh listing entry
//  3. Linker.PublishNew or Linker.UpdateExisting
//  4. store.Commit (record, ordinal counter and pending entries in one
//     transaction)
//  5. Catalog.Append when the ordinal is due
//
// Item-level failures (link not found, archive write failed, media or
// remote unavailable) are recorded in the pending table and retried next
// run. Registry persistence failures abort the run.
//
// Cancellation is polled between items. A call in flight finishes or spends
// its own retry budget first.
//
// After the walk, the drift pass applies existence flips observed during the
// walk and, when the walk completed, re-checks every record the walk did not
// see.
package engine
