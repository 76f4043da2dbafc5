/*
Package funbuns is the storage and resume core of the funbuns prime
partition search.

# Overview

Worker processes search, for each prime p, representations p = 2^m + q^n
and hand their results to storage as runs. Storage folds runs into an
ordered sequence of disjoint blocks, verifies the invariants of the block
set and derives the state from which the search continues.

	cfg := config.DefaultStorage("/var/lib/funbuns")
	store, err := funbuns.Open(cfg, funbuns.WithLogger(logger))
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	// Search layer: hand over finished work.
	_, err = store.SubmitRun(ctx, model.RunBatch{Records: records})

	// Orchestration: fold runs into blocks.
	res, err := store.Convert(ctx)

	// Search layer: where to continue.
	s, err := store.RequestResume(ctx)
	if fberrors.NeedsConversion(err) {
	    // convert and retry
	}

# Resume

RequestResume releases the resume sentinel only when no run is pending and
an integrity scan of every block passes. Pending runs fail with
UnintegratedRunsError naming the runs; a failed scan fails with
IntegrityViolationError listing every violation. Neither is ever downgraded
to a warning.

# Layout

	<data>/blocks/pp_b000000_p<max>.blk   block files, contiguous indices
	<data>/runs/<run-id>.run              pending runs
	<data>/resume_sentinel.json           cached resume state (or .db)
	<data>/backup/                        block copies taken by Rebuild

All paths come from config.Storage.Resolve; nothing below the facade builds
paths of its own.
*/
package funbuns
