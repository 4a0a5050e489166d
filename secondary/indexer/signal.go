package indexer

// awaitSignal is the Signal Arbitrator (spec.md §4.4): it waits on the
// per-record condition variable under the per-record mutex with
// predicate isCommitReady || aborted || interruptedForShutdown. The
// caller has already released the collection lock before reaching this
// point (driveBuild's WAIT phase acquires no collection lock); the
// global intent lock is conceptually still held by the caller so the
// collection cannot be dropped underneath, but this package does not
// itself model lock objects (spec.md §1).
func (c *Coordinator) awaitSignal(rec *buildStateRecord) (signalSnapshot, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	for !rec.isCommitReady && !rec.aborted && !rec.interruptedForShutdown {
		rec.cond.Wait()
	}

	if rec.interruptedForShutdown && !rec.isCommitReady && !rec.aborted {
		return signalSnapshot{interruptedForShutdown: true}, errInterrupted(rec.buildID)
	}

	return signalSnapshot{
		isCommitReady: rec.isCommitReady,
		commitTs:      rec.commitTs,
		aborted:       rec.aborted,
		abortTs:       rec.abortTs,
		abortReason:   rec.abortReason,
	}, nil
}
