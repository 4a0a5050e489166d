package indexer

import "github.com/couchbase/idxbuild/secondary/logging"

// buildPhase names the states of the phase machine (spec.md §4.3).
type buildPhase int

const (
	phaseScan buildPhase = iota
	phaseDrain1
	phaseDrain2
	phaseWait // two-phase only
	phaseDrain3
	phaseCommit
	phaseDone
)

func (p buildPhase) String() string {
	switch p {
	case phaseScan:
		return "SCAN"
	case phaseDrain1:
		return "DRAIN-1"
	case phaseDrain2:
		return "DRAIN-2"
	case phaseWait:
		return "WAIT"
	case phaseDrain3:
		return "DRAIN-3"
	case phaseCommit:
		return "COMMIT"
	default:
		return "DONE"
	}
}

// driverOutcome distinguishes why driveBuild stopped early.
type driverOutcome int

const (
	outcomeContinue driverOutcome = iota
	outcomeAbort
	outcomeShutdown
)

// checkSuspension is polled at every suspension point (spec.md §4.3,
// §5 "Cancellation and timeout"). When suppressed is true (the
// two-phase secondary critical section, spec.md §9), only process
// shutdown is observable; an abort signal racing in is deferred to the
// WAIT step, matching the held pre-abort status tie-break.
func (c *Coordinator) checkSuspension(rec *buildStateRecord, suppressed bool) (driverOutcome, error) {
	select {
	case <-c.shutdownCh:
		return outcomeShutdown, errInterrupted(rec.buildID)
	default:
	}
	if suppressed {
		return outcomeContinue, nil
	}
	sig := rec.snapshotSignal()
	if sig.aborted {
		return outcomeAbort, errRollback(rec.buildID, sig.abortReason)
	}
	return outcomeContinue, nil
}

// runDriver drives rec through the phase machine to completion and
// always performs cleanup exactly once, fulfilling the promise exactly
// once (spec.md §8 "After any path through the phase machine").
func (c *Coordinator) runDriver(rec *buildStateRecord) {
	suppressed := rec.protocol == TwoPhase && rec.replSetAndNotPrimaryAtStart

	stats, commitTs, abortTs, err := c.driveBuild(rec, suppressed)
	c.cleanup(rec, stats, commitTs, abortTs, err)
}

// driveBuild implements SCAN -> DRAIN-1 -> DRAIN-2 -> [WAIT] -> DRAIN-3
// -> COMMIT exactly as laid out in spec.md §4.3, including the
// secondary held-error tie-break and the single-phase WAIT skip.
func (c *Coordinator) driveBuild(rec *buildStateRecord, suppressed bool) (stats IndexCatalogStats, commitTs int64, abortTs int64, err error) {

	isSecondary := suppressed // two-phase + replSetAndNotPrimaryAtStart
	var heldErr error         // pre-abort status held across WAIT on the secondary path

	phase := phaseScan
	for phase != phaseDone {
		if outcome, cause := c.checkSuspension(rec, suppressed); outcome != outcomeContinue {
			switch outcome {
			case outcomeShutdown:
				rec.markInterruptedForShutdown()
				if isSecondary {
					// Recovered at next startup; no error surfaces locally.
					return stats, 0, 0, nil
				}
				return stats, 0, 0, cause
			case outcomeAbort:
				sig := rec.snapshotSignal()
				return stats, 0, sig.abortTs, cause
			}
		}

		switch phase {
		case phaseScan:
			logging.Debugf("indexBuilds: %v entering %v", rec.buildID, phase)
			var err error
			if rec.recoveryMode {
				err = c.manager.StartBuildingIndexForRecovery(rec.buildID, rec.specs)
			} else {
				err = c.manager.StartBuildingIndex(rec.buildID)
			}
			if err != nil {
				if isSecondary {
					heldErr = err
				} else {
					return stats, 0, 0, err
				}
			}
			phase = phaseDrain1

		case phaseDrain1:
			// Collection IS: first apply of side-table writes.
			if err := c.manager.DrainBackgroundWrites(rec.buildID, ReadSourceNoOverlap, c.yieldPolicy()); err != nil {
				if isSecondary {
					heldErr = err
				} else {
					return stats, 0, 0, err
				}
			}
			phase = phaseDrain2

		case phaseDrain2:
			// Collection S: second apply, writers blocked briefly.
			if err := c.manager.DrainBackgroundWrites(rec.buildID, ReadSourceLastApplied, c.yieldPolicy()); err != nil {
				if isSecondary {
					heldErr = err
				} else {
					return stats, 0, 0, err
				}
			}
			if rec.protocol == TwoPhase {
				phase = phaseWait
			} else {
				// Single-phase omits WAIT and commits with a synthesized
				// (ghost) timestamp.
				commitTs = nowMillis()
				phase = phaseDrain3
			}

		case phaseWait:
			// No collection lock held here; global IX only. The arbitrator
			// releases the collection lock before blocking and keeps the
			// global intent lock so the collection cannot be dropped
			// underneath (spec.md §4.4).
			if info, ok := c.catalog.LoadCollection(rec.collectionID); ok && c.replCoord.CanAcceptWritesFor(info.Namespace) {
				if heldErr != nil {
					// Same fatal divergence as the commitIndexBuild-observed
					// branch below: a secondary that failed locally must not
					// self-promote into committing anyway.
					fatal := errFatalInvariant(rec.buildID, wrapAsIdxError(heldErr))
					panic(fatal)
				}
				// This node accepts writes for the namespace: it chooses its
				// own commit timestamp and WAIT is skipped.
				commitTs = nowMillis()
				rec.setCommitReady(commitTs)
				phase = phaseDrain3
				continue
			}

			sig, waitErr := c.awaitSignal(rec)
			if waitErr != nil {
				// Woken by process shutdown while parked in WAIT: resumable
				// on a secondary, surfaced on a primary (spec.md §4.3, §9).
				if isSecondary {
					return stats, 0, 0, nil
				}
				return stats, 0, 0, waitErr
			}
			if sig.aborted {
				if heldErr != nil {
					// abortIndexBuild observed: the held local error is
					// discarded (spec.md §4.3 tie-break).
					heldErr = nil
				}
				return stats, 0, sig.abortTs, errRollback(rec.buildID, sig.abortReason)
			}
			// commitIndexBuild observed.
			if heldErr != nil {
				// Fatal divergence: a secondary that failed locally must not
				// also commit. The node halts (spec.md §4.3, §7).
				fatal := errFatalInvariant(rec.buildID, wrapAsIdxError(heldErr))
				panic(fatal)
			}
			commitTs = sig.commitTs
			phase = phaseDrain3

		case phaseDrain3:
			// Collection X: third apply plus the uniqueness constraint check.
			if err := c.manager.DrainBackgroundWrites(rec.buildID, ReadSourceLastApplied, c.yieldPolicy()); err != nil {
				return stats, 0, 0, err
			}
			if err := c.manager.CheckIndexConstraintViolations(rec.buildID); err != nil {
				return stats, 0, 0, errDuplicateKey(firstIndexName(rec), err)
			}
			phase = phaseCommit

		case phaseCommit:
			info, _ := c.catalog.LoadCollection(rec.collectionID)
			onEachSpec := func(spec IndexSpec) error {
				return c.catalog.CommitCatalogEntry(rec.collectionID, []IndexSpec{spec}, commitTs)
			}
			onCommit := func() error {
				if rec.protocol == TwoPhase && c.replCoord.CanAcceptWritesFor(info.Namespace) {
					return c.opObserver.OnCommitIndexBuild(rec.buildID, rec.collectionID, info.Namespace, rec.specs, commitTs)
				}
				return nil
			}
			if err := c.manager.CommitIndexBuild(rec.buildID, onEachSpec, onCommit); err != nil {
				return stats, commitTs, 0, err
			}
			stats = IndexCatalogStats{
				NumIndexesBefore: rec.numIndexesBefore,
				NumIndexesAfter:  rec.numIndexesBefore + len(rec.indexNames),
			}
			phase = phaseDone
		}
	}

	return stats, commitTs, 0, nil
}

func (c *Coordinator) yieldPolicy() YieldPolicy {
	return YieldPolicy{YieldInterval: c.config.Load()["indexBuilds.drainYieldInterval"].Int()}
}

func firstIndexName(rec *buildStateRecord) string {
	if len(rec.indexNames) == 0 {
		return ""
	}
	return rec.indexNames[0]
}

func wrapAsIdxError(err error) Error {
	if idxErr, ok := err.(Error); ok {
		return idxErr
	}
	return wrapError(ERROR_PANIC, DRIVER, err, "non-coordinator error held across WAIT")
}

// cleanup runs the manager's tearDown hook on every exit path, writes an
// abortIndexBuild log record if a two-phase build failed on a primary,
// unregisters the record, and fulfills the promise exactly once
// (spec.md §4.3 Cleanup).
func (c *Coordinator) cleanup(rec *buildStateRecord, stats IndexCatalogStats, commitTs, abortTs int64, err error) {
	tearDownErr := c.manager.TearDownIndexBuild(rec.buildID, func() error {
		if err != nil {
			info, ok := c.catalog.LoadCollection(rec.collectionID)
			if ok && rec.protocol == TwoPhase && c.replCoord.CanAcceptWritesFor(info.Namespace) {
				if obErr := c.opObserver.OnAbortIndexBuild(rec.buildID, rec.collectionID, info.Namespace, err); obErr != nil {
					logging.Warnf("indexBuilds: %v failed writing abortIndexBuild record: %v", rec.buildID, obErr)
				}
			}
			// A null abortTs skips the time-stamp block but the
			// rollback write itself still runs (spec.md §4.3 Cleanup).
			if rbErr := c.catalog.RollbackCatalogEntry(rec.collectionID, rec.specs, abortTs); rbErr != nil {
				logging.Warnf("indexBuilds: %v catalog rollback failed: %v", rec.buildID, rbErr)
			}
		}
		return nil
	})
	if tearDownErr != nil {
		logging.Warnf("indexBuilds: %v tearDownIndexBuild failed: %v", rec.buildID, tearDownErr)
	}

	c.registry.unregister(rec)
	c.metrics.observeEnd(rec.dbName, err == nil)
	rec.future.fulfill(stats, err)
}
