package indexer

import (
	"sync"
	"time"
)

// IndexCatalogStats is the final statistics delivered through a build's
// promise on success.
type IndexCatalogStats struct {
	NumIndexesBefore int
	NumIndexesAfter  int
}

// buildResult is what the one-shot promise carries: either stats, or an
// error. Exactly one of the two is meaningful.
type buildResult struct {
	stats IndexCatalogStats
	err   error
}

// IndexBuildFuture is a single-producer multi-consumer one-shot value: a
// shared handle any number of joiners can wait on. It tolerates being
// fulfilled with an error on a path where no joiner is ever present
// (Get is simply never called).
type IndexBuildFuture struct {
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	result buildResult
}

func newIndexBuildFuture() *IndexBuildFuture {
	return &IndexBuildFuture{done: make(chan struct{})}
}

// fulfill delivers the final result to every current and future joiner.
// Calling it more than once is a no-op; the first call wins, matching
// the promise's one-shot contract.
func (f *IndexBuildFuture) fulfill(stats IndexCatalogStats, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.result = buildResult{stats: stats, err: err}
		f.mu.Unlock()
		close(f.done)
	})
}

// Ready reports whether the future has already been fulfilled, without
// blocking.
func (f *IndexBuildFuture) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the build finishes and returns its outcome, or
// returns early with an interrupted error if stopCh fires first (a nil
// stopCh never fires). The build's own
// error, if any, is returned as the second value — Get itself never
// fails just because the build failed.
func (f *IndexBuildFuture) Get(stopCh <-chan struct{}) (IndexCatalogStats, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.result.stats, f.result.err
	case <-stopCh:
		return IndexCatalogStats{}, errInterrupted(nil)
	}
}

// buildStateRecord is the per-build mutable record described in spec.md
// §3. Every field below the mutex line is guarded by mu and signaled
// through cond; readers outside the driver/arbitrator must take mu.
type buildStateRecord struct {
	buildID      BuildID
	collectionID CollectionID
	dbName       DBName

	specs      []IndexSpec
	indexNames []string

	protocol     IndexProtocol
	commitQuorum *CommitQuorum

	replSetAndNotPrimaryAtStart bool

	// recoveryMode is set only by the Recovery Path; it selects
	// startBuildingIndexForRecovery over startBuildingIndex in SCAN,
	// the one respect in which recovery runs "a variant of the phase
	// machine" (spec.md §4.5).
	recoveryMode bool

	numIndexesBefore int
	numIndexesAfter  int

	mu   sync.Mutex
	cond *sync.Cond

	isCommitReady          bool
	commitTs               int64 // zero means "not yet chosen"
	aborted                bool
	abortTs                int64
	abortReason            string
	interruptedForShutdown bool

	future *IndexBuildFuture
}

func newBuildStateRecord(buildID BuildID, collectionID CollectionID, dbName DBName,
	specs []IndexSpec, protocol IndexProtocol, opts IndexBuildOptions) *buildStateRecord {

	r := &buildStateRecord{
		buildID:                     buildID,
		collectionID:                collectionID,
		dbName:                      dbName,
		specs:                       specs,
		indexNames:                  indexNames(specs),
		protocol:                    protocol,
		commitQuorum:                opts.CommitQuorum,
		replSetAndNotPrimaryAtStart: opts.ReplSetAndNotPrimaryAtStart,
		future:                      newIndexBuildFuture(),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// setCommitReady implements commitIndexBuild's signaling half: set
// isCommitReady, stamp commitTimestamp, broadcast. The caller asserts
// the timestamp is nonzero when it represents a replicated value; a
// node choosing its own (ghost) timestamp passes the value it chose.
func (r *buildStateRecord) setCommitReady(ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aborted {
		// commitIndexBuild loses races against an already-aborted build.
		return
	}
	if r.isCommitReady {
		return // idempotent
	}
	r.isCommitReady = true
	r.commitTs = ts
	r.cond.Broadcast()
}

// setAborted implements the abort half shared by
// abortIndexBuildByBuildUUID, abortCollectionIndexBuilds,
// abortDatabaseIndexBuilds, and onRollback. Idempotent: the first abort
// wins, matching commitIndexBuild/abortIndexBuild mutual exclusion.
func (r *buildStateRecord) setAborted(ts int64, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isCommitReady || r.aborted {
		return
	}
	r.aborted = true
	r.abortTs = ts
	r.abortReason = reason
	r.cond.Broadcast()
}

// markInterruptedForShutdown flags the build as resumable and wakes any
// waiter without deciding commit or abort; the phase machine's shutdown
// path reads this flag to choose its suppression-exempt behavior.
func (r *buildStateRecord) markInterruptedForShutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interruptedForShutdown = true
	r.cond.Broadcast()
}

// snapshotSignal returns a consistent view of the signaling fields
// under the record's mutex, for callers (predicates, dump) that must
// not race the driver.
type signalSnapshot struct {
	isCommitReady          bool
	commitTs               int64
	aborted                bool
	abortTs                int64
	abortReason            string
	interruptedForShutdown bool
}

func (r *buildStateRecord) snapshotSignal() signalSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return signalSnapshot{
		isCommitReady:          r.isCommitReady,
		commitTs:               r.commitTs,
		aborted:                r.aborted,
		abortTs:                r.abortTs,
		abortReason:            r.abortReason,
		interruptedForShutdown: r.interruptedForShutdown,
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
