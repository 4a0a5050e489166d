package indexer

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/couchbase/idxbuild/secondary/common"
	"github.com/couchbase/idxbuild/secondary/logging"
)

// Coordinator is the single authoritative entrypoint for starting,
// joining, committing, and aborting an index build (spec.md §1). It
// mediates between local physical index construction (via
// IndexBuildsManager), replication of build progress (via OpObserver /
// ReplicationCoordinator), and the registry's namespace invariants.
type Coordinator struct {
	config common.ConfigHolder

	registry *registry
	catalog  CollectionCatalog
	manager  IndexBuildsManager

	opObserver OpObserver
	replCoord  ReplicationCoordinator

	metrics *metricsSet

	// buildSlots bounds how many driver goroutines run concurrently on
	// this node, per indexBuilds.maxConcurrentBuilds.
	buildSlots *semaphore.Weighted

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewCoordinator wires a Coordinator to its external collaborators.
// config is loaded exactly the way the teacher's service managers load
// theirs, via a ConfigHolder snapshot stored once at construction.
func NewCoordinator(config common.Config, catalog CollectionCatalog, manager IndexBuildsManager,
	opObserver OpObserver, replCoord ReplicationCoordinator) *Coordinator {

	maxConcurrent := config["indexBuilds.maxConcurrentBuilds"].Int()

	c := &Coordinator{
		registry:   newRegistry(),
		catalog:    catalog,
		manager:    manager,
		opObserver: opObserver,
		replCoord:  replCoord,
		metrics:    newMetricsSet(),
		buildSlots: semaphore.NewWeighted(int64(maxConcurrent)),
		shutdownCh: make(chan struct{}),
	}
	c.config.Store(config)

	logging.Infof("indexBuilds: coordinator initialized, maxConcurrentBuilds=%v", maxConcurrent)

	return c
}

// SupportsTwoPhaseIndexBuild reports whether this node may run TwoPhase
// builds (original_source's supportsTwoPhaseIndexBuild): false while
// indexBuilds.allowSinglePhase is set, and false when the node is not in
// a replica set, since two-phase needs one to have anything to wait on.
// StartIndexBuild does not consult it; it runs whatever protocol its
// caller passes.
func (c *Coordinator) SupportsTwoPhaseIndexBuild() bool {
	if c.config.Load()["indexBuilds.allowSinglePhase"].Bool() {
		return false
	}
	return c.replCoord.UsingReplSets()
}

// StartIndexBuild runs setup synchronously, then takes a build slot and
// starts the build driver on a goroutine of its own, and returns a
// shared future. On the already-satisfied short-circuit, no record is
// registered and the returned future is immediately ready.
func (c *Coordinator) StartIndexBuild(ctx context.Context, dbName DBName, collectionID CollectionID,
	specs []IndexSpec, buildID BuildID, protocol IndexProtocol, opts IndexBuildOptions) (*IndexBuildFuture, error) {

	result, err := c.runSetup(buildID, collectionID, dbName, specs, protocol, opts)
	if err != nil {
		return nil, err
	}

	if result.rec == nil {
		// Already-satisfied: nothing to drive.
		return result.future, nil
	}

	c.metrics.observeStart(dbName)

	if err := c.buildSlots.Acquire(ctx, 1); err != nil {
		c.failAndUnregister(result.rec, errInterrupted(buildID))
		return result.future, nil
	}

	go func() {
		defer c.buildSlots.Release(1)
		c.runDriver(result.rec)
	}()

	return result.future, nil
}

func (c *Coordinator) failAndUnregister(rec *buildStateRecord, err error) {
	c.registry.unregister(rec)
	c.metrics.observeEnd(rec.dbName, false)
	rec.future.fulfill(IndexCatalogStats{}, err)
}

// JoinIndexBuild waits on the build's promise. If the build id is
// unknown, the build already finished before the caller joined and this
// returns quietly (spec.md §4.1).
func (c *Coordinator) JoinIndexBuild(stopCh <-chan struct{}, buildID BuildID) {
	rec := c.registry.lookup(buildID)
	if rec == nil {
		return
	}
	rec.future.Get(stopCh)
}

// CommitIndexBuild is invoked by the replication layer on receipt of a
// commitIndexBuild log record (spec.md §4.1). ts must be nonzero; a
// ghost (self-chosen) timestamp is never delivered through this path —
// only through the driver's own WAIT-skip branch or OnStepUp.
func (c *Coordinator) CommitIndexBuild(specs []IndexSpec, buildID BuildID, ts int64) {
	if ts == 0 {
		panic("indexBuilds: CommitIndexBuild requires a nonzero commit timestamp")
	}
	rec := c.registry.lookup(buildID)
	if rec == nil {
		return
	}
	rec.setCommitReady(ts)
}

// AbortIndexBuildByBuildUUID is best-effort and idempotent (spec.md
// §4.1, §8 round-trip property). It first asks the manager to
// interrupt the underlying builder, which may have no effect if the
// builder has not yet registered.
func (c *Coordinator) AbortIndexBuildByBuildUUID(buildID BuildID, reason string) {
	rec := c.registry.lookup(buildID)
	if rec == nil {
		return
	}
	_ = c.manager.InterruptIndexBuild(buildID, reason)
	rec.setAborted(nowMillis(), reason)
}

// AbortCollectionIndexBuilds asserts the caller currently holds the
// matching Scoped Blocker, signals abort to every build on the
// collection, then waits until the Tracker is empty (spec.md §4.1).
func (c *Coordinator) AbortCollectionIndexBuilds(blocker *ScopedCollectionBlocker, collectionID CollectionID, reason string) {
	if !c.registry.isCollectionBlocked(collectionID) {
		panic("indexBuilds: AbortCollectionIndexBuilds called without a held ScopedCollectionBlocker")
	}
	_ = blocker

	tracker := c.registry.collectionHandle(collectionID)
	for _, rec := range c.registry.buildsForCollection(collectionID) {
		_ = c.manager.InterruptIndexBuild(rec.buildID, reason)
		rec.setAborted(nowMillis(), reason)
	}
	if tracker != nil {
		tracker.awaitEmpty()
	}
}

// AbortDatabaseIndexBuilds is the database-scoped counterpart.
func (c *Coordinator) AbortDatabaseIndexBuilds(blocker *ScopedDatabaseBlocker, dbName DBName, reason string) {
	if !c.registry.isDatabaseBlocked(dbName) {
		panic("indexBuilds: AbortDatabaseIndexBuilds called without a held ScopedDatabaseBlocker")
	}
	_ = blocker

	tracker := c.registry.databaseHandle(dbName)
	for _, rec := range c.registry.buildsForDatabase(dbName) {
		_ = c.manager.InterruptIndexBuild(rec.buildID, reason)
		rec.setAborted(nowMillis(), reason)
	}
	if tracker != nil {
		tracker.awaitEmpty()
	}
}

// OnStepUp marks every active build commit-ready; OnRollback aborts
// every active build with reason "rollback" and a null timestamp.
// Both are idempotent with respect to already-terminal builds
// (spec.md §4.1).
func (c *Coordinator) OnStepUp() {
	for _, rec := range c.registry.allBuilds() {
		rec.setCommitReady(nowMillis())
	}
}

func (c *Coordinator) OnRollback() {
	for _, rec := range c.registry.allBuilds() {
		rec.setAborted(0, "rollback")
	}
}

// AwaitAllBuildsStoppedForShutdown marks every in-flight build
// interrupted-for-shutdown and blocks until the registry is empty, the
// behavior of the original's waitForAllIndexBuildsToStopForShutdown
// (SPEC_FULL.md §5). Callers must ensure no new builds can start
// concurrently — this does not itself install a blocker.
func (c *Coordinator) AwaitAllBuildsStoppedForShutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
	for _, rec := range c.registry.allBuilds() {
		rec.markInterruptedForShutdown()
	}
	for _, rec := range c.registry.allBuilds() {
		// A nil stop channel never fires, so Get waits for the driver's
		// cleanup, which unregisters the record before fulfilling it.
		rec.future.Get(nil)
	}
}

// --- Scoped Blockers ---

func (c *Coordinator) NewScopedCollectionBlocker(collectionID CollectionID) *ScopedCollectionBlocker {
	return newScopedCollectionBlocker(c.registry, collectionID)
}

func (c *Coordinator) NewScopedDatabaseBlocker(dbName DBName) *ScopedDatabaseBlocker {
	return newScopedDatabaseBlocker(c.registry, dbName)
}

// --- Predicates and counters ---

func (c *Coordinator) InProgForCollection(collectionID CollectionID) bool {
	return c.registry.numInProgForCollection(collectionID) > 0
}

func (c *Coordinator) InProgForDB(dbName DBName) bool {
	return c.registry.numInProgForDB(dbName) > 0
}

func (c *Coordinator) NumInProgForDB(dbName DBName) int {
	return c.registry.numInProgForDB(dbName)
}

// AssertNoBgOpInProgForDB panics if any build is in progress for dbName;
// callers use it to enforce that DDL was properly serialized against
// background builds before reaching this point.
func (c *Coordinator) AssertNoBgOpInProgForDB(dbName DBName) {
	if c.InProgForDB(dbName) {
		panic("indexBuilds: background index build in progress for database " + string(dbName))
	}
}

// AwaitNoBgOpInProgForDB blocks until NumInProgForDB(dbName) == 0.
func (c *Coordinator) AwaitNoBgOpInProgForDB(dbName DBName) {
	if t := c.registry.databaseHandle(dbName); t != nil {
		t.awaitEmpty()
	}
}

// Dump returns a diagnostic snapshot of in-progress builds, the façade
// operation backing an admin status page (SPEC_FULL.md §5).
type Dump struct {
	ByBuild      map[BuildID]BuildSummary
	ByCollection map[CollectionID]int
	ByDatabase   map[DBName]int
}

type BuildSummary struct {
	CollectionID CollectionID
	DBName       DBName
	IndexNames   []string
	Protocol     IndexProtocol
	CommitReady  bool
	Aborted      bool
}

func (c *Coordinator) Dump() Dump {
	d := Dump{
		ByBuild:      make(map[BuildID]BuildSummary),
		ByCollection: make(map[CollectionID]int),
		ByDatabase:   make(map[DBName]int),
	}
	for _, rec := range c.registry.allBuilds() {
		sig := rec.snapshotSignal()
		d.ByBuild[rec.buildID] = BuildSummary{
			CollectionID: rec.collectionID,
			DBName:       rec.dbName,
			IndexNames:   rec.indexNames,
			Protocol:     rec.protocol,
			CommitReady:  sig.isCommitReady,
			Aborted:      sig.aborted,
		}
		d.ByCollection[rec.collectionID]++
		d.ByDatabase[rec.dbName]++
	}
	return d
}
