package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestCoordinator(catalog CollectionCatalog, manager IndexBuildsManager,
	observer OpObserver, replCoord ReplicationCoordinator) *Coordinator {
	return NewCoordinator(testConfig(), catalog, manager, observer, replCoord)
}

func TestStartIndexBuildSingePhaseCommitsWithoutWait(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()

	c := newTestCoordinator(catalog, manager, observer, repl)

	specs := []IndexSpec{{Name: "by_email", Keys: map[string]interface{}{"email": 1}}}
	future, err := c.StartIndexBuild(context.Background(), "db", NewBuildID(), specs, NewBuildID(), SinglePhase, IndexBuildOptions{})
	require.NoError(t, err)

	stats, err := future.Get(make(chan struct{}))
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumIndexesAfter)
	require.Equal(t, 0, observer.started, "single-phase builds never call OnStartIndexBuild")
}

func TestStartIndexBuildTwoPhaseWaitsForCommitSignal(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()
	repl.acceptsWrites = false // force the WAIT branch to actually block

	c := newTestCoordinator(catalog, manager, observer, repl)

	buildID := NewBuildID()
	specs := []IndexSpec{{Name: "by_email"}}
	future, err := c.StartIndexBuild(context.Background(), "db", NewBuildID(), specs, buildID, TwoPhase, IndexBuildOptions{})
	require.NoError(t, err)

	select {
	case <-future.done:
		t.Fatal("two-phase build finished before a commit signal arrived")
	case <-time.After(20 * time.Millisecond):
	}

	c.CommitIndexBuild(specs, buildID, nowMillis())

	stats, err := future.Get(make(chan struct{}))
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumIndexesAfter)
	// This node does not accept writes for the namespace, so the commit
	// arrives from the replication layer and no commitIndexBuild record
	// is written locally.
	require.Equal(t, 0, observer.commits)
}

func TestAbortIndexBuildByBuildUUIDIsIdempotent(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()
	repl.acceptsWrites = false

	c := newTestCoordinator(catalog, manager, observer, repl)

	buildID := NewBuildID()
	specs := []IndexSpec{{Name: "by_email"}}
	future, err := c.StartIndexBuild(context.Background(), "db", NewBuildID(), specs, buildID, TwoPhase, IndexBuildOptions{})
	require.NoError(t, err)

	c.AbortIndexBuildByBuildUUID(buildID, "test abort")
	c.AbortIndexBuildByBuildUUID(buildID, "second abort call should be a no-op")

	_, err = future.Get(make(chan struct{}))
	require.Error(t, err)
	// This node does not accept writes for the namespace, so it never
	// originates an abortIndexBuild log record itself (spec.md §4.3
	// Cleanup: only a primary's local failure does that).
	require.Equal(t, 0, observer.aborts)
	require.NotEmpty(t, catalog.rolledBack)
}

func TestAbortAfterCommitIsANoOp(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()
	repl.acceptsWrites = false

	c := newTestCoordinator(catalog, manager, observer, repl)

	buildID := NewBuildID()
	specs := []IndexSpec{{Name: "by_email"}}
	future, err := c.StartIndexBuild(context.Background(), "db", NewBuildID(), specs, buildID, TwoPhase, IndexBuildOptions{})
	require.NoError(t, err)

	c.CommitIndexBuild(specs, buildID, nowMillis())
	_, err = future.Get(make(chan struct{}))
	require.NoError(t, err)

	// The record is already unregistered post-commit; abort must be a
	// harmless no-op rather than panic on a stale lookup.
	c.AbortIndexBuildByBuildUUID(buildID, "too late")
	require.Equal(t, 0, observer.aborts)
}

func TestSupportsTwoPhaseIndexBuildGatesOnAllowSinglePhaseAndReplSets(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()

	config := testConfig()
	config.SetValue("indexBuilds.allowSinglePhase", true)
	c := NewCoordinator(config, catalog, manager, observer, repl)
	require.False(t, c.SupportsTwoPhaseIndexBuild(), "allowSinglePhase still set: cluster has not finished upgrading")

	config.SetValue("indexBuilds.allowSinglePhase", false)
	c = NewCoordinator(config, catalog, manager, observer, repl)
	require.True(t, c.SupportsTwoPhaseIndexBuild())

	repl.usingReplSets = false
	c = NewCoordinator(config, catalog, manager, observer, repl)
	require.False(t, c.SupportsTwoPhaseIndexBuild(), "two-phase needs a replica set to wait on")
}

func TestScopedCollectionBlockerRequiredForAbortCollectionIndexBuilds(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()

	c := newTestCoordinator(catalog, manager, observer, repl)
	collectionID := NewBuildID()

	require.Panics(t, func() {
		c.AbortCollectionIndexBuilds(&ScopedCollectionBlocker{}, collectionID, "no blocker held")
	})
}

func TestAwaitAllBuildsStoppedForShutdownDrainsRegistry(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()
	repl.acceptsWrites = false

	c := newTestCoordinator(catalog, manager, observer, repl)

	specs := []IndexSpec{{Name: "by_email"}}
	_, err := c.StartIndexBuild(context.Background(), "db", NewBuildID(), specs, NewBuildID(), TwoPhase, IndexBuildOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		c.AwaitAllBuildsStoppedForShutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitAllBuildsStoppedForShutdown never returned")
	}

	require.True(t, c.registry.isEmpty())
}
