package indexer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunSetupShortCircuitsWhenAllSpecsAlreadyExist(t *testing.T) {
	catalog := newFakeCatalog("test.coll", "by_email")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()

	c := newTestCoordinator(catalog, manager, observer, repl)

	specs := []IndexSpec{{Name: "by_email"}}
	result, err := c.runSetup(NewBuildID(), NewBuildID(), "db", specs, SinglePhase, IndexBuildOptions{})
	require.NoError(t, err)
	require.Nil(t, result.rec, "an already-satisfied setup registers no build")
	require.True(t, result.future.Ready())

	stats, err := result.future.Get(make(chan struct{}))
	require.NoError(t, err)
	require.Equal(t, stats.NumIndexesBefore, stats.NumIndexesAfter)
}

func TestRunSetupRejectsUniqueIndexIncompatibleWithShardKey(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	catalog.collection.ShardKeyPattern = map[string]interface{}{"region": 1}
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()

	c := newTestCoordinator(catalog, manager, observer, repl)

	specs := []IndexSpec{{Name: "by_email", Unique: true, Keys: map[string]interface{}{"email": 1}}}
	_, err := c.runSetup(NewBuildID(), NewBuildID(), "db", specs, SinglePhase, IndexBuildOptions{})
	require.Error(t, err)

	idxErr, ok := err.(Error)
	require.True(t, ok)
	require.Equal(t, ERROR_CANNOT_CREATE_INDEX, idxErr.Code())
}

func TestRunSetupShortCircuitsOnConstraintRelaxedEquivalent(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	manager.setUpErr = NewSpecInvalidError(nil, "conflicting options for existing index")
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()
	repl.relaxConstraints = true

	c := newTestCoordinator(catalog, manager, observer, repl)

	specs := []IndexSpec{{Name: "by_email"}}
	result, err := c.runSetup(NewBuildID(), NewBuildID(), "db", specs, SinglePhase, IndexBuildOptions{})
	require.NoError(t, err)
	require.Nil(t, result.rec, "a constraint-relaxed equivalent short-circuits like already-exists")
	require.True(t, result.future.Ready())
}

func TestRunSetupPropagatesSpecInvalidWhenConstraintsNotRelaxed(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	manager.setUpErr = NewSpecInvalidError(nil, "conflicting options for existing index")
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord() // relaxConstraints left false

	c := newTestCoordinator(catalog, manager, observer, repl)

	specs := []IndexSpec{{Name: "by_email"}}
	_, err := c.runSetup(NewBuildID(), NewBuildID(), "db", specs, SinglePhase, IndexBuildOptions{})
	require.Error(t, err)
}

func TestRunSetupRegistersAndReturnsUnreadyFuture(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()

	c := newTestCoordinator(catalog, manager, observer, repl)

	specs := []IndexSpec{{Name: "by_email"}}
	result, err := c.runSetup(NewBuildID(), NewBuildID(), "db", specs, TwoPhase, IndexBuildOptions{})
	require.NoError(t, err)
	require.NotNil(t, result.rec)
	require.False(t, result.future.Ready())
	require.Equal(t, 1, observer.started, "two-phase setup on a write-accepting node logs startIndexBuild")
}
