package indexer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRecord(collectionID CollectionID, dbName DBName, names ...string) *buildStateRecord {
	specs := make([]IndexSpec, len(names))
	for i, n := range names {
		specs[i] = IndexSpec{Name: n}
	}
	return newBuildStateRecord(NewBuildID(), collectionID, dbName, specs, TwoPhase, IndexBuildOptions{})
}

func TestRegisterRejectsCollidingIndexName(t *testing.T) {
	reg := newRegistry()
	collectionID := NewBuildID()

	first := newTestRecord(collectionID, "db", "by_email")
	_, err := reg.register(first)
	require.NoError(t, err)

	second := newTestRecord(collectionID, "db", "by_email")
	_, err = reg.register(second)
	require.Error(t, err)

	idxErr, ok := err.(Error)
	require.True(t, ok)
	require.Equal(t, ERROR_INDEX_BUILD_ALREADY_IN_PROGRESS, idxErr.Code())
}

func TestRegisterAllowsDisjointNamesOnSameCollection(t *testing.T) {
	reg := newRegistry()
	collectionID := NewBuildID()

	first := newTestRecord(collectionID, "db", "by_email")
	_, err := reg.register(first)
	require.NoError(t, err)

	second := newTestRecord(collectionID, "db", "by_ssn")
	_, err = reg.register(second)
	require.NoError(t, err)

	require.Equal(t, 2, reg.numInProgForCollection(collectionID))
}

func TestRegisterReportsAbortedCollisionDistinctly(t *testing.T) {
	reg := newRegistry()
	collectionID := NewBuildID()

	first := newTestRecord(collectionID, "db", "by_email")
	_, err := reg.register(first)
	require.NoError(t, err)
	first.setAborted(nowMillis(), "manual abort")

	second := newTestRecord(collectionID, "db", "by_email")
	_, err = reg.register(second)
	require.Error(t, err)

	idxErr, ok := err.(Error)
	require.True(t, ok)
	require.Equal(t, ERROR_INDEX_BUILD_ABORTED, idxErr.Code())
}

func TestScopedCollectionBlockerDeniesRegistrationUntilClosed(t *testing.T) {
	reg := newRegistry()
	collectionID := NewBuildID()

	blocker := newScopedCollectionBlocker(reg, collectionID)

	rec := newTestRecord(collectionID, "db", "by_email")
	_, err := reg.register(rec)
	require.Error(t, err)
	idxErr, ok := err.(Error)
	require.True(t, ok)
	require.Equal(t, ERROR_CANNOT_CREATE_INDEX, idxErr.Code())

	blocker.Close()
	blocker.Close() // idempotent

	_, err = reg.register(rec)
	require.NoError(t, err)
}

func TestUnregisterErasesTrackerAtZero(t *testing.T) {
	reg := newRegistry()
	collectionID := NewBuildID()

	rec := newTestRecord(collectionID, "db", "by_email")
	_, err := reg.register(rec)
	require.NoError(t, err)
	require.False(t, reg.isEmpty())

	reg.unregister(rec)
	require.True(t, reg.isEmpty())
}

func TestCollectionTrackerAwaitEmptyUnblocksOnLastRemove(t *testing.T) {
	reg := newRegistry()
	collectionID := NewBuildID()

	rec := newTestRecord(collectionID, "db", "by_email")
	_, err := reg.register(rec)
	require.NoError(t, err)

	tracker := reg.collectionHandle(collectionID)
	require.NotNil(t, tracker)

	done := make(chan struct{})
	go func() {
		tracker.awaitEmpty()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("awaitEmpty returned before the last build was removed")
	case <-time.After(20 * time.Millisecond):
	}

	reg.unregister(rec)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("awaitEmpty never unblocked after the tracker emptied")
	}
}
