package indexer

import (
	"sync"

	"github.com/couchbase/idxbuild/secondary/common"
)

// fakeCatalog is an in-memory CollectionCatalog sufficient to drive
// setup and the build driver in tests, grounded on the same
// map-of-namespaces shape the teacher's in-memory test doubles use.
type fakeCatalog struct {
	mu         sync.Mutex
	collection CollectionInfo
	committed  []IndexSpec
	rolledBack []IndexSpec
}

func newFakeCatalog(namespace string, existing ...string) *fakeCatalog {
	existingSet := make(map[string]bool, len(existing))
	for _, n := range existing {
		existingSet[n] = true
	}
	return &fakeCatalog{
		collection: CollectionInfo{
			Namespace:       namespace,
			ExistingIndexes: existingSet,
			InFlightIndexes: make(map[string]bool),
		},
	}
}

func (c *fakeCatalog) LoadCollection(CollectionID) (CollectionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collection, true
}

func (c *fakeCatalog) CommitCatalogEntry(_ CollectionID, specs []IndexSpec, _ int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, specs...)
	return nil
}

func (c *fakeCatalog) RollbackCatalogEntry(_ CollectionID, specs []IndexSpec, _ int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolledBack = append(c.rolledBack, specs...)
	return nil
}

func (c *fakeCatalog) DropUnfinishedIndexes(CollectionID, []IndexSpec) error { return nil }

// fakeManager is an in-memory IndexBuildsManager. constraintViolation, if
// set, is returned once from CheckIndexConstraintViolations.
type fakeManager struct {
	mu                  sync.Mutex
	constraintViolation error
	setUpErr            error
	startErr            error
	interrupted         map[BuildID]string
}

func newFakeManager() *fakeManager {
	return &fakeManager{interrupted: make(map[BuildID]string)}
}

func (m *fakeManager) SetUpIndexBuild(BuildID, CollectionID, []IndexSpec) error     { return m.setUpErr }
func (m *fakeManager) StartBuildingIndex(BuildID) error                             { return m.startErr }
func (m *fakeManager) StartBuildingIndexForRecovery(BuildID, []IndexSpec) error     { return m.startErr }
func (m *fakeManager) DrainBackgroundWrites(BuildID, ReadSource, YieldPolicy) error { return nil }

func (m *fakeManager) CheckIndexConstraintViolations(BuildID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.constraintViolation
	m.constraintViolation = nil
	return err
}

func (m *fakeManager) CommitIndexBuild(buildID BuildID, onEachSpec func(IndexSpec) error, onCommit func() error) error {
	return onCommit()
}

func (m *fakeManager) TearDownIndexBuild(_ BuildID, onCleanup func() error) error {
	return onCleanup()
}

func (m *fakeManager) AbortIndexBuild(BuildID, string) error { return nil }

func (m *fakeManager) InterruptIndexBuild(buildID BuildID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted[buildID] = reason
	return nil
}

func (m *fakeManager) IsBackgroundBuilding(BuildID) bool { return true }

func (m *fakeManager) RecoveryScanStats(BuildID) (int64, int64) { return 0, 0 }

// fakeOpObserver records every call it receives.
type fakeOpObserver struct {
	mu      sync.Mutex
	started int
	commits int
	aborts  int
}

func (o *fakeOpObserver) OnStartIndexBuild(BuildID, CollectionID, string, []IndexSpec) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
	return nil
}

func (o *fakeOpObserver) OnCommitIndexBuild(BuildID, CollectionID, string, []IndexSpec, int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commits++
	return nil
}

func (o *fakeOpObserver) OnAbortIndexBuild(BuildID, CollectionID, string, error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.aborts++
	return nil
}

// fakeReplCoord is a ReplicationCoordinator stub; acceptsWrites defaults
// to true (single-node primary behavior).
type fakeReplCoord struct {
	acceptsWrites    bool
	usingReplSets    bool
	relaxConstraints bool
}

func newFakeReplCoord() *fakeReplCoord {
	return &fakeReplCoord{acceptsWrites: true, usingReplSets: true}
}

func (r *fakeReplCoord) CanAcceptWritesFor(string) bool { return r.acceptsWrites }
func (r *fakeReplCoord) UsingReplSets() bool            { return r.usingReplSets }
func (r *fakeReplCoord) ShouldRelaxIndexConstraints(string) bool {
	return r.relaxConstraints
}

func testConfig() common.Config {
	return common.SystemConfig.Clone()
}
