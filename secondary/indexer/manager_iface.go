package indexer

// IndexBuildsManager is the low-level index builder consumed by this
// package (spec.md §6). It scans the collection, sorts keys, and writes
// leaf pages; the coordinator never does any of that itself. Callbacks
// onEachSpec and onCommit are invoked inside the manager's own
// write-unit-of-work and must not block on the registry mutex — the
// driver only ever calls them from outside any registry lock.
type IndexBuildsManager interface {
	SetUpIndexBuild(buildID BuildID, collectionID CollectionID, specs []IndexSpec) error
	StartBuildingIndex(buildID BuildID) error
	StartBuildingIndexForRecovery(buildID BuildID, specs []IndexSpec) error

	// DrainBackgroundWrites applies writes accumulated in the side
	// table since the previous drain pass. yieldPolicy controls how
	// often the pass releases its lock to waiters (spec.md §4.3).
	DrainBackgroundWrites(buildID BuildID, readSource ReadSource, yieldPolicy YieldPolicy) error

	CheckIndexConstraintViolations(buildID BuildID) error

	// CommitIndexBuild invokes onEachSpec once per spec and then
	// onCommit, all inside one write-unit-of-work.
	CommitIndexBuild(buildID BuildID, onEachSpec func(IndexSpec) error, onCommit func() error) error

	TearDownIndexBuild(buildID BuildID, onCleanup func() error) error

	// AbortIndexBuild and InterruptIndexBuild are best-effort: the
	// builder may not have registered with the manager yet, in which
	// case these are no-ops (spec.md §4.1 abortIndexBuildByBuildUUID).
	AbortIndexBuild(buildID BuildID, reason string) error
	InterruptIndexBuild(buildID BuildID, reason string) error

	IsBackgroundBuilding(buildID BuildID) bool

	// RecoveryScanStats reports the record count and data size the
	// manager observed while rebuilding buildID; it is meaningful only
	// after RunRecovery's phase machine has reached COMMIT.
	RecoveryScanStats(buildID BuildID) (numRecords, dataSize int64)
}

// ReadSource selects which snapshot a drain pass reads from.
type ReadSource int

const (
	ReadSourceNoOverlap ReadSource = iota
	ReadSourceLastApplied
)

// YieldPolicy controls how often a drain pass releases its locks.
type YieldPolicy struct {
	YieldInterval int // milliseconds
}
