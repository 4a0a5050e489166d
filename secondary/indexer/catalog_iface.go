package indexer

// CollectionCatalog is the durable catalog and collection store consumed
// by this package (spec.md §1): it is the sole writer of on-disk index
// state. The coordinator only ever reaches it through write-units-of-work
// it does not itself implement.
type CollectionCatalog interface {
	// LoadCollection returns the live collection's namespace, default
	// collation, shard-key pattern, and existing (or in-flight)
	// index names, or ok=false if the collection id is unknown.
	LoadCollection(collectionID CollectionID) (info CollectionInfo, ok bool)

	// CommitCatalogEntry marks specs ready at commitTs.
	CommitCatalogEntry(collectionID CollectionID, specs []IndexSpec, commitTs int64) error

	// RollbackCatalogEntry removes the unfinished entries the manager
	// wrote during SetUpIndexBuild (Setup Pipeline step 6). abortTs of
	// zero skips the time-stamp block, per spec.md §4.3 Cleanup.
	RollbackCatalogEntry(collectionID CollectionID, specs []IndexSpec, abortTs int64) error

	// DropUnfinishedIndexes is used only by the recovery path: it drops
	// the catalog entries for specs, including ones that never reached
	// ready=true.
	DropUnfinishedIndexes(collectionID CollectionID, specs []IndexSpec) error
}

// CollectionInfo is the subset of catalog state the Setup Pipeline and
// Build Driver need.
type CollectionInfo struct {
	Namespace        string
	DefaultCollation map[string]interface{}
	ShardKeyPattern  map[string]interface{}
	ExistingIndexes  map[string]bool // ready indexes
	InFlightIndexes  map[string]bool // already being built by a not-yet-visible record
}

// ErrIndexAlreadyExists is returned by IndexBuildsManager.SetUpIndexBuild
// (or wrapped by it) when every requested spec already names a ready or
// constraint-relaxed-equivalent index; setup treats this the same as the
// already-satisfied short-circuit (spec.md §4.2 step 7).
var ErrIndexAlreadyExists = newError(ERROR_INDEX_ALREADY_EXISTS, SETUP, "index already exists")
