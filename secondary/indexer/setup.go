package indexer

import "github.com/couchbase/idxbuild/secondary/logging"

// setupResult is what the Setup Pipeline hands back to the façade: a
// future that may already be fulfilled (already-satisfied short-circuit)
// and, when a build was actually registered, the record driving it.
type setupResult struct {
	future *IndexBuildFuture
	rec    *buildStateRecord // nil if short-circuited
}

// runSetup executes the Setup Pipeline under the collection exclusive
// lock (spec.md §4.2), in the fixed order the spec mandates. The caller
// (the façade's StartIndexBuild) is assumed to already hold that lock;
// this package does not implement locking primitives itself (spec.md §1).
func (c *Coordinator) runSetup(buildID BuildID, collectionID CollectionID, dbName DBName,
	rawSpecs []IndexSpec, protocol IndexProtocol, opts IndexBuildOptions) (*setupResult, error) {

	// Step 1: load the live collection handle by id.
	info, ok := c.catalog.LoadCollection(collectionID)
	if !ok {
		return nil, errNamespaceNotFound(collectionID)
	}

	// Step 2: apply the collection's default collation where silent.
	specs := applyDefaultCollation(rawSpecs, info.DefaultCollation)

	numBefore := len(info.ExistingIndexes)

	// Step 3: filter out specs already present or already building.
	filtered := make([]IndexSpec, 0, len(specs))
	for _, s := range specs {
		if info.ExistingIndexes[s.Name] || info.InFlightIndexes[s.Name] {
			continue
		}
		filtered = append(filtered, s)
	}
	if len(filtered) == 0 {
		logging.Infof("indexBuilds: setup for %v short-circuits, all specs already satisfied", buildID)
		future := newIndexBuildFuture()
		future.fulfill(IndexCatalogStats{NumIndexesBefore: numBefore, NumIndexesAfter: numBefore}, nil)
		return &setupResult{future: future}, nil
	}

	// Step 4: uniqueness vs shard-key compatibility.
	for _, s := range filtered {
		if s.Unique && !isUniqueCompatibleWithShardKey(s, info.ShardKeyPattern) {
			return nil, errCannotCreateIndex(info.Namespace + ": unique index " + s.Name + " is not shard-key compatible")
		}
	}

	// Step 5: construct and register the Build State Record. The
	// blocker check and the name-conflict rule are both enforced
	// atomically with insertion inside registry.register.
	rec := newBuildStateRecord(buildID, collectionID, dbName, filtered, protocol, opts)
	rec.numIndexesBefore = numBefore
	if _, err := c.registry.register(rec); err != nil {
		return nil, err
	}

	// Step 6: manager setup writes the catalog entry in an unfinished
	// state; after it, and only on a primary running two-phase, the
	// op-observer writes a startIndexBuild log record.
	if err := c.manager.SetUpIndexBuild(buildID, collectionID, filtered); err != nil {
		// Step 7: unregister and propagate, unless this is really the
		// already-satisfied case in disguise.
		c.registry.unregister(rec)
		if c.isIndexAlreadyExists(err, info.Namespace) {
			future := newIndexBuildFuture()
			future.fulfill(IndexCatalogStats{NumIndexesBefore: numBefore, NumIndexesAfter: numBefore}, nil)
			return &setupResult{future: future}, nil
		}
		return nil, err
	}

	if protocol == TwoPhase && c.replCoord.CanAcceptWritesFor(info.Namespace) {
		if err := c.opObserver.OnStartIndexBuild(buildID, collectionID, info.Namespace, filtered); err != nil {
			c.registry.unregister(rec)
			return nil, err
		}
	}

	return &setupResult{future: rec.future, rec: rec}, nil
}

// isIndexAlreadyExists treats a setup failure as the already-satisfied
// short-circuit either when the manager reports the exact
// ErrIndexAlreadyExists code, or when it reports an otherwise-rejected
// spec (ERROR_SPEC_INVALID) on a namespace where the replication
// coordinator has relaxed index constraints — the "constraint-relaxed
// equivalents" clause of spec.md §4.2 step 7.
func (c *Coordinator) isIndexAlreadyExists(err error, namespace string) bool {
	idxErr, ok := err.(Error)
	if !ok {
		return false
	}
	if idxErr.code == ErrIndexAlreadyExists.code {
		return true
	}
	return idxErr.code == ERROR_SPEC_INVALID && c.replCoord.ShouldRelaxIndexConstraints(namespace)
}
