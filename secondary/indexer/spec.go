package indexer

// IndexProtocol selects whether a build waits for a cross-node
// commit/abort signal before finishing.
type IndexProtocol int

const (
	// SinglePhase is the historical behavior: the build completes
	// locally without waiting for a cross-node signal.
	SinglePhase IndexProtocol = iota
	// TwoPhase is the modern behavior: a primary writes startIndexBuild
	// and later commitIndexBuild/abortIndexBuild; secondaries wait.
	TwoPhase
)

func (p IndexProtocol) String() string {
	if p == TwoPhase {
		return "TwoPhase"
	}
	return "SinglePhase"
}

// IndexSpec is a normalized index specification. Keys and Collation are
// caller-supplied and opaque to the coordinator beyond name derivation
// and the uniqueness/shard-key compatibility check; the fields here are
// exactly what setup needs and nothing the low-level builder needs that
// the builder cannot obtain on its own.
type IndexSpec struct {
	Name      string
	Keys      map[string]interface{}
	Unique    bool
	Collation map[string]interface{}
}

// CommitQuorum describes how many replica set members must report the
// index ready before a two-phase build's primary will commit. The
// coordinator only stores this value on the build's record; it is not
// passed to the op-observer or the catalog, and the coordinator does not
// itself tally votes (spec.md §1 Non-goals).
type CommitQuorum struct {
	// Mode is e.g. "majority", "votingMembers", or a literal count
	// encoded by the caller; the coordinator treats it as opaque.
	Mode string
}

// IndexBuildOptions carries setup-time parameters that are not part of
// the index specs themselves.
type IndexBuildOptions struct {
	CommitQuorum *CommitQuorum
	// ReplSetAndNotPrimaryAtStart records that this node was a
	// secondary for the namespace when the build was registered; it
	// gates the suppressed-interruption critical section in the driver.
	ReplSetAndNotPrimaryAtStart bool
}

// applyDefaultCollation fills in Collation from the collection default
// wherever a spec left it unset, per Setup Pipeline step 2.
func applyDefaultCollation(specs []IndexSpec, collectionDefault map[string]interface{}) []IndexSpec {
	out := make([]IndexSpec, len(specs))
	for i, s := range specs {
		if s.Collation == nil {
			s.Collation = collectionDefault
		}
		out[i] = s
	}
	return out
}

// indexNames derives the ordered list of index names from specs, the
// Build State Record field of the same name.
func indexNames(specs []IndexSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// isUniqueCompatibleWithShardKey implements Setup Pipeline step 4: a
// unique index's key pattern must be a superset of (or equal to) the
// collection's shard-key pattern, otherwise uniqueness cannot be
// enforced cluster-wide by the shard key.
func isUniqueCompatibleWithShardKey(spec IndexSpec, shardKey map[string]interface{}) bool {
	if len(shardKey) == 0 {
		return true
	}
	for k := range shardKey {
		if _, ok := spec.Keys[k]; !ok {
			return false
		}
	}
	return true
}
