package indexer

// OpObserver produces the three replication-log record types this
// subsystem writes (spec.md §6). The coordinator invokes these only
// when the node currently accepts writes for the namespace and only
// when the two-phase protocol is selected — serialization of the
// resulting oplog entry is out of scope (spec.md §1) and is entirely
// the observer's concern.
type OpObserver interface {
	OnStartIndexBuild(buildID BuildID, collectionID CollectionID, namespace string, specs []IndexSpec) error
	OnCommitIndexBuild(buildID BuildID, collectionID CollectionID, namespace string, specs []IndexSpec, commitTs int64) error
	OnAbortIndexBuild(buildID BuildID, collectionID CollectionID, namespace string, cause error) error
}

// ReplicationCoordinator is consumed only as a set of predicates; this
// package never performs quorum voting itself (spec.md §1 Non-goals).
type ReplicationCoordinator interface {
	CanAcceptWritesFor(namespace string) bool
	UsingReplSets() bool
	ShouldRelaxIndexConstraints(namespace string) bool
}

// CommitOrAbortRecord is what a commitIndexBuild / abortIndexBuild log
// record carries (spec.md §6): a build id, a collection id, a
// namespace, and either a commit timestamp or a cause.
type CommitOrAbortRecord struct {
	BuildID      BuildID
	CollectionID CollectionID
	Namespace    string
	Specs        []IndexSpec
	CommitTs     int64 // nonzero for commit
	Cause        error // non-nil for abort
}
