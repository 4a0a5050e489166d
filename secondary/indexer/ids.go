package indexer

import "github.com/google/uuid"

// BuildID names one index-build attempt across every node of the
// cluster. It is opaque and process-wide unique; the coordinator never
// interprets its bits.
type BuildID = uuid.UUID

// CollectionID is stable across collection rename, unlike a namespace
// string, and is therefore what the registry keys builds on.
type CollectionID = uuid.UUID

// NewBuildID returns a fresh random build identifier.
func NewBuildID() BuildID {
	return uuid.New()
}

// DBName is the database name, a prefix of the namespace, cached on the
// Build State Record purely for registry keying.
type DBName string
