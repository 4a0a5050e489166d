package indexer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/couchbase/idxbuild/secondary/logging"
)

// RecoveryStats is what RunRecovery returns on success: the scanned
// record count and data size the manager observed while rebuilding.
type RecoveryStats struct {
	NumRecords int64
	DataSize   int64
}

// RecoveryTarget names one collection's unfinished indexes to rebuild at
// startup.
type RecoveryTarget struct {
	CollectionID CollectionID
	DBName       DBName
	Specs        []IndexSpec
}

// RunRecovery is the Recovery Path (spec.md §4.5) for a single
// collection. It runs under the global exclusive lock during startup,
// before the coordinator accepts any other index build — the caller is
// assumed to hold that lock and to be the only goroutine touching this
// Coordinator. Any failure here is fatal: the catalog is mid-rebuild and
// cannot be left half done.
func (c *Coordinator) RunRecovery(collectionID CollectionID, dbName DBName, specs []IndexSpec) RecoveryStats {
	stats, err := c.runRecoveryOne(collectionID, dbName, specs)
	if err != nil {
		panic(err)
	}
	return stats
}

// RunRecoveryAll rebuilds unfinished indexes across every collection
// named in targets concurrently, one goroutine per collection, fanning
// out with golang.org/x/sync/errgroup the way the teacher's module uses
// it for bounded concurrent I/O elsewhere in the pack. The first fatal
// error cancels the group's context; RunRecoveryAll itself still panics
// once every goroutine has returned, since a half-rebuilt catalog can
// never be left running regardless of how many collections succeeded.
func (c *Coordinator) RunRecoveryAll(targets []RecoveryTarget) []RecoveryStats {
	results := make([]RecoveryStats, len(targets))

	g, ctx := errgroup.WithContext(context.Background())
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			stats, err := c.runRecoveryOne(target.CollectionID, target.DBName, target.Specs)
			results[i] = stats
			return err
		})
	}

	if err := g.Wait(); err != nil {
		panic(err)
	}
	return results
}

func (c *Coordinator) runRecoveryOne(collectionID CollectionID, dbName DBName, specs []IndexSpec) (RecoveryStats, error) {
	logging.Infof("indexBuilds: recovery starting for collection %v, %d specs", collectionID, len(specs))

	// Drop existing entries for every spec, including unfinished ones
	// that never reached ready=true; there is no partial-credit reuse
	// across a restart.
	if err := c.catalog.DropUnfinishedIndexes(collectionID, specs); err != nil {
		return RecoveryStats{}, newFatalError(ERROR_FATAL_INVARIANT, RECOVERY, err,
			"recovery: failed dropping unfinished indexes for collection %v", collectionID)
	}

	buildID := NewBuildID()
	rec := newBuildStateRecord(buildID, collectionID, dbName, specs, SinglePhase, IndexBuildOptions{})
	rec.recoveryMode = true
	if _, err := c.registry.register(rec); err != nil {
		return RecoveryStats{}, newFatalError(ERROR_FATAL_INVARIANT, RECOVERY, err,
			"recovery: could not register recovery build for collection %v", collectionID)
	}

	stats, _, _, err := c.driveBuild(rec, false)
	if tearDownErr := c.manager.TearDownIndexBuild(buildID, func() error { return nil }); tearDownErr != nil {
		logging.Warnf("indexBuilds: recovery tearDownIndexBuild failed for collection %v: %v", collectionID, tearDownErr)
	}
	c.registry.unregister(rec)
	if err != nil {
		return RecoveryStats{}, newFatalError(ERROR_FATAL_INVARIANT, RECOVERY, err,
			"recovery: phase machine failed for collection %v", collectionID)
	}

	rec.future.fulfill(stats, nil)

	numRecords, dataSize := c.manager.RecoveryScanStats(buildID)

	logging.Infof("indexBuilds: recovery complete for collection %v, %d -> %d indexes, %d records",
		collectionID, stats.NumIndexesBefore, stats.NumIndexesAfter, numRecords)

	return RecoveryStats{NumRecords: numRecords, DataSize: dataSize}, nil
}
