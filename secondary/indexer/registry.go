package indexer

import "sync"

// registry is the single source of truth for in-flight builds: three
// maps plus two blocker-multiplicity counters, all guarded by one
// coarse mutex (spec.md §3, §5 "Global coarse registry lock"). The lock
// is held only for bookkeeping — registration, unregistration, and
// wait-bookkeeping — and never across I/O, across the lock manager, or
// while blocked on a per-record condition variable. Violating that
// order is how this deadlocks with the signal arbitrator.
type registry struct {
	mu sync.Mutex

	byBuildID    map[BuildID]*buildStateRecord
	byCollection map[CollectionID]*collectionTracker
	byDatabase   map[DBName]*databaseTracker

	collectionBlockers map[CollectionID]int
	databaseBlockers   map[DBName]int
}

func newRegistry() *registry {
	return &registry{
		byBuildID:          make(map[BuildID]*buildStateRecord),
		byCollection:       make(map[CollectionID]*collectionTracker),
		byDatabase:         make(map[DBName]*databaseTracker),
		collectionBlockers: make(map[CollectionID]int),
		databaseBlockers:   make(map[DBName]int),
	}
}

// registerResult hands back, on successful registration, the collection
// and database trackers the build was added to.
type registerResult struct {
	collTracker *collectionTracker
	dbTracker   *databaseTracker
}

// register is the atomic heart of the Registry invariants: the blocker
// check, the name-collision check, and the three-map insertion all
// happen under one critical section so no caller can observe a
// partially-registered build (spec.md §4.2 step 5).
func (r *registry) register(rec *buildStateRecord) (*registerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.collectionBlockers[rec.collectionID] > 0 {
		return nil, errCannotCreateIndex(rec.collectionID.String())
	}
	if r.databaseBlockers[rec.dbName] > 0 {
		return nil, errCannotCreateIndex(string(rec.dbName))
	}

	collTracker, ok := r.byCollection[rec.collectionID]
	if ok {
		if existing := collTracker.conflicting(rec.indexNames); existing != nil {
			sig := existing.snapshotSignal()
			if sig.aborted {
				return nil, errIndexBuildAborted(conflictingName(existing, rec), existing.buildID, rec.buildID)
			}
			return nil, errIndexBuildAlreadyInProgress(conflictingName(existing, rec), existing.buildID, rec.buildID)
		}
	} else {
		collTracker = newCollectionTracker()
		r.byCollection[rec.collectionID] = collTracker
	}

	dbTracker, ok := r.byDatabase[rec.dbName]
	if !ok {
		dbTracker = newDatabaseTracker()
		r.byDatabase[rec.dbName] = dbTracker
	}

	r.byBuildID[rec.buildID] = rec
	collTracker.add(rec)
	dbTracker.inc(rec)

	return &registerResult{collTracker: collTracker, dbTracker: dbTracker}, nil
}

// conflictingName finds which of rec's requested names the existing
// record already owns, for a descriptive error message.
func conflictingName(existing, rec *buildStateRecord) string {
	owned := make(map[string]bool, len(existing.indexNames))
	for _, n := range existing.indexNames {
		owned[n] = true
	}
	for _, n := range rec.indexNames {
		if owned[n] {
			return n
		}
	}
	if len(rec.indexNames) > 0 {
		return rec.indexNames[0]
	}
	return ""
}

// unregister removes rec from all three maps. Per spec.md §3, a
// Collection/Database Tracker is present iff it holds at least one
// build, so the last removal erases the tracker entry here — but the
// tracker object itself lives on as long as some caller holds the
// pointer returned by register, so an in-progress awaitEmpty never
// observes a freed tracker.
func (r *registry) unregister(rec *buildStateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byBuildID, rec.buildID)

	if collTracker, ok := r.byCollection[rec.collectionID]; ok {
		collTracker.remove(rec)
		if collTracker.count() == 0 {
			delete(r.byCollection, rec.collectionID)
		}
	}
	if dbTracker, ok := r.byDatabase[rec.dbName]; ok {
		dbTracker.dec(rec)
		if dbTracker.current() == 0 {
			delete(r.byDatabase, rec.dbName)
		}
	}
}

func (r *registry) lookup(buildID BuildID) *buildStateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byBuildID[buildID]
}

// collectionHandle returns a shared handle on the collection's tracker,
// or nil if no build is registered on it. A caller holding the handle
// can keep waiting on it after the tracker is erased from the map, so
// abort-and-wait calls survive that erasure racing with their wait.
func (r *registry) collectionHandle(collectionID CollectionID) *collectionTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byCollection[collectionID]
}

func (r *registry) databaseHandle(dbName DBName) *databaseTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDatabase[dbName]
}

func (r *registry) buildsForCollection(collectionID CollectionID) []*buildStateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byCollection[collectionID]
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[BuildID]bool)
	out := make([]*buildStateRecord, 0, t.total)
	for _, rec := range t.byName {
		if !seen[rec.buildID] {
			seen[rec.buildID] = true
			out = append(out, rec)
		}
	}
	return out
}

func (r *registry) buildsForDatabase(dbName DBName) []*buildStateRecord {
	r.mu.Lock()
	t, ok := r.byDatabase[dbName]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return t.records()
}

func (r *registry) allBuilds() []*buildStateRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*buildStateRecord, 0, len(r.byBuildID))
	for _, rec := range r.byBuildID {
		out = append(out, rec)
	}
	return out
}

func (r *registry) numInProgForDB(dbName DBName) int {
	if t := r.databaseHandle(dbName); t != nil {
		return t.current()
	}
	return 0
}

func (r *registry) numInProgForCollection(collectionID CollectionID) int {
	if t := r.collectionHandle(collectionID); t != nil {
		return t.count()
	}
	return 0
}

// isEmpty backs the "destructor fires only when empty" invariant.
func (r *registry) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byBuildID) == 0 && len(r.byCollection) == 0 && len(r.byDatabase) == 0 &&
		len(r.collectionBlockers) == 0 && len(r.databaseBlockers) == 0
}

// --- Scoped Blockers ---

// incCollectionBlocker / decCollectionBlocker and their database
// counterparts implement the reentrant counters backing
// ScopedCollectionBlocker / ScopedDatabaseBlocker: nonzero denies new
// registrations on the target, and the counters stack so nested
// blockers on the same target compose correctly.
func (r *registry) incCollectionBlocker(collectionID CollectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectionBlockers[collectionID]++
}

func (r *registry) decCollectionBlocker(collectionID CollectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectionBlockers[collectionID]--
	if r.collectionBlockers[collectionID] <= 0 {
		delete(r.collectionBlockers, collectionID)
	}
}

func (r *registry) incDatabaseBlocker(dbName DBName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.databaseBlockers[dbName]++
}

func (r *registry) decDatabaseBlocker(dbName DBName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.databaseBlockers[dbName]--
	if r.databaseBlockers[dbName] <= 0 {
		delete(r.databaseBlockers, dbName)
	}
}

func (r *registry) isCollectionBlocked(collectionID CollectionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collectionBlockers[collectionID] > 0
}

func (r *registry) isDatabaseBlocked(dbName DBName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.databaseBlockers[dbName] > 0
}

// ScopedCollectionBlocker is an RAII-style reservation that denies new
// index-build registrations on one collection while held. Construction
// increments the registry's counter; Close decrements it. Closing more
// than once is a no-op so deferred Close calls are always safe.
type ScopedCollectionBlocker struct {
	reg          *registry
	collectionID CollectionID
	closed       bool
	mu           sync.Mutex
}

func newScopedCollectionBlocker(reg *registry, collectionID CollectionID) *ScopedCollectionBlocker {
	reg.incCollectionBlocker(collectionID)
	return &ScopedCollectionBlocker{reg: reg, collectionID: collectionID}
}

func (b *ScopedCollectionBlocker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.reg.decCollectionBlocker(b.collectionID)
}

// ScopedDatabaseBlocker is the database-scoped counterpart.
type ScopedDatabaseBlocker struct {
	reg    *registry
	dbName DBName
	closed bool
	mu     sync.Mutex
}

func newScopedDatabaseBlocker(reg *registry, dbName DBName) *ScopedDatabaseBlocker {
	reg.incDatabaseBlocker(dbName)
	return &ScopedDatabaseBlocker{reg: reg, dbName: dbName}
}

func (b *ScopedDatabaseBlocker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.reg.decDatabaseBlocker(b.dbName)
}
