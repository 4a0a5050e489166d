package indexer

import "sync"

// collectionTracker is the indexed set of builds running on one
// collection, keyed by index name so the registry can enforce "two
// concurrent builds on the same collection never share an index name"
// (spec.md §3) at insertion time. Held by shared ownership (a pointer
// kept alive by the registry map and by any outstanding waiter) so that
// erasure racing with a waiter never frees it out from under a wait.
type collectionTracker struct {
	mu      sync.Mutex
	byName  map[string]*buildStateRecord
	total   int
	emptyCv *sync.Cond
}

func newCollectionTracker() *collectionTracker {
	t := &collectionTracker{byName: make(map[string]*buildStateRecord)}
	t.emptyCv = sync.NewCond(&t.mu)
	return t
}

// add registers rec under every name it builds; the caller (registry)
// has already verified none of those names collide.
func (t *collectionTracker) add(rec *buildStateRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range rec.indexNames {
		t.byName[name] = rec
	}
	t.total++
}

// remove unregisters rec and broadcasts to waiters if this was the last
// build on the collection.
func (t *collectionTracker) remove(rec *buildStateRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range rec.indexNames {
		if t.byName[name] == rec {
			delete(t.byName, name)
		}
	}
	t.total--
	if t.total == 0 {
		t.emptyCv.Broadcast()
	}
}

// conflicting returns the existing record owning any of names, if any.
func (t *collectionTracker) conflicting(names []string) *buildStateRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, name := range names {
		if existing, ok := t.byName[name]; ok {
			return existing
		}
	}
	return nil
}

func (t *collectionTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// awaitEmpty blocks until no builds remain on the collection. The
// tracker is held by the caller via shared ownership so it survives its
// own erasure from the registry while this call is in progress.
func (t *collectionTracker) awaitEmpty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.total > 0 {
		t.emptyCv.Wait()
	}
}

// databaseTracker is the aggregate of builds per database, keyed by
// build id so buildsForDatabase can list a database's builds directly
// instead of scanning every in-flight build cluster-wide. Same
// shared-ownership discipline as collectionTracker.
type databaseTracker struct {
	mu      sync.Mutex
	byBuild map[BuildID]*buildStateRecord
	emptyCv *sync.Cond
}

func newDatabaseTracker() *databaseTracker {
	t := &databaseTracker{byBuild: make(map[BuildID]*buildStateRecord)}
	t.emptyCv = sync.NewCond(&t.mu)
	return t
}

func (t *databaseTracker) inc(rec *buildStateRecord) {
	t.mu.Lock()
	t.byBuild[rec.buildID] = rec
	t.mu.Unlock()
}

func (t *databaseTracker) dec(rec *buildStateRecord) {
	t.mu.Lock()
	delete(t.byBuild, rec.buildID)
	if len(t.byBuild) == 0 {
		t.emptyCv.Broadcast()
	}
	t.mu.Unlock()
}

func (t *databaseTracker) current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byBuild)
}

// records returns a snapshot of the builds currently tracked.
func (t *databaseTracker) records() []*buildStateRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*buildStateRecord, 0, len(t.byBuild))
	for _, rec := range t.byBuild {
		out = append(out, rec)
	}
	return out
}

func (t *databaseTracker) awaitEmpty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.byBuild) > 0 {
		t.emptyCv.Wait()
	}
}
