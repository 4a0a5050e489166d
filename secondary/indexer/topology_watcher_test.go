package indexer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeMonitor struct {
	events chan TopologyEvent
}

func (m *fakeMonitor) Watch(stopCh <-chan struct{}) <-chan TopologyEvent {
	out := make(chan TopologyEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-m.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-stopCh:
					return
				}
			case <-stopCh:
				return
			}
		}
	}()
	return out
}

func TestTopologyWatcherAppliesStepUpToCoordinator(t *testing.T) {
	catalog := newFakeCatalog("test.coll")
	manager := newFakeManager()
	observer := &fakeOpObserver{}
	repl := newFakeReplCoord()
	repl.acceptsWrites = false

	c := newTestCoordinator(catalog, manager, observer, repl)

	specs := []IndexSpec{{Name: "by_email"}}
	future, err := c.StartIndexBuild(context.Background(), "db", NewBuildID(), specs, NewBuildID(), TwoPhase, IndexBuildOptions{})
	require.NoError(t, err)

	monitor := &fakeMonitor{events: make(chan TopologyEvent, 1)}
	watcher := NewTopologyWatcher(testConfig(), c, monitor)
	watcher.Start()
	defer watcher.Stop()

	monitor.events <- EventStepUp

	stats, err := future.Get(make(chan struct{}))
	require.NoError(t, err)
	require.Equal(t, 1, stats.NumIndexesAfter)
}

func TestTopologyWatcherStopIsIdempotentAndUnblocks(t *testing.T) {
	monitor := &fakeMonitor{events: make(chan TopologyEvent)}
	c := newTestCoordinator(newFakeCatalog("test.coll"), newFakeManager(), &fakeOpObserver{}, newFakeReplCoord())
	watcher := NewTopologyWatcher(testConfig(), c, monitor)
	watcher.Start()

	done := make(chan struct{})
	go func() {
		watcher.Stop()
		watcher.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop never returned")
	}
}
