// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package indexer

import (
	"sync"
	"time"

	"github.com/couchbase/idxbuild/secondary/common"
	"github.com/couchbase/idxbuild/secondary/logging"
)

// TopologyEvent is what a ReplicaSetMonitor reports on the channel handed
// back by Watch.
type TopologyEvent int

const (
	// EventStepUp: this node became primary for the replica set.
	EventStepUp TopologyEvent = iota
	// EventStepDown: this node is no longer primary.
	EventStepDown
	// EventRollback: this node's oplog was rolled back to rejoin the set.
	EventRollback
)

// ReplicaSetMonitor is consumed by TopologyWatcher (spec.md §6 names
// ReplicationCoordinator as the predicate surface; this is the
// complementary event source driving OnStepUp/OnRollback). This package
// never dials or reconnects to other nodes itself.
type ReplicaSetMonitor interface {
	Watch(stopCh <-chan struct{}) <-chan TopologyEvent
}

// TopologyWatcher bridges replica-set role changes into the
// Coordinator's OnStepUp/OnRollback calls. Adapted from the teacher's
// DDLServiceMgr: the same singleton-held-under-a-lock shape and the same
// ticker-driven retry loop reattaching after a disconnect, generalized
// from Couchbase cluster rebalance events to replica-set role changes.
type TopologyWatcher struct {
	mu      sync.Mutex
	config  common.ConfigHolder
	coord   *Coordinator
	monitor ReplicaSetMonitor
	nodeID  string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTopologyWatcher wires a monitor to coord without starting it; call
// Start to begin watching.
func NewTopologyWatcher(config common.Config, coord *Coordinator, monitor ReplicaSetMonitor) *TopologyWatcher {
	w := &TopologyWatcher{
		coord:   coord,
		monitor: monitor,
		nodeID:  config["indexBuilds.nodeUUID"].String(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	w.config.Store(config)
	return w
}

// Start launches the watch loop in its own goroutine. It reconnects with
// a capped retry interval if the monitor's channel closes unexpectedly,
// mirroring the teacher's connect-with-ticker-retry pattern in
// newMetadataProvider.
func (w *TopologyWatcher) Start() {
	go w.run()
}

func (w *TopologyWatcher) run() {
	defer close(w.doneCh)

	backoff := 50 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		events := w.monitor.Watch(w.stopCh)
		backoff = w.drain(events, backoff, maxBackoff)

		select {
		case <-w.stopCh:
			return
		default:
		}

		ticker := time.NewTicker(backoff)
		select {
		case <-ticker.C:
		case <-w.stopCh:
			ticker.Stop()
			return
		}
		ticker.Stop()
	}
}

// drain consumes events until the monitor's channel closes, applying
// each to the Coordinator; it returns the backoff to use before the next
// reconnect attempt, doubling on an empty (immediately-closed) channel
// and resetting whenever at least one event was observed.
func (w *TopologyWatcher) drain(events <-chan TopologyEvent, backoff, maxBackoff time.Duration) time.Duration {
	sawEvent := false
	for ev := range events {
		sawEvent = true
		w.handle(ev)
	}
	if sawEvent {
		return 50 * time.Millisecond
	}
	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func (w *TopologyWatcher) handle(ev TopologyEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch ev {
	case EventStepUp:
		logging.Infof("indexBuilds: topology watcher observed step-up on node %v", w.nodeID)
		w.coord.OnStepUp()
	case EventStepDown:
		logging.Infof("indexBuilds: topology watcher observed step-down on node %v", w.nodeID)
	case EventRollback:
		logging.Warnf("indexBuilds: topology watcher observed rollback on node %v", w.nodeID)
		w.coord.OnRollback()
	}
}

// Stop terminates the watch loop and waits for it to exit. Idempotent.
func (w *TopologyWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}
