// Package metrics holds the node's counters, exported by the status API.
// Counters are plain atomics so the hot write path never takes a lock.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all node metrics.
type Metrics struct {
	startTime time.Time

	// Insert path
	insertsReceived atomic.Int64
	insertsFailed   atomic.Int64
	pointsReceived  atomic.Int64

	// Peer fan-out
	peerSends     atomic.Int64
	peerSendFails atomic.Int64
	peerTimeouts  atomic.Int64

	// Replica
	replicaEnqueued atomic.Int64

	// Forward path
	forwards atomic.Int64
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{startTime: time.Now()}
	})
	return instance
}

func (m *Metrics) IncInsertsReceived()      { m.insertsReceived.Add(1) }
func (m *Metrics) IncInsertsFailed()        { m.insertsFailed.Add(1) }
func (m *Metrics) AddPointsReceived(n int64) { m.pointsReceived.Add(n) }
func (m *Metrics) IncPeerSends()            { m.peerSends.Add(1) }
func (m *Metrics) IncPeerSendFails()        { m.peerSendFails.Add(1) }
func (m *Metrics) IncPeerTimeouts()         { m.peerTimeouts.Add(1) }
func (m *Metrics) IncReplicaEnqueued()      { m.replicaEnqueued.Add(1) }
func (m *Metrics) IncForwards()             { m.forwards.Add(1) }

// Stats returns a snapshot for the status API.
func (m *Metrics) Stats() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds":   int64(time.Since(m.startTime).Seconds()),
		"inserts_received": m.insertsReceived.Load(),
		"inserts_failed":   m.insertsFailed.Load(),
		"points_received":  m.pointsReceived.Load(),
		"peer_sends":       m.peerSends.Load(),
		"peer_send_fails":  m.peerSendFails.Load(),
		"peer_timeouts":    m.peerTimeouts.Load(),
		"replica_enqueued": m.replicaEnqueued.Load(),
		"forwards":         m.forwards.Load(),
	}
}
