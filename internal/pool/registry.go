package pool

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Server is one member of a pool.
type Server struct {
	ID   uuid.UUID
	Name string
	Addr string
	Pool uint16
}

// Pool is a shard group: one or two servers replicating the same series.
type Pool struct {
	ID      uint16
	Servers []*Server
}

// Registry tracks the cluster's pools and the active lookup table. During a
// re-index both the current and the previous table are live; routing consults
// both until every series has moved.
type Registry struct {
	mu         sync.RWMutex
	pools      []*Pool
	lookup     Lookup
	prevLookup Lookup
	ownPool    uint16
	ownServer  *Server
	reindexing bool
}

// NewRegistry builds a registry for the given pools. ownPool must exist.
func NewRegistry(pools []*Pool, ownPool uint16, ownServer *Server) (*Registry, error) {
	if int(ownPool) >= len(pools) {
		return nil, fmt.Errorf("own pool %d out of range (have %d pools)", ownPool, len(pools))
	}
	return &Registry{
		pools:     pools,
		lookup:    NewLookup(len(pools)),
		ownPool:   ownPool,
		ownServer: ownServer,
	}, nil
}

// Len returns the live pool count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// OwnPool returns this node's pool id.
func (r *Registry) OwnPool() uint16 {
	return r.ownPool
}

// OwnServer returns this node's server record.
func (r *Registry) OwnServer() *Server {
	return r.ownServer
}

// OwnServerIndex returns this node's position within its pool (0 or 1).
// Together with series.ServerID it splits the forwarding work for unknown
// series between the two servers of a pool.
func (r *Registry) OwnServerIndex() uint16 {
	p := r.pools[r.ownPool]
	for i, s := range p.Servers {
		if s == r.ownServer {
			return uint16(i)
		}
	}
	return 0
}

// Pool returns the pool with id n, or nil.
func (r *Registry) Pool(n uint16) *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(n) >= len(r.pools) {
		return nil
	}
	return r.pools[n]
}

// ServerName returns a display name for the first server of pool n.
func (r *Registry) ServerName(n uint16) string {
	p := r.Pool(n)
	if p == nil || len(p.Servers) == 0 {
		return fmt.Sprintf("pool-%d", n)
	}
	return p.Servers[0].Name
}

// Lookup returns the pool owning name under the current table.
func (r *Registry) Lookup(name []byte) uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup.PoolOf(name)
}

// PrevLookup returns the pool owning name under the table that was current
// before the running re-index. Only valid while Reindexing is true.
func (r *Registry) PrevLookup(name []byte) uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prevLookup.PoolOf(name)
}

// Reindexing reports whether a re-index is running.
func (r *Registry) Reindexing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reindexing
}

// StartReindex grows the cluster by one pool: the current table becomes the
// previous one and a new table is built for the grown count. Insert jobs
// created before this call keep their frozen pool count.
func (r *Registry) StartReindex(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prevLookup = r.lookup
	r.pools = append(r.pools, p)
	r.lookup = NewLookup(len(r.pools))
	r.reindexing = true
}

// FinishReindex drops the previous table once every series has moved.
func (r *Registry) FinishReindex() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prevLookup = nil
	r.reindexing = false
}
