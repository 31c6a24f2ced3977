package deliverer

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

const numHubShards = 64

// Conn is a live client connection registered in the Hub.
type Conn interface {
	Deliver(ctx context.Context, payload []byte) error
}

// Hub maps recipient identities to the connections currently open for
// them on this process. Connections of one identity keep their
// registration order. Identities left without connections are removed.
type Hub struct {
	connShards [numHubShards]*connShard
}

func NewHub() *Hub {
	h := &Hub{}
	for i := 0; i < numHubShards; i++ {
		h.connShards[i] = newConnShard()
	}
	return h
}

func index(s string, numBuckets int) int {
	if numBuckets == 1 {
		return 0
	}
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(s))
	return int(hash.Sum64() % uint64(numBuckets))
}

func (h *Hub) shard(identity string) *connShard {
	return h.connShards[index(identity, numHubShards)]
}

// Register adds c to identity. It reports whether c is the identity's
// first connection. Registering the same connection twice is a no-op.
func (h *Hub) Register(identity string, c Conn) bool {
	return h.shard(identity).add(identity, c)
}

// Unregister removes c from identity. It reports whether identity has no
// connections left. Unknown connections are ignored.
func (h *Hub) Unregister(identity string, c Conn) bool {
	return h.shard(identity).remove(identity, c)
}

// Connections returns a copy of identity's connections in registration
// order.
func (h *Hub) Connections(identity string) []Conn {
	return h.shard(identity).userConnections(identity)
}

// Fanout delivers payload to every connection of identity. A failing
// connection does not stop delivery to the others; all failures are
// returned together.
func (h *Hub) Fanout(ctx context.Context, identity string, payload []byte) error {
	var result *multierror.Error
	for i, c := range h.Connections(identity) {
		if err := c.Deliver(ctx, payload); err != nil {
			result = multierror.Append(result, fmt.Errorf("connection %d of %s: %w", i, identity, err))
		}
	}
	return result.ErrorOrNil()
}

// Identities lists every identity with at least one connection.
func (h *Hub) Identities() []string {
	var ids []string
	for _, shard := range h.connShards {
		shard.mu.RLock()
		for id := range shard.users {
			ids = append(ids, id)
		}
		shard.mu.RUnlock()
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) NumUsers() int {
	var total int
	for _, shard := range h.connShards {
		shard.mu.RLock()
		total += len(shard.users)
		shard.mu.RUnlock()
	}
	return total
}

func (h *Hub) NumClients() int {
	var total int
	for _, shard := range h.connShards {
		shard.mu.RLock()
		for _, conns := range shard.users {
			total += len(conns)
		}
		shard.mu.RUnlock()
	}
	return total
}

type connShard struct {
	mu    sync.RWMutex
	users map[string][]Conn
}

func newConnShard() *connShard {
	return &connShard{
		users: make(map[string][]Conn),
	}
}

func (s *connShard) add(identity string, c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.users[identity]
	for _, existing := range conns {
		if existing == c {
			return false
		}
	}
	s.users[identity] = append(conns, c)
	return len(conns) == 0
}

func (s *connShard) remove(identity string, c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.users[identity]
	if !ok {
		return false
	}
	for i, existing := range conns {
		if existing != c {
			continue
		}
		if len(conns) == 1 {
			delete(s.users, identity)
			return true
		}
		kept := make([]Conn, 0, len(conns)-1)
		kept = append(kept, conns[:i]...)
		s.users[identity] = append(kept, conns[i+1:]...)
		return false
	}
	return false
}

func (s *connShard) userConnections(identity string) []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := s.users[identity]
	if len(conns) == 0 {
		return nil
	}
	return append([]Conn(nil), conns...)
}
