package cluster

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring positions per node
const DefaultVirtualNodes = 64

// vnode is one ring position
type vnode struct {
	token  uint64
	nodeID string
}

// HashRing maps keys to node identifiers by consistent hashing. It holds no
// network state; membership is driven by the coordinator.
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	tokens   []vnode // sorted by token
	nodes    map[string]bool
}

// NewHashRing creates an empty ring placing each node at replicas positions
func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = DefaultVirtualNodes
	}
	return &HashRing{
		replicas: replicas,
		nodes:    make(map[string]bool),
	}
}

func hashKey(s string) uint64 {
	return xxhash.Sum64String(s)
}

func vnodeLabel(nodeID string, i int) string {
	return nodeID + "#" + strconv.Itoa(i)
}

// AddNode places id on the ring. Adding a known node is a no-op.
func (r *HashRing) AddNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nodes[id] {
		return
	}
	r.nodes[id] = true
	for i := 0; i < r.replicas; i++ {
		r.tokens = append(r.tokens, vnode{token: hashKey(vnodeLabel(id, i)), nodeID: id})
	}
	r.sortTokens()
}

// RemoveNode takes id off the ring
func (r *HashRing) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.nodes[id] {
		return
	}
	delete(r.nodes, id)
	kept := r.tokens[:0]
	for _, v := range r.tokens {
		if v.nodeID != id {
			kept = append(kept, v)
		}
	}
	r.tokens = kept
}

// equal tokens are ordered by node id so placement never depends on insertion order
func (r *HashRing) sortTokens() {
	sort.Slice(r.tokens, func(i, j int) bool {
		if r.tokens[i].token != r.tokens[j].token {
			return r.tokens[i].token < r.tokens[j].token
		}
		return r.tokens[i].nodeID < r.tokens[j].nodeID
	})
}

// NodeFor returns the node owning the first ring position at or after the
// key's hash, wrapping around. It reports false on an empty ring.
func (r *HashRing) NodeFor(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.tokens) == 0 {
		return "", false
	}
	h := hashKey(key)
	i := sort.Search(len(r.tokens), func(i int) bool {
		return r.tokens[i].token >= h
	})
	if i == len(r.tokens) {
		i = 0
	}
	return r.tokens[i].nodeID, true
}

// Nodes returns the members in sorted order
func (r *HashRing) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Has reports whether id is a member
func (r *HashRing) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}
