package cluster

import (
	"sort"
	"sync"
)

// PartitionOperation is the kind of partition map update
type PartitionOperation string

const (
	PartitionNew    PartitionOperation = "new"
	PartitionDelete PartitionOperation = "delete"
)

// PartitionMap records, per key, the node addresses known to hold a copy.
// It is advisory routing metadata; the data itself lives in each node's engine.
type PartitionMap struct {
	mu      sync.RWMutex
	holders map[string]map[string]struct{}
}

// NewPartitionMap creates an empty map
func NewPartitionMap() *PartitionMap {
	return &PartitionMap{holders: make(map[string]map[string]struct{})}
}

// Add records that address holds key
func (p *PartitionMap) Add(key, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.holders[key]
	if !ok {
		set = make(map[string]struct{})
		p.holders[key] = set
	}
	set[address] = struct{}{}
}

// Remove drops address from the holders of key
func (p *PartitionMap) Remove(key, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.holders[key]
	if !ok {
		return
	}
	delete(set, address)
	if len(set) == 0 {
		delete(p.holders, key)
	}
}

// Apply performs op for key and address
func (p *PartitionMap) Apply(key, address string, op PartitionOperation) bool {
	switch op {
	case PartitionNew:
		p.Add(key, address)
	case PartitionDelete:
		p.Remove(key, address)
	default:
		return false
	}
	return true
}

// Get returns the sorted holders of key
func (p *PartitionMap) Get(key string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	set := p.holders[key]
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the whole map
func (p *PartitionMap) Snapshot() map[string][]string {
	p.mu.RLock()
	keys := make([]string, 0, len(p.holders))
	for k := range p.holders {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	out := make(map[string][]string, len(keys))
	for _, k := range keys {
		if holders := p.Get(k); len(holders) > 0 {
			out[k] = holders
		}
	}
	return out
}
