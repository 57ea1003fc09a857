package cluster

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
)

// Coordination is the group membership service the coordinator depends on:
// ephemeral sequential children under a group path, with one-shot
// children-changed notifications.
type Coordination interface {
	// CreateEphemeralSequential creates prefix<seq> holding value and returns
	// its full path. The node disappears when the session ends.
	CreateEphemeralSequential(ctx context.Context, prefix string, value []byte) (string, error)
	Children(ctx context.Context, groupPath string) ([]string, error)
	// WatchChildren lists children and returns a channel closed on the next
	// change. Each call registers one notification.
	WatchChildren(ctx context.Context, groupPath string) ([]string, <-chan struct{}, error)
	Get(ctx context.Context, nodePath string) ([]byte, error)
	Close() error
}

// sequenceDigits is the width of the counter appended to sequential nodes
const sequenceDigits = 10

// parseSequence extracts the counter from a sequential child name such as
// n_0000000003.
func parseSequence(name string) (uint64, bool) {
	if len(name) < sequenceDigits {
		return 0, false
	}
	seq, err := strconv.ParseUint(name[len(name)-sequenceDigits:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// lowestSequence returns the child with the smallest counter. Names without
// a counter are ignored.
func lowestSequence(children []string) (string, bool) {
	var (
		best    string
		bestSeq uint64
		found   bool
	)
	for _, name := range children {
		seq, ok := parseSequence(name)
		if !ok {
			continue
		}
		if !found || seq < bestSeq {
			best, bestSeq, found = name, seq, true
		}
	}
	return best, found
}

// MemoryEnsemble is an in-process coordination service. Each Session behaves
// like one client connection with its own ephemeral nodes.
type MemoryEnsemble struct {
	mu       sync.Mutex
	nodes    map[string]memoryNode // full path -> node
	counters map[string]uint64     // parent path -> next sequence
	watchers map[string][]chan struct{}
}

type memoryNode struct {
	value   []byte
	session *MemorySession
}

// NewMemoryEnsemble creates an empty ensemble
func NewMemoryEnsemble() *MemoryEnsemble {
	return &MemoryEnsemble{
		nodes:    make(map[string]memoryNode),
		counters: make(map[string]uint64),
		watchers: make(map[string][]chan struct{}),
	}
}

// Session opens a new client session
func (e *MemoryEnsemble) Session() *MemorySession {
	return &MemorySession{ensemble: e}
}

// fire must be called with e.mu held
func (e *MemoryEnsemble) fire(parent string) {
	for _, ch := range e.watchers[parent] {
		close(ch)
	}
	delete(e.watchers, parent)
}

func (e *MemoryEnsemble) children(parent string) []string {
	var out []string
	for p := range e.nodes {
		if path.Dir(p) == parent {
			out = append(out, path.Base(p))
		}
	}
	sort.Strings(out)
	return out
}

// MemorySession is one client of a MemoryEnsemble
type MemorySession struct {
	ensemble *MemoryEnsemble
	closed   bool
}

func (s *MemorySession) CreateEphemeralSequential(ctx context.Context, prefix string, value []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e := s.ensemble
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.closed {
		return "", kvErr.New(kvErr.ErrorTypeInternal, "session closed", nil)
	}
	parent := path.Dir(prefix)
	seq := e.counters[parent]
	e.counters[parent] = seq + 1

	full := fmt.Sprintf("%s%0*d", prefix, sequenceDigits, seq)
	e.nodes[full] = memoryNode{value: append([]byte(nil), value...), session: s}
	e.fire(parent)
	return full, nil
}

func (s *MemorySession) Children(ctx context.Context, groupPath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.ensemble.mu.Lock()
	defer s.ensemble.mu.Unlock()
	return s.ensemble.children(groupPath), nil
}

func (s *MemorySession) WatchChildren(ctx context.Context, groupPath string) ([]string, <-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	e := s.ensemble
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan struct{})
	e.watchers[groupPath] = append(e.watchers[groupPath], ch)
	return e.children(groupPath), ch, nil
}

func (s *MemorySession) Get(ctx context.Context, nodePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.ensemble.mu.Lock()
	defer s.ensemble.mu.Unlock()

	n, ok := s.ensemble.nodes[nodePath]
	if !ok {
		return nil, kvErr.New(kvErr.ErrorTypeNotFound, "no such node: "+nodePath, nil)
	}
	return append([]byte(nil), n.value...), nil
}

// Close ends the session and removes its ephemeral nodes
func (s *MemorySession) Close() error {
	e := s.ensemble
	e.mu.Lock()
	defer e.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	changed := make(map[string]bool)
	for p, n := range e.nodes {
		if n.session == s {
			delete(e.nodes, p)
			changed[path.Dir(p)] = true
		}
	}
	for parent := range changed {
		e.fire(parent)
	}
	return nil
}

// Put creates or overwrites a persistent node, for seeding foreign entries in tests
func (e *MemoryEnsemble) Put(nodePath string, value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nodes[nodePath] = memoryNode{value: append([]byte(nil), value...)}
	e.fire(path.Dir(nodePath))
}

// Delete removes a node
func (e *MemoryEnsemble) Delete(nodePath string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.nodes[nodePath]; ok {
		delete(e.nodes, nodePath)
		e.fire(path.Dir(nodePath))
	}
}

func childPath(groupPath, name string) string {
	return strings.TrimSuffix(groupPath, "/") + "/" + name
}
