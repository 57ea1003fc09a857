package cluster

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	kvErr "github.com/sajjad-MoBe/corecache/internal/errors"
	"github.com/sajjad-MoBe/corecache/internal/shared"
	"github.com/sajjad-MoBe/corecache/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LocalStore is the node's own storage engine
type LocalStore interface {
	Get(key string) (storage.Record, error)
	Put(record storage.Record) (storage.Record, error)
	Delete(key string) (storage.Record, error)
	Clock() *storage.Clock
}

// Member is one live membership record
type Member struct {
	Name     string `json:"name"`
	Sequence uint64 `json:"sequence"`
	Address  string `json:"address"`
	Leader   bool   `json:"leader"`
	Self     bool   `json:"self"`
}

// CoordinatorConfig configures a Coordinator
type CoordinatorConfig struct {
	GroupPath    string
	Address      string
	VirtualNodes int
	RetryDelay   time.Duration
}

// Coordinator owns election state and membership, and routes requests to
// the node owning each key.
type Coordinator struct {
	config     CoordinatorConfig
	coord      Coordination
	store      LocalStore
	forwarder  Forwarder
	ring       *HashRing
	partitions *PartitionMap
	logger     *shared.Logger
	tracer     trace.Tracer

	mu         sync.RWMutex
	self       string
	leaderName string
	members    map[string]Member

	onLeadership []func(bool)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator. Call Start to join the group.
func NewCoordinator(config CoordinatorConfig, coord Coordination, store LocalStore, forwarder Forwarder, logger *shared.Logger) *Coordinator {
	if logger == nil {
		logger = shared.DefaultLogger
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	return &Coordinator{
		config:     config,
		coord:      coord,
		store:      store,
		forwarder:  forwarder,
		ring:       NewHashRing(config.VirtualNodes),
		partitions: NewPartitionMap(),
		logger:     logger.WithComponent("coordinator"),
		tracer:     otel.Tracer("corecache/cluster"),
		members:    make(map[string]Member),
	}
}

// OnLeadershipChange registers fn to run whenever this node gains or loses
// leadership
func (c *Coordinator) OnLeadershipChange(fn func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLeadership = append(c.onLeadership, fn)
}

// Start registers this node's membership record, reconciles once and keeps
// following membership changes in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.register(ctx); err != nil {
		return err
	}

	children, changed, err := c.coord.WatchChildren(ctx, c.config.GroupPath)
	if err != nil {
		return err
	}
	c.reconcile(ctx, children)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.membershipLoop(loopCtx, changed)
	return nil
}

// register creates this node's ephemeral membership record
func (c *Coordinator) register(ctx context.Context) error {
	created, err := c.coord.CreateEphemeralSequential(ctx, childPath(c.config.GroupPath, "n_"), []byte(c.config.Address))
	if err != nil {
		return err
	}
	name := path.Base(created)
	c.mu.Lock()
	c.self = name
	c.mu.Unlock()
	c.logger.Info("registered membership record %s for %s", name, c.config.Address)
	return nil
}

// Stop ends the membership loop. The caller closes the Coordination session.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) membershipLoop(ctx context.Context, changed <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}

		// the notification fires once, so re-register before reconciling
		children, next, err := c.coord.WatchChildren(ctx, c.config.GroupPath)
		for err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("failed to re-watch %s: %v", c.config.GroupPath, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.RetryDelay):
			}
			children, next, err = c.coord.WatchChildren(ctx, c.config.GroupPath)
		}
		c.reconcile(ctx, children)
		changed = next
	}
}

// reconcile brings the ring, the address table and the leader in line with
// the given live children. Reprocessing the same list changes nothing.
func (c *Coordinator) reconcile(ctx context.Context, children []string) {
	live := make(map[string]bool, len(children))
	for _, name := range children {
		if _, ok := parseSequence(name); ok {
			live[name] = true
		}
	}

	c.mu.RLock()
	var unknown []string
	for name := range live {
		if _, ok := c.members[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	c.mu.RUnlock()

	// read addresses without holding the lock; a failed read is retried on
	// the next change notification
	fetched := make(map[string]string, len(unknown))
	for _, name := range unknown {
		value, err := c.coord.Get(ctx, childPath(c.config.GroupPath, name))
		if err != nil {
			if !kvErr.IsNotFound(err) {
				c.logger.Warn("failed to read membership record %s: %v", name, err)
			}
			continue
		}
		fetched[name] = string(value)
	}

	c.mu.Lock()
	wasLeader := c.self != "" && c.leaderName == c.self

	for name, member := range c.members {
		if !live[name] {
			delete(c.members, name)
			if !c.addressInUse(member.Address) {
				c.ring.RemoveNode(member.Address)
			}
			c.logger.Info("node %s (%s) left", name, member.Address)
		}
	}
	for name, address := range fetched {
		seq, _ := parseSequence(name)
		c.members[name] = Member{Name: name, Sequence: seq, Address: address}
		c.ring.AddNode(address)
		c.logger.Info("node %s (%s) joined", name, address)
	}

	names := make([]string, 0, len(live))
	for name := range live {
		names = append(names, name)
	}
	leader, _ := lowestSequence(names)
	if leader != c.leaderName {
		c.logger.Info("leader is now %s", leader)
	}
	c.leaderName = leader
	isLeader := c.self != "" && leader == c.self
	lost := c.self != "" && !live[c.self]
	lostName := c.self
	callbacks := append(([]func(bool))(nil), c.onLeadership...)
	c.mu.Unlock()

	if lost {
		// the new record fires the watch, so the next reconcile sees it
		c.logger.Warn("own membership record %s is gone, registering again", lostName)
		if err := c.register(ctx); err != nil {
			c.logger.Error("failed to register a new membership record: %v", err)
		}
	}

	if isLeader != wasLeader {
		if isLeader {
			c.logger.Info("this node is the leader")
		} else {
			c.logger.Info("this node is no longer the leader")
		}
		for _, fn := range callbacks {
			fn(isLeader)
		}
	}
}

// addressInUse must be called with c.mu held
func (c *Coordinator) addressInUse(address string) bool {
	for _, m := range c.members {
		if m.Address == address {
			return true
		}
	}
	return false
}

// IsLeader reports whether this node holds the lowest live sequence number
func (c *Coordinator) IsLeader() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self != "" && c.leaderName == c.self
}

// LeaderToken returns the token the current leader issues: its record name
func (c *Coordinator) LeaderToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderName
}

// Self returns this node's membership record name
func (c *Coordinator) Self() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Address returns this node's reachable address
func (c *Coordinator) Address() string {
	return c.config.Address
}

// Members returns the live records ordered by sequence
func (c *Coordinator) Members() []Member {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Member, 0, len(c.members))
	for _, m := range c.members {
		m.Leader = m.Name == c.leaderName
		m.Self = m.Name == c.self
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Ring exposes the hash ring
func (c *Coordinator) Ring() *HashRing {
	return c.ring
}

func (c *Coordinator) authorize(token string) error {
	expected := c.LeaderToken()
	if token == "" || expected == "" || token != expected {
		return kvErr.New(kvErr.ErrorTypeUnauthorized, "this node is not the leader and the request carries no valid leader token", nil)
	}
	return nil
}

// owner returns the node address owning key and whether it is this node.
// An empty ring means this node serves everything.
func (c *Coordinator) owner(key string) (string, bool) {
	address, ok := c.ring.NodeFor(key)
	if !ok || address == c.config.Address {
		return c.config.Address, true
	}
	return address, false
}

func (c *Coordinator) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "coordinator."+op, trace.WithAttributes(
		attribute.String("kv.key", key),
		attribute.Bool("kv.leader", c.IsLeader()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !kvErr.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Add writes record. The leader stamps it from its own clock, routes it to
// its owner and records the owner in the partition map. A non-leader applies
// it, timestamp included, only with a valid token.
func (c *Coordinator) Add(ctx context.Context, record storage.Record, token string) (stored storage.Record, err error) {
	ctx, span := c.startSpan(ctx, "add", record.Key)
	defer func() { endSpan(span, err) }()

	if record.Key == "" {
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeInvalidInput, "key cannot be empty", nil)
	}
	record.Deleted = false

	if !c.IsLeader() {
		if err := c.authorize(token); err != nil {
			return storage.Record{}, err
		}
		return c.store.Put(record)
	}

	// client timestamps are never trusted; only leader-forwarded writes keep theirs
	record.Timestamp = c.store.Clock().Next()
	address, local := c.owner(record.Key)
	span.SetAttributes(attribute.String("kv.owner", address))

	if local {
		stored, err = c.store.Put(record)
	} else {
		stored, err = c.forwarder.Add(ctx, address, record, c.LeaderToken())
	}
	if err != nil {
		c.logFailure("add", record.Key, address, err)
		return storage.Record{}, err
	}
	c.partitions.Add(record.Key, address)
	return stored, nil
}

// Get reads key from its owner
func (c *Coordinator) Get(ctx context.Context, key, token string) (record storage.Record, err error) {
	ctx, span := c.startSpan(ctx, "get", key)
	defer func() { endSpan(span, err) }()

	if key == "" {
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeInvalidInput, "key cannot be empty", nil)
	}
	if !c.IsLeader() {
		if err := c.authorize(token); err != nil {
			return storage.Record{}, err
		}
		return c.store.Get(key)
	}

	address, local := c.owner(key)
	span.SetAttributes(attribute.String("kv.owner", address))
	if local {
		return c.store.Get(key)
	}
	record, err = c.forwarder.Get(ctx, address, key, c.LeaderToken())
	if err != nil {
		c.logFailure("get", key, address, err)
	}
	return record, err
}

// Delete tombstones key on its owner and drops the owner from the partition map
func (c *Coordinator) Delete(ctx context.Context, key, token string) (record storage.Record, err error) {
	ctx, span := c.startSpan(ctx, "delete", key)
	defer func() { endSpan(span, err) }()

	if key == "" {
		return storage.Record{}, kvErr.New(kvErr.ErrorTypeInvalidInput, "key cannot be empty", nil)
	}
	if !c.IsLeader() {
		if err := c.authorize(token); err != nil {
			return storage.Record{}, err
		}
		return c.store.Delete(key)
	}

	address, local := c.owner(key)
	span.SetAttributes(attribute.String("kv.owner", address))
	if local {
		record, err = c.store.Delete(key)
	} else {
		record, err = c.forwarder.Delete(ctx, address, key, c.LeaderToken())
	}
	if err != nil {
		c.logFailure("delete", key, address, err)
		return storage.Record{}, err
	}
	c.partitions.Remove(key, address)
	return record, nil
}

func (c *Coordinator) logFailure(op, key, address string, err error) {
	switch {
	case kvErr.IsNotFound(err):
	case kvErr.IsRetryable(err):
		c.logger.Warn("%s %q via %s failed, caller may retry: %v", op, key, address, err)
	default:
		c.logger.Error("%s %q via %s failed: %v", op, key, address, err)
	}
}

// UpdatePartitionMap applies an explicit partition map change
func (c *Coordinator) UpdatePartitionMap(key, nodeDetails string, op PartitionOperation) error {
	if key == "" || nodeDetails == "" {
		return kvErr.New(kvErr.ErrorTypeInvalidInput, "key and node_details are required", nil)
	}
	if !c.partitions.Apply(key, nodeDetails, op) {
		return kvErr.New(kvErr.ErrorTypeInvalidInput, "operation must be \"new\" or \"delete\"", nil)
	}
	return nil
}

// PartitionHolders returns the addresses recorded for key
func (c *Coordinator) PartitionHolders(key string) []string {
	return c.partitions.Get(key)
}
