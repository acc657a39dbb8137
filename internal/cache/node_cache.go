// Package cache provides the in-process node cache: an arena of node records keyed
// by ID, the set of IDs known to be durable, and a bounded log recording what
// produced each write.
package cache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"outliner-backend/internal/domain/node"
	apperrors "outliner-backend/internal/errors"
)

const defaultHistorySize = 1024

// ErrVersionRegression is returned by Put when a write would lower a node's version.
var ErrVersionRegression = apperrors.Conflict(apperrors.CodeVersionRegression.String(), "node version cannot decrease").Build()

// Record is one provenance log entry.
type Record struct {
	NodeID     string          `json:"nodeId"`
	Provenance node.Provenance `json:"provenance"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted,omitempty"`
	At         time.Time       `json:"at"`
}

// Stats reports cache usage.
type Stats struct {
	Nodes        int
	Placeholders int
	Hits         int64
	Misses       int64
}

// NodeCache owns node records. Stored and returned nodes are copies, so callers
// can never mutate cached state in place.
type NodeCache struct {
	mu         sync.RWMutex
	nodes      map[string]*node.Node
	persisted  map[string]struct{}
	provenance map[string]node.Provenance

	history     []Record
	historyNext int
	historyFull bool

	hits   int64
	misses int64

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a NodeCache.
type Option func(*NodeCache)

// WithLogger sets the cache logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *NodeCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHistorySize bounds the provenance log.
func WithHistorySize(n int) Option {
	return func(c *NodeCache) {
		if n > 0 {
			c.history = make([]Record, n)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *NodeCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *NodeCache {
	c := &NodeCache{
		nodes:      make(map[string]*node.Node),
		persisted:  make(map[string]struct{}),
		provenance: make(map[string]node.Provenance),
		history:    make([]Record, defaultHistorySize),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the node, or nil.
func (c *NodeCache) Get(id string) *node.Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[id]
	if !ok {
		c.misses++
		return nil
	}
	c.hits++
	return n.Clone()
}

// Has reports whether id is cached.
func (c *NodeCache) Has(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.nodes[id]
	return ok
}

// Put stores a copy of n. Writes from the database or sync mark the node durable;
// placeholder writes mark it in-memory only. A write that lowers the cached
// version is refused unless it is a rollback.
func (c *NodeCache) Put(n *node.Node, prov node.Provenance) error {
	if n == nil || n.ID == "" {
		return apperrors.Validation(apperrors.CodeNodeIDEmpty.String(), "cannot cache node without id").Build()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.nodes[n.ID]; ok && n.Version < cur.Version && prov != node.ProvenanceRollback {
		c.logger.Warn("Refusing cache write that lowers version",
			zap.String("node_id", n.ID),
			zap.Int64("cached_version", cur.Version),
			zap.Int64("incoming_version", n.Version),
			zap.String("provenance", string(prov)),
		)
		return ErrVersionRegression
	}

	c.nodes[n.ID] = n.Clone()
	c.provenance[n.ID] = prov
	switch prov {
	case node.ProvenanceDatabase, node.ProvenanceSync:
		c.persisted[n.ID] = struct{}{}
	case node.ProvenancePlaceholder:
		delete(c.persisted, n.ID)
	}
	c.record(Record{NodeID: n.ID, Provenance: prov, Version: n.Version})
	return nil
}

// Delete removes a node. It reports whether the node was cached.
func (c *NodeCache) Delete(id string, prov node.Provenance) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[id]
	if !ok {
		return false
	}
	delete(c.nodes, id)
	delete(c.persisted, id)
	delete(c.provenance, id)
	c.record(Record{NodeID: id, Provenance: prov, Version: n.Version, Deleted: true})
	return true
}

// IsPersisted reports whether the node is known to exist in the backend.
func (c *NodeCache) IsPersisted(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.persisted[id]
	return ok
}

// MarkPersisted records that a cached node now exists in the backend.
func (c *NodeCache) MarkPersisted(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; ok {
		c.persisted[id] = struct{}{}
	}
}

// IsPlaceholder reports whether id is cached but not yet durable.
func (c *NodeCache) IsPlaceholder(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, cached := c.nodes[id]
	_, durable := c.persisted[id]
	return cached && !durable
}

// Provenance returns what produced the latest write of id.
func (c *NodeCache) Provenance(id string) (node.Provenance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.provenance[id]
	return p, ok
}

// History returns the logged writes of id, oldest first.
func (c *NodeCache) History(id string) []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Record
	for _, r := range c.ordered() {
		if r.NodeID == id {
			out = append(out, r)
		}
	}
	return out
}

// Len returns the number of cached nodes.
func (c *NodeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.nodes)
}

// IDs returns every cached ID in sorted order.
func (c *NodeCache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns usage counters.
func (c *NodeCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Nodes:        len(c.nodes),
		Placeholders: len(c.nodes) - len(c.persisted),
		Hits:         c.hits,
		Misses:       c.misses,
	}
}

func (c *NodeCache) record(r Record) {
	r.At = c.now()
	c.history[c.historyNext] = r
	c.historyNext = (c.historyNext + 1) % len(c.history)
	if c.historyNext == 0 {
		c.historyFull = true
	}
}

func (c *NodeCache) ordered() []Record {
	if !c.historyFull {
		return c.history[:c.historyNext]
	}
	out := make([]Record, 0, len(c.history))
	out = append(out, c.history[c.historyNext:]...)
	return append(out, c.history[:c.historyNext]...)
}
