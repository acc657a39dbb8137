package cache

import "outliner-backend/internal/domain/node"

// Entry is the captured state of one cache slot. A nil Node means the slot was empty.
type Entry struct {
	ID         string
	Node       *node.Node
	Persisted  bool
	Provenance node.Provenance
}

// Capture copies the current state of the given IDs.
func (c *NodeCache) Capture(ids ...string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e := Entry{ID: id}
		if n, ok := c.nodes[id]; ok {
			e.Node = n.Clone()
			_, e.Persisted = c.persisted[id]
			e.Provenance = c.provenance[id]
		}
		out = append(out, e)
	}
	return out
}

// Restore puts captured entries back exactly, removing nodes that were absent
// at capture time. Restores are logged with rollback provenance.
func (c *NodeCache) Restore(entries []Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if e.Node == nil {
			if cur, ok := c.nodes[e.ID]; ok {
				delete(c.nodes, e.ID)
				delete(c.persisted, e.ID)
				delete(c.provenance, e.ID)
				c.record(Record{NodeID: e.ID, Provenance: node.ProvenanceRollback, Version: cur.Version, Deleted: true})
			}
			continue
		}
		c.nodes[e.ID] = e.Node.Clone()
		c.provenance[e.ID] = e.Provenance
		if e.Persisted {
			c.persisted[e.ID] = struct{}{}
		} else {
			delete(c.persisted, e.ID)
		}
		c.record(Record{NodeID: e.ID, Provenance: node.ProvenanceRollback, Version: e.Node.Version})
	}
}
