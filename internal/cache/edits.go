package cache

// Editor-triggered transitions. Each encodes how one kind of edit is allowed
// to dirty the graph; the scheduler never calls these, the management API does.

// PublishInput records a new value on an input node. The node itself becomes
// completed (its value is its output) and everything downstream goes stale.
func (c *Cache) PublishInput(nodeID string, output map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	r := c.record(nodeID)
	r.Status = StatusCompleted
	r.Output = output
	r.Error = nil
	r.Generation = c.generation
	c.invalidateDownstreamLocked(nodeID)
}

// MarkCodeChanged marks a code node stale after its script was edited.
// Downstream nodes keep their records until the node actually re-executes.
func (c *Cache) MarkCodeChanged(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.markStaleLocked(nodeID)
}

// ConnectionChanged invalidates a node whose incoming topology changed
// (edge added or removed) together with its downstream set.
func (c *Cache) ConnectionChanged(targetNodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.markStaleLocked(targetNodeID)
	c.invalidateDownstreamLocked(targetNodeID)
}
