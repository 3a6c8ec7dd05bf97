package livelog

// HistorySize is the number of node id mappings a session remembers.
const HistorySize = 20

// NodeRule maps a harness node id to a result id.
type NodeRule struct {
	NodeID   int   `msgpack:"node_id"`
	ResultID int64 `msgpack:"result_id"`
}

// NodeIDConverter resolves the node ids artifact events refer to. Only the
// most recently added HistorySize rules are kept.
type NodeIDConverter struct {
	Rules []NodeRule `msgpack:"rules"`
}

// AddRule remembers a mapping, evicting the oldest one when full.
func (c *NodeIDConverter) AddRule(nodeID int, resultID int64) {
	c.Rules = append(c.Rules, NodeRule{NodeID: nodeID, ResultID: resultID})
	if len(c.Rules) > HistorySize {
		c.Rules = append(c.Rules[:0:0], c.Rules[1:]...)
	}
}

// ResultID returns the result the node was mapped to.
func (c *NodeIDConverter) ResultID(nodeID int) (int64, bool) {
	for _, r := range c.Rules {
		if r.NodeID == nodeID {
			return r.ResultID, true
		}
	}
	return 0, false
}
