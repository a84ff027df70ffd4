// Package execctx implements the workflow execution context (§4.2):
// an immutable-by-update snapshot of inputs, node outputs, workflow
// variables, and shared memory. Every mutating operation returns a new
// *Context; holders of an older value never observe later writes.
package execctx

import (
	"encoding/json"

	"github.com/nbaghiro/flowmaestro-sub016/engineerr"
)

// SizeLimits bounds the context's memory footprint (§4.2, optional).
// Zero fields mean "unbounded" for that dimension.
type SizeLimits struct {
	MaxNodeOutputBytes   int
	MaxTotalContextBytes int
	MaxNodeCount         int
	// PruneOldest selects the prune-oldest policy (FIFO eviction) over
	// the default reject policy when a cap would be exceeded.
	PruneOldest bool
}

type outputEntry struct {
	nodeID    string
	value     interface{}
	sizeBytes int
	pruned    bool
}

type sharedValue struct {
	value        interface{}
	writerNodeID string
}

// Context is the value type handlers read from and the orchestrator
// updates. The zero value is not usable; construct with Create.
//
// Mutations clone only the fields that change (inputs are set once at
// construction and shared by every descendant; the output/variable/
// shared maps are shallow-cloned on write). At DAG scale (tens to a
// few thousand nodes) this trades a bounded per-store copy for the
// simplicity of plain Go maps instead of a hand-rolled persistent map;
// see DESIGN.md for the tradeoff against a true persistent structure.
type Context struct {
	limits SizeLimits
	inputs map[string]interface{}

	outputOrder []string // insertion order of store calls, including pruned ids
	outputs     map[string]outputEntry
	totalBytes  int

	variables map[string]interface{}
	shared    map[string]sharedValue
}

// Create builds the initial context for a run. inputs is defensively
// copied so the caller's map can be reused or mutated freely afterward.
func Create(inputs map[string]interface{}, limits SizeLimits) *Context {
	cp := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		cp[k] = v
	}
	return &Context{
		limits:    limits,
		inputs:    cp,
		outputs:   map[string]outputEntry{},
		variables: map[string]interface{}{},
		shared:    map[string]sharedValue{},
	}
}

func (c *Context) clone() *Context {
	n := &Context{
		limits:     c.limits,
		inputs:     c.inputs,
		outputOrder: append([]string(nil), c.outputOrder...),
		outputs:    make(map[string]outputEntry, len(c.outputs)),
		totalBytes: c.totalBytes,
		variables:  make(map[string]interface{}, len(c.variables)),
		shared:     make(map[string]sharedValue, len(c.shared)),
	}
	for k, v := range c.outputs {
		n.outputs[k] = v
	}
	for k, v := range c.variables {
		n.variables[k] = v
	}
	for k, v := range c.shared {
		n.shared[k] = v
	}
	return n
}

func jsonSize(v interface{}) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func (c *Context) liveOutputCount() int {
	n := 0
	for _, e := range c.outputs {
		if !e.pruned {
			n++
		}
	}
	return n
}

// StoreNodeOutput writes a node's output exactly once per id (retries
// after a prior failure are the only legitimate overwrite, enforced by
// the scheduler's call-site discipline, not by this package).
func (c *Context) StoreNodeOutput(nodeID string, value interface{}) (*Context, error) {
	size := jsonSize(value)

	if c.limits.MaxNodeOutputBytes > 0 && size > c.limits.MaxNodeOutputBytes {
		return nil, engineerr.New(engineerr.KindContextOverflow, nodeID, "node output exceeds per-node size limit")
	}

	n := c.clone()

	if _, exists := n.outputs[nodeID]; !exists {
		n.outputOrder = append(n.outputOrder, nodeID)
	}

	newTotal := n.totalBytes + size
	if c.limits.MaxTotalContextBytes > 0 && newTotal > c.limits.MaxTotalContextBytes {
		if !c.limits.PruneOldest {
			return nil, engineerr.New(engineerr.KindContextOverflow, nodeID, "total context size limit exceeded")
		}
		n.pruneUntil(func() bool { return n.totalBytes+size <= c.limits.MaxTotalContextBytes })
	}

	if c.limits.MaxNodeCount > 0 && n.liveOutputCount()+1 > c.limits.MaxNodeCount {
		if !c.limits.PruneOldest {
			return nil, engineerr.New(engineerr.KindContextOverflow, nodeID, "node count limit exceeded")
		}
		n.pruneUntil(func() bool { return n.liveOutputCount()+1 <= c.limits.MaxNodeCount })
	}

	n.outputs[nodeID] = outputEntry{nodeID: nodeID, value: value, sizeBytes: size}
	n.totalBytes += size
	return n, nil
}

// pruneUntil evicts live entries in FIFO (insertion) order until cond
// holds or there is nothing left to evict.
func (n *Context) pruneUntil(cond func() bool) {
	for _, id := range n.outputOrder {
		if cond() {
			return
		}
		e, ok := n.outputs[id]
		if !ok || e.pruned {
			continue
		}
		e.pruned = true
		n.totalBytes -= e.sizeBytes
		n.outputs[id] = e
	}
}

// GetNodeOutput returns a live (non-pruned) node output.
func (c *Context) GetNodeOutput(nodeID string) (interface{}, bool) {
	e, ok := c.outputs[nodeID]
	if !ok || e.pruned {
		return nil, false
	}
	return e.value, true
}

// PrunedNodeIDs lists node ids whose output has been evicted by the
// size-bound prune-oldest policy, so the scheduler can account for them.
func (c *Context) PrunedNodeIDs() []string {
	var out []string
	for _, id := range c.outputOrder {
		if e := c.outputs[id]; e.pruned {
			out = append(out, id)
		}
	}
	return out
}

// SetVariable stores a workflow-scoped variable; last write wins (§3).
func (c *Context) SetVariable(key string, value interface{}) *Context {
	n := c.clone()
	n.variables[key] = value
	return n
}

// GetVariable looks up a workflow variable.
func (c *Context) GetVariable(key string) (interface{}, bool) {
	v, ok := c.variables[key]
	return v, ok
}

// SetSharedMemory stores a cross-branch value, recording its writer.
func (c *Context) SetSharedMemory(key string, value interface{}, writerNodeID string) *Context {
	n := c.clone()
	n.shared[key] = sharedValue{value: value, writerNodeID: writerNodeID}
	return n
}

// GetShared looks up a shared-memory value.
func (c *Context) GetShared(key string) (interface{}, bool) {
	v, ok := c.shared[key]
	if !ok {
		return nil, false
	}
	return v.value, true
}

// SharedWriter returns the node id that last wrote a shared key.
func (c *Context) SharedWriter(key string) (string, bool) {
	v, ok := c.shared[key]
	if !ok {
		return "", false
	}
	return v.writerNodeID, true
}

// GetInput looks up a workflow input.
func (c *Context) GetInput(key string) (interface{}, bool) {
	v, ok := c.inputs[key]
	return v, ok
}

// Inputs returns a copy of the workflow inputs.
func (c *Context) Inputs() map[string]interface{} {
	out := make(map[string]interface{}, len(c.inputs))
	for k, v := range c.inputs {
		out[k] = v
	}
	return out
}

// Variables returns a copy of workflow variables.
func (c *Context) Variables() map[string]interface{} {
	out := make(map[string]interface{}, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// Shared returns a copy of the shared-memory values, writer metadata
// stripped (use SharedWriter for that).
func (c *Context) Shared() map[string]interface{} {
	out := make(map[string]interface{}, len(c.shared))
	for k, v := range c.shared {
		out[k] = v.value
	}
	return out
}

// NodeOutputs returns a copy of the live node-output map, the flat
// projection handlers and CEL conditions read as "ctx" (§4.2
// getExecutionContext).
func (c *Context) NodeOutputs() map[string]interface{} {
	out := make(map[string]interface{}, len(c.outputs))
	for _, id := range c.outputOrder {
		if e := c.outputs[id]; !e.pruned {
			out[id] = e.value
		}
	}
	return out
}

// BuildFinalOutputs merges each output node's stored `{name: value}`
// output into one mapping, later ids in outputNodeIDs winning on key
// collision (§4.2). Idempotent: calling it twice on the same context
// yields identical results (§8 round-trip property).
func BuildFinalOutputs(c *Context, outputNodeIDs []string) map[string]interface{} {
	merged := map[string]interface{}{}
	for _, id := range outputNodeIDs {
		out, ok := c.GetNodeOutput(id)
		if !ok {
			continue
		}
		m, ok := out.(map[string]interface{})
		if !ok {
			continue
		}
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}
