// Package workflow defines the compiled workflow IR the execution core
// consumes: nodes, edges, loop/parallel bodies and the handful of
// top-level knobs (trigger, outputs, concurrency cap). Building this IR
// from a user-facing DSL is an external, out-of-scope concern; this
// package only normalizes and validates an already-compiled graph.
package workflow

import "fmt"

// HandleType classifies the semantics of an edge's satisfaction rule (§4.4).
type HandleType string

const (
	HandleDefault     HandleType = "default"
	HandleConditional HandleType = "conditional"
	HandleError       HandleType = "error"
)

// Node is one unit of work in the DAG.
type Node struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Name         string                 `json:"name"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Depth        int                    `json:"depth"`
	Dependencies []string               `json:"dependencies"`
	Dependents   []string               `json:"dependents"`

	// TerminateOnReach resolves the open question of §9: an output (or
	// any) node opts into short-circuiting the rest of the graph when its
	// handler signals isTerminal. Not inferred from node type.
	TerminateOnReach bool `json:"terminateOnReach,omitempty"`

	// ToleratesFailure marks this node's own failure as non-fatal to its
	// error-handled dependents (§7's tolerateFailure).
	ToleratesFailure bool `json:"tolerateFailure,omitempty"`
}

// Edge carries the handle semantics dependency lists alone cannot express.
type Edge struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	Target       string     `json:"target"`
	SourceHandle string     `json:"sourceHandle,omitempty"`
	TargetHandle string     `json:"targetHandle,omitempty"`
	HandleType   HandleType `json:"handleType"`
	// Condition is a CEL expression (§11 Domain Stack); non-empty only on
	// conditional edges using the declarative evaluation mechanism.
	Condition string `json:"condition,omitempty"`
}

// LoopContext describes a loop node's body subgraph (§11).
type LoopContext struct {
	BodyNodeIDs   []string `json:"bodyNodeIds"`
	EntryNodeIDs  []string `json:"entryNodeIds"`
	ItemsExpr     string   `json:"itemsExpr"`
	ResultNodeID  string   `json:"resultNodeId"`
	MaxIterations int      `json:"maxIterations"`
}

// ParallelContext describes a parallel node's body subgraph (§11).
type ParallelContext struct {
	BodyNodeIDs           []string `json:"bodyNodeIds"`
	EntryNodeIDs          []string `json:"entryNodeIds"`
	ItemsExpr             string   `json:"itemsExpr"`
	ResultNodeID          string   `json:"resultNodeId"`
	MaxConcurrentBranches int      `json:"maxConcurrentBranches"`
}

// Workflow is the compiled graph handed to the orchestrator (§3).
type Workflow struct {
	Nodes              map[string]*Node            `json:"nodes"`
	Edges              map[string]*Edge            `json:"edges"`
	ExecutionLevels    [][]string                  `json:"executionLevels,omitempty"`
	TriggerNodeID      string                      `json:"triggerNodeId,omitempty"`
	OutputNodeIDs      []string                    `json:"outputNodeIds"`
	LoopContexts       map[string]*LoopContext     `json:"loopContexts,omitempty"`
	ParallelContexts   map[string]*ParallelContext `json:"parallelContexts,omitempty"`
	MaxConcurrentNodes int                          `json:"maxConcurrentNodes"`
}

// EffectiveConcurrency coerces a non-positive cap to 1 (§5).
func (w *Workflow) EffectiveConcurrency() int {
	if w.MaxConcurrentNodes <= 0 {
		return 1
	}
	return w.MaxConcurrentNodes
}

// Normalize fills in derived fields (dependency/dependent symmetry,
// depth, executionLevels) the compiled format allows to be absent or
// stale, then validates the result. It mutates w in place and returns it.
func Normalize(w *Workflow) (*Workflow, error) {
	if w == nil {
		return nil, fmt.Errorf("workflow: nil workflow")
	}
	if w.Nodes == nil {
		w.Nodes = map[string]*Node{}
	}
	if w.Edges == nil {
		w.Edges = map[string]*Edge{}
	}

	if err := reconcileEdges(w); err != nil {
		return nil, err
	}
	if err := validateReferences(w); err != nil {
		return nil, err
	}
	depths, order, err := computeDepths(w)
	if err != nil {
		return nil, err
	}
	for id, d := range depths {
		w.Nodes[id].Depth = d
	}
	if len(w.ExecutionLevels) == 0 || !executionLevelsFresh(w, order) {
		w.ExecutionLevels = buildExecutionLevels(w, order)
	}
	if err := validateLoopParallel(w); err != nil {
		return nil, err
	}
	return w, nil
}

// reconcileEdges makes each node's Dependencies/Dependents consistent
// with the edge map, which is the source of truth for handle semantics
// (§3: "redundant with dependency lists but carries handle semantics").
func reconcileEdges(w *Workflow) error {
	seen := make(map[string]map[string]bool, len(w.Nodes))
	for id := range w.Nodes {
		seen[id] = map[string]bool{}
	}
	for _, e := range w.Edges {
		src, ok := w.Nodes[e.Source]
		if !ok {
			return fmt.Errorf("workflow: edge %s references unknown source node %s", e.ID, e.Source)
		}
		tgt, ok := w.Nodes[e.Target]
		if !ok {
			return fmt.Errorf("workflow: edge %s references unknown target node %s", e.ID, e.Target)
		}
		if !seen[e.Source][e.Target] {
			src.Dependents = appendUnique(src.Dependents, e.Target)
			tgt.Dependencies = appendUnique(tgt.Dependencies, e.Source)
			seen[e.Source][e.Target] = true
		}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// validateReferences checks every dependency/dependent list names an
// existing node id (§3 invariant).
func validateReferences(w *Workflow) error {
	for id, n := range w.Nodes {
		for _, dep := range n.Dependencies {
			if _, ok := w.Nodes[dep]; !ok {
				return fmt.Errorf("workflow: node %s depends on unknown node %s", id, dep)
			}
		}
		for _, dep := range n.Dependents {
			if _, ok := w.Nodes[dep]; !ok {
				return fmt.Errorf("workflow: node %s has unknown dependent %s", id, dep)
			}
		}
	}
	return nil
}

// computeDepths assigns each node its topological depth (longest path
// from an entry node) via Kahn's algorithm, which doubles as cycle
// detection: the compiled workflow is acyclic by construction (§9), but
// a bad input must be rejected here rather than deadlocking the
// scheduler at runtime.
func computeDepths(w *Workflow) (map[string]int, []string, error) {
	indegree := make(map[string]int, len(w.Nodes))
	for id, n := range w.Nodes {
		indegree[id] = len(n.Dependencies)
	}

	depth := make(map[string]int, len(w.Nodes))
	queue := make([]string, 0, len(w.Nodes))
	for id, deg := range indegree {
		if deg == 0 {
			depth[id] = 0
			queue = append(queue, id)
		}
	}
	sortStrings(queue)

	order := make([]string, 0, len(w.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		next := append([]string(nil), w.Nodes[id].Dependents...)
		sortStrings(next)
		for _, dep := range next {
			indegree[dep]--
			if depth[dep] < depth[id]+1 {
				depth[dep] = depth[id] + 1
			}
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(w.Nodes) {
		return nil, nil, fmt.Errorf("workflow: dependency graph is not acyclic (%d of %d nodes reachable via topological order)", len(order), len(w.Nodes))
	}
	return depth, order, nil
}

// executionLevelsFresh reports whether the workflow's advisory
// executionLevels hint names only known nodes and has exactly as many
// entries as there are nodes; if not, Normalize recomputes it rather than
// trusting stale input (§3: "advisory hint"). It does not check that each
// node's dependencies lie in earlier levels, nor that no id repeats.
func executionLevelsFresh(w *Workflow, order []string) bool {
	covered := 0
	for _, level := range w.ExecutionLevels {
		for _, id := range level {
			if _, ok := w.Nodes[id]; !ok {
				return false
			}
			covered++
		}
	}
	return covered == len(order)
}

func buildExecutionLevels(w *Workflow, order []string) [][]string {
	maxDepth := 0
	for _, id := range order {
		if d := w.Nodes[id].Depth; d > maxDepth {
			maxDepth = d
		}
	}
	levels := make([][]string, maxDepth+1)
	for _, id := range order {
		d := w.Nodes[id].Depth
		levels[d] = append(levels[d], id)
	}
	return levels
}

func validateLoopParallel(w *Workflow) error {
	for id, lc := range w.LoopContexts {
		if _, ok := w.Nodes[id]; !ok {
			return fmt.Errorf("workflow: loopContexts references unknown node %s", id)
		}
		if lc.MaxIterations <= 0 {
			return fmt.Errorf("workflow: loop node %s: maxIterations must be > 0", id)
		}
		for _, bodyID := range lc.BodyNodeIDs {
			if _, ok := w.Nodes[bodyID]; !ok {
				return fmt.Errorf("workflow: loop node %s: body references unknown node %s", id, bodyID)
			}
		}
	}
	for id, pc := range w.ParallelContexts {
		if _, ok := w.Nodes[id]; !ok {
			return fmt.Errorf("workflow: parallelContexts references unknown node %s", id)
		}
		for _, bodyID := range pc.BodyNodeIDs {
			if _, ok := w.Nodes[bodyID]; !ok {
				return fmt.Errorf("workflow: parallel node %s: body references unknown node %s", id, bodyID)
			}
		}
	}
	return nil
}

func sortStrings(s []string) {
	// small insertion sort: node fan-out is small and this keeps the
	// package dependency-free; deterministic ordering is all that matters
	// for §4.4's (depth, id) tie-break, not asymptotic performance.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
