// Package scheduler implements the ready-queue state machine (§4.4): it
// tracks each node's lifecycle, decides which nodes become ready as
// predecessors settle, and cascades skips through edges whose
// dependency can no longer be satisfied. It holds no handler or
// context concerns; the orchestrator drives it and owns the Context.
package scheduler

import (
	"sort"
	"sync"

	"github.com/nbaghiro/flowmaestro-sub016/workflow"
)

// State is a node's position in the lifecycle described by §4.4.
type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// ConditionEvaluator evaluates a conditional edge's CEL expression
// against a source node's output and the current context projection.
// Satisfied by *condition.Evaluator; declared here so the scheduler
// does not import CEL machinery it otherwise has no use for.
type ConditionEvaluator interface {
	Evaluate(expr string, output interface{}, ctx map[string]interface{}) (bool, error)
}

// FailedNode records one failed node's error message (§6 "Execution result").
type FailedNode struct {
	ID    string
	Error string
}

// CompletionSignals carries the parts of a handler's output (§4.3) the
// scheduler needs to resolve outgoing edges: which handles the handler
// explicitly selected and whether it declared itself terminal.
type CompletionSignals struct {
	SelectedHandles []string
	IsTerminal      bool
	// SkipDownstream forces every outgoing edge to resolve unsatisfied
	// regardless of handle type, the imperative counterpart of a
	// conditional route: the handler itself decided nothing downstream
	// should run (§4.3 item 3).
	SkipDownstream bool
}

// Scheduler is the mutable state machine for one execution. Not safe
// for concurrent calls to its mutating methods (Initialize/MarkExecuting/
// MarkCompleted/MarkFailed) — the orchestrator serialises state
// transitions per §5; GetReadyNodes/IsExecutionComplete/FailedNodes are
// safe to call from the same goroutine driving transitions. A mutex
// guards against accidental concurrent misuse rather than being load-bearing.
type Scheduler struct {
	mu sync.Mutex

	wf   *workflow.Workflow
	cond ConditionEvaluator

	states    map[string]State
	pendingIn map[string]int // remaining unresolved incoming edges
	incoming  map[string][]*workflow.Edge
	outgoing  map[string][]*workflow.Edge
	errors    map[string]string

	order []string // node ids in the order they were marked executing
}

// Initialize builds the initial scheduler state for wf: dependency-free
// nodes start ready, everything else pending, per §4.4 `initialize`.
func Initialize(wf *workflow.Workflow, cond ConditionEvaluator) *Scheduler {
	s := &Scheduler{
		wf:        wf,
		cond:      cond,
		states:    make(map[string]State, len(wf.Nodes)),
		pendingIn: make(map[string]int, len(wf.Nodes)),
		incoming:  make(map[string][]*workflow.Edge, len(wf.Nodes)),
		outgoing:  make(map[string][]*workflow.Edge, len(wf.Nodes)),
		errors:    map[string]string{},
	}
	for _, e := range wf.Edges {
		s.incoming[e.Target] = append(s.incoming[e.Target], e)
		s.outgoing[e.Source] = append(s.outgoing[e.Source], e)
	}

	// Loop/parallel body nodes live in wf.Nodes so buildSubWorkflow can
	// look them up, but they are only ever scheduled as part of the
	// nested executeGraph call the orchestrator runs for their container
	// node (§11) — the top-level scheduler must not also offer them as
	// independently ready nodes.
	bodyOnly := map[string]bool{}
	for _, lc := range wf.LoopContexts {
		for _, id := range lc.BodyNodeIDs {
			bodyOnly[id] = true
		}
	}
	for _, pc := range wf.ParallelContexts {
		for _, id := range pc.BodyNodeIDs {
			bodyOnly[id] = true
		}
	}

	for id := range wf.Nodes {
		if bodyOnly[id] {
			continue
		}
		n := len(s.incoming[id])
		s.pendingIn[id] = n
		if n == 0 {
			s.states[id] = StateReady
		} else {
			s.states[id] = StatePending
		}
	}
	return s
}

// State returns a node's current lifecycle state.
func (s *Scheduler) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[id]
}

// GetReadyNodes returns up to availableSlots ready node ids, chosen
// deterministically by (depth ascending, id ascending) for reproducible
// executionOrder across runs with identical handler behavior (P4).
func (s *Scheduler) GetReadyNodes(availableSlots int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if availableSlots <= 0 {
		return nil
	}
	var ready []string
	for id, st := range s.states {
		if st == StateReady {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		di, dj := s.wf.Nodes[ready[i]].Depth, s.wf.Nodes[ready[j]].Depth
		if di != dj {
			return di < dj
		}
		return ready[i] < ready[j]
	})
	if len(ready) > availableSlots {
		ready = ready[:availableSlots]
	}
	return ready
}

// MarkExecuting transitions each id from ready to executing and records
// it in the execution order (§6).
func (s *Scheduler) MarkExecuting(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.states[id] != StateReady {
			continue
		}
		s.states[id] = StateExecuting
		s.order = append(s.order, id)
	}
}

// ExecutingCount reports how many nodes are currently executing (P2).
func (s *Scheduler) ExecutingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.states {
		if st == StateExecuting {
			n++
		}
	}
	return n
}

// ExecutionOrder returns the ids in the order they entered executing.
func (s *Scheduler) ExecutionOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// FailedNodes returns the recorded failures.
func (s *Scheduler) FailedNodes() []FailedNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailedNode, 0, len(s.errors))
	for _, id := range s.order {
		if msg, ok := s.errors[id]; ok {
			out = append(out, FailedNode{ID: id, Error: msg})
		}
	}
	return out
}

// IsExecutionComplete reports whether no node remains pending, ready,
// or executing (P7).
func (s *Scheduler) IsExecutionComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st == StatePending || st == StateReady || st == StateExecuting {
			return false
		}
	}
	return true
}

// MarkCompleted records a successful completion and resolves every
// outgoing edge from id against the handler's output and signals (§4.4).
// It reports whether this completion triggered a terminate-on-reach
// short-circuit (I3), so callers driving a loop body can stop iterating
// early per §11.
func (s *Scheduler) MarkCompleted(id string, output interface{}, ctxProjection map[string]interface{}, sig CompletionSignals) (terminated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = StateCompleted

	if s.wf.Nodes[id].TerminateOnReach && sig.IsTerminal {
		s.terminateOthers(id)
		return true
	}

	selected := make(map[string]bool, len(sig.SelectedHandles))
	for _, h := range sig.SelectedHandles {
		selected[h] = true
	}

	for _, e := range s.outgoing[id] {
		satisfied := !sig.SkipDownstream && s.edgeSatisfiedOnSuccess(e, output, ctxProjection, selected)
		s.resolveEdge(e.Target, satisfied)
	}
	return false
}

// MarkFailed records a failed completion. Per §7, a failure is fatal by
// default (all dependents, including error-handled ones, are skipped);
// a node with ToleratesFailure set satisfies only its error-handled
// outgoing edges, treating itself as a success for those dependents.
func (s *Scheduler) MarkFailed(id string, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = StateFailed
	s.errors[id] = errMsg

	tolerate := s.wf.Nodes[id].ToleratesFailure
	for _, e := range s.outgoing[id] {
		satisfied := tolerate && e.HandleType == workflow.HandleError
		s.resolveEdge(e.Target, satisfied)
	}
}

// edgeSatisfiedOnSuccess implements §4.4's per-handle-type satisfaction
// rule for a source node that completed successfully.
func (s *Scheduler) edgeSatisfiedOnSuccess(e *workflow.Edge, output interface{}, ctxProjection map[string]interface{}, selected map[string]bool) bool {
	switch e.HandleType {
	case workflow.HandleDefault:
		return true
	case workflow.HandleError:
		return false
	case workflow.HandleConditional:
		if selected[e.SourceHandle] {
			return true
		}
		if e.Condition == "" || s.cond == nil {
			return false
		}
		ok, err := s.cond.Evaluate(e.Condition, output, ctxProjection)
		return err == nil && ok
	default:
		return false
	}
}

// resolveEdge applies one edge's resolution to its target: a satisfied
// edge counts down the target's remaining dependency count (transitioning
// to ready once all are resolved); an unsatisfied edge means the
// target's AND-of-dependencies can never be met, so the target — and
// everything reachable only through it — is skipped immediately.
func (s *Scheduler) resolveEdge(targetID string, satisfied bool) {
	if s.states[targetID] != StatePending {
		return
	}
	if !satisfied {
		s.skip(targetID)
		return
	}
	s.pendingIn[targetID]--
	if s.pendingIn[targetID] <= 0 {
		s.states[targetID] = StateReady
	}
}

// skip transitions id to skipped and cascades: a skipped node satisfies
// no outgoing edge of any handle type, so every dependent whose last
// chance of satisfaction ran through id is skipped in turn. This makes
// the simplified "ready when predecessors are completed or skipped"
// phrasing an emergent consequence of cascading unsatisfied edges,
// rather than a rule evaluated independently of edge-handle semantics.
func (s *Scheduler) skip(id string) {
	if st := s.states[id]; st == StateCompleted || st == StateFailed || st == StateSkipped {
		return
	}
	s.states[id] = StateSkipped
	for _, e := range s.outgoing[id] {
		s.resolveEdge(e.Target, false)
	}
}

// terminateOthers forces every not-yet-settled peer to skipped (I3).
func (s *Scheduler) terminateOthers(reachedBy string) {
	for id, st := range s.states {
		if id == reachedBy {
			continue
		}
		if st == StatePending || st == StateReady || st == StateExecuting {
			s.states[id] = StateSkipped
		}
	}
}
