// Package orchestrator implements the top-level control loop (§4.5):
// it drives the Scheduler and Dispatcher to completion, runs loop and
// parallel node bodies as nested executions (§11), and assembles the
// final execution result. Grounded on the teacher's coordinator.Start/
// handleCompletion loop, transposed from Redis-stream consumption to an
// in-process goroutine/channel loop (§11, "enrichment from the rest of
// the pack": structured concurrency expressed with stdlib sync/channels).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbaghiro/flowmaestro-sub016/condition"
	"github.com/nbaghiro/flowmaestro-sub016/dispatcher"
	"github.com/nbaghiro/flowmaestro-sub016/engineerr"
	"github.com/nbaghiro/flowmaestro-sub016/execctx"
	"github.com/nbaghiro/flowmaestro-sub016/logging"
	"github.com/nbaghiro/flowmaestro-sub016/resolver"
	"github.com/nbaghiro/flowmaestro-sub016/scheduler"
	"github.com/nbaghiro/flowmaestro-sub016/workflow"
)

// Config tunes an Orchestrator independent of any one workflow.
type Config struct {
	// CancellationGrace bounds how long the orchestrator waits for
	// in-flight handlers to settle after ctx is cancelled (§5).
	CancellationGrace time.Duration
	Limits            execctx.SizeLimits
}

// ExecutionResult is the orchestrator's public return value (§6).
type ExecutionResult struct {
	Success        bool
	Outputs        map[string]interface{}
	ExecutionOrder []string
	FailedNodes    []scheduler.FailedNode
	Durations      map[string]int64
	Cancelled      bool
}

// Orchestrator ties a compiled workflow to a dispatcher and condition
// evaluator and drives executions of it.
type Orchestrator struct {
	wf     *workflow.Workflow
	disp   *dispatcher.Dispatcher
	cond   scheduler.ConditionEvaluator
	log    *logging.Logger
	config Config
}

// New builds an Orchestrator. cond may be nil if the workflow has no
// conditional edges; a nil logger falls back to an error-level console
// logger.
func New(wf *workflow.Workflow, disp *dispatcher.Dispatcher, cond *condition.Evaluator, log *logging.Logger, cfg Config) *Orchestrator {
	if log == nil {
		log = logging.New("error", "console")
	}
	if cfg.CancellationGrace <= 0 {
		cfg.CancellationGrace = 5 * time.Second
	}
	var ce scheduler.ConditionEvaluator
	if cond != nil {
		ce = cond
	}
	return &Orchestrator{wf: wf, disp: disp, cond: ce, log: log, config: cfg}
}

// Run executes the workflow end to end against the given inputs.
func (o *Orchestrator) Run(ctx context.Context, executionID string, inputs map[string]interface{}) (*ExecutionResult, error) {
	execCtx := execctx.Create(inputs, o.config.Limits)
	log := o.log.WithExecutionID(executionID)

	finalCtx, sched, durations, _, err := o.executeGraph(ctx, o.wf, execCtx, nil, nil, log)
	if err != nil {
		var ee *engineerr.Error
		cancelled := errors.As(err, &ee) && ee.Kind == engineerr.KindCancelled
		return &ExecutionResult{
			Success:        false,
			Outputs:        execctx.BuildFinalOutputs(finalCtx, o.wf.OutputNodeIDs),
			ExecutionOrder: sched.ExecutionOrder(),
			FailedNodes:    sched.FailedNodes(),
			Durations:      durations,
			Cancelled:      cancelled,
		}, err
	}

	failed := sched.FailedNodes()
	success := allOutputsReached(sched, o.wf.OutputNodeIDs)

	return &ExecutionResult{
		Success:        success,
		Outputs:        execctx.BuildFinalOutputs(finalCtx, o.wf.OutputNodeIDs),
		ExecutionOrder: sched.ExecutionOrder(),
		FailedNodes:    failed,
		Durations:      durations,
	}, nil
}

func allOutputsReached(sched *scheduler.Scheduler, outputNodeIDs []string) bool {
	for _, id := range outputNodeIDs {
		if sched.State(id) != scheduler.StateCompleted {
			return false
		}
	}
	return true
}

// nodeResult is what one dispatched node (leaf or container) produces.
type nodeResult struct {
	id         string
	output     dispatcher.Output
	err        error
	updatedCtx *execctx.Context // non-nil only for loop/parallel container nodes
}

// executeGraph drives wf (the full workflow, or a loop/parallel body
// subgraph) to completion and returns the resulting context, the
// scheduler's final state, per-node durations, and whether a
// terminate-on-reach short-circuit fired anywhere in this graph.
func (o *Orchestrator) executeGraph(
	ctx context.Context,
	wf *workflow.Workflow,
	execCtx *execctx.Context,
	loopFrame *resolver.LoopFrame,
	parallelFrame *resolver.ParallelFrame,
	log *logging.Logger,
) (*execctx.Context, *scheduler.Scheduler, map[string]int64, bool, error) {
	sched := scheduler.Initialize(wf, o.cond)
	durations := map[string]int64{}
	cap := wf.EffectiveConcurrency()
	terminated := false

	completions := make(chan nodeResult, cap)
	inFlight := 0
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			o.waitForDrain(&wg)
			return execCtx, sched, durations, terminated, engineerr.Wrap(engineerr.KindCancelled, "", ctx.Err())
		default:
		}

		if sched.IsExecutionComplete() && inFlight == 0 {
			break
		}

		available := cap - inFlight
		batch := sched.GetReadyNodes(available)
		if len(batch) > 0 {
			sched.MarkExecuting(batch)
			for _, id := range batch {
				id := id
				inFlight++
				wg.Add(1)
				snapshot := execCtx
				go func() {
					defer wg.Done()
					res := o.runOne(ctx, wf, id, snapshot, loopFrame, parallelFrame, log)
					completions <- res
				}()
			}
			continue
		}

		if inFlight == 0 {
			return execCtx, sched, durations, terminated, engineerr.New(engineerr.KindDeadlock, "", "scheduler made no progress: no ready nodes and none executing")
		}

		res := <-completions
		inFlight--
		execCtx, terminated = o.applyCompletion(sched, execCtx, res, durations, log)
		if terminated {
			// Drain remaining in-flight work before returning so we don't
			// leak goroutines still writing to completions.
			go func() { wg.Wait(); close(completions) }()
			for range completions {
			}
			return execCtx, sched, durations, true, nil
		}
	}

	return execCtx, sched, durations, terminated, nil
}

// waitForDrain waits for in-flight handler goroutines to settle after a
// cancellation, but never beyond the orchestrator's configured grace
// period (§5: "the orchestrator must not wait indefinitely beyond a
// configurable grace period"). Handlers that ignore ctx cancellation
// leak their goroutine past the deadline; the drained completions are
// simply never read once this returns.
func (o *Orchestrator) waitForDrain(wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.config.CancellationGrace):
	}
}

// runOne dispatches a single node: container node types (loop/parallel)
// are intercepted and run as nested executions; everything else goes
// through the Dispatcher (§4.5).
func (o *Orchestrator) runOne(
	ctx context.Context,
	wf *workflow.Workflow,
	id string,
	execCtx *execctx.Context,
	loopFrame *resolver.LoopFrame,
	parallelFrame *resolver.ParallelFrame,
	log *logging.Logger,
) nodeResult {
	if lc, ok := wf.LoopContexts[id]; ok {
		return o.runLoopNode(ctx, wf, id, lc, execCtx, loopFrame, parallelFrame, log)
	}
	if pc, ok := wf.ParallelContexts[id]; ok {
		return o.runParallelNode(ctx, wf, id, pc, execCtx, loopFrame, parallelFrame, log)
	}

	node := wf.Nodes[id]
	start := time.Now()
	res := o.disp.Dispatch(ctx, node, execCtx, dispatcher.ExecutionMeta{
		NodeID:        id,
		NodeName:      node.Name,
		LoopFrame:     loopFrame,
		ParallelFrame: parallelFrame,
	})
	if res.Output.Metrics.DurationMs == 0 {
		res.Output.Metrics.DurationMs = time.Since(start).Milliseconds()
	}
	if res.Err != nil {
		log.WithNodeID(id).Error("node failed", "error", res.Err)
	}
	return nodeResult{id: id, output: res.Output, err: res.Err}
}

// applyCompletion serialises one node's completion into execCtx and
// sched, matching §5's "variable and shared-memory emissions are
// serialised by the orchestrator on completion, not concurrently by
// handlers".
func (o *Orchestrator) applyCompletion(sched *scheduler.Scheduler, execCtx *execctx.Context, res nodeResult, durations map[string]int64, log *logging.Logger) (*execctx.Context, bool) {
	if res.updatedCtx != nil {
		execCtx = res.updatedCtx
	}
	durations[res.id] = res.output.Metrics.DurationMs

	if res.err != nil {
		sched.MarkFailed(res.id, res.err.Error())
		return execCtx, false
	}

	newCtx, storeErr := execCtx.StoreNodeOutput(res.id, res.output.Result)
	if storeErr != nil {
		log.WithNodeID(res.id).Error("failed to store node output", "error", storeErr)
		sched.MarkFailed(res.id, storeErr.Error())
		return execCtx, false
	}
	execCtx = dispatcher.ApplyVariableSignals(newCtx, res.id, res.output.Signals)

	terminated := sched.MarkCompleted(res.id, res.output.Result, execCtx.NodeOutputs(), scheduler.CompletionSignals{
		SelectedHandles: res.output.Signals.SelectedHandles,
		IsTerminal:      res.output.Signals.IsTerminal,
		SkipDownstream:  res.output.Signals.SkipDownstream,
	})
	return execCtx, terminated
}

// runLoopNode implements §11's loop body execution: resolve itemsExpr
// against the outer frame, then run the body subgraph once per item,
// sequentially, threading the context forward across iterations.
func (o *Orchestrator) runLoopNode(
	ctx context.Context,
	wf *workflow.Workflow,
	id string,
	lc *workflow.LoopContext,
	execCtx *execctx.Context,
	outerLoopFrame *resolver.LoopFrame,
	outerParallelFrame *resolver.ParallelFrame,
	log *logging.Logger,
) nodeResult {
	start := time.Now()
	items, err := resolveItems(execCtx, lc.ItemsExpr, outerLoopFrame, outerParallelFrame)
	if err != nil {
		return nodeResult{id: id, err: engineerr.Wrap(engineerr.KindHandlerRuntime, id, err)}
	}

	bodyWf, err := buildSubWorkflow(wf, lc.BodyNodeIDs, lc.ResultNodeID, wf.EffectiveConcurrency())
	if err != nil {
		return nodeResult{id: id, err: engineerr.Wrap(engineerr.KindValidation, id, err)}
	}

	results := make([]interface{}, 0, len(items))
	current := execCtx
	for i, item := range items {
		if i >= lc.MaxIterations {
			return nodeResult{id: id, err: engineerr.New(engineerr.KindHandlerRuntime, id, fmt.Sprintf("loop exceeded maxIterations=%d", lc.MaxIterations))}
		}
		frame := &resolver.LoopFrame{Index: i, Item: item, Total: len(items), Results: append([]interface{}(nil), results...)}

		bodyCtx, _, _, terminated, err := o.executeGraph(ctx, bodyWf, current, frame, outerParallelFrame, log.WithNodeID(id))
		if err != nil {
			return nodeResult{id: id, err: err, updatedCtx: bodyCtx}
		}
		current = bodyCtx

		out, _ := current.GetNodeOutput(lc.ResultNodeID)
		results = append(results, out)

		if terminated {
			break
		}
	}

	return nodeResult{
		id:         id,
		output:     dispatcher.Output{Result: map[string]interface{}{"results": results}, Metrics: dispatcher.Metrics{DurationMs: time.Since(start).Milliseconds()}},
		updatedCtx: current,
	}
}

// runParallelNode implements §11's parallel body execution: run the
// body subgraph once per item concurrently (bounded by
// maxConcurrentBranches), each branch forking its own context so
// branches cannot observe each other's writes, merging results back in
// item-index order for determinism (P4).
func (o *Orchestrator) runParallelNode(
	ctx context.Context,
	wf *workflow.Workflow,
	id string,
	pc *workflow.ParallelContext,
	execCtx *execctx.Context,
	outerLoopFrame *resolver.LoopFrame,
	outerParallelFrame *resolver.ParallelFrame,
	log *logging.Logger,
) nodeResult {
	start := time.Now()
	items, err := resolveItems(execCtx, pc.ItemsExpr, outerLoopFrame, outerParallelFrame)
	if err != nil {
		return nodeResult{id: id, err: engineerr.Wrap(engineerr.KindHandlerRuntime, id, err)}
	}

	branchCap := pc.MaxConcurrentBranches
	if branchCap <= 0 || branchCap > wf.EffectiveConcurrency() {
		branchCap = wf.EffectiveConcurrency()
	}

	bodyWf, err := buildSubWorkflow(wf, pc.BodyNodeIDs, pc.ResultNodeID, branchCap)
	if err != nil {
		return nodeResult{id: id, err: engineerr.Wrap(engineerr.KindValidation, id, err)}
	}

	type branchOutcome struct {
		index int
		ctx   *execctx.Context
		value interface{}
		err   error
	}

	sem := make(chan struct{}, branchCap)
	outcomes := make([]branchOutcome, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		i, item := i, item
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			frame := &resolver.ParallelFrame{Index: i, BranchID: fmt.Sprintf("%s-%d", id, i), CurrentItem: item}
			branchCtx, _, _, _, err := o.executeGraph(ctx, bodyWf, execCtx, outerLoopFrame, frame, log.WithNodeID(id))
			if err != nil {
				outcomes[i] = branchOutcome{index: i, err: err}
				return
			}
			out, _ := branchCtx.GetNodeOutput(pc.ResultNodeID)
			outcomes[i] = branchOutcome{index: i, ctx: branchCtx, value: out}
		}()
	}
	wg.Wait()

	results := make([]interface{}, len(items))
	merged := execCtx
	for _, oc := range outcomes {
		if oc.err != nil {
			return nodeResult{id: id, err: oc.err}
		}
		results[oc.index] = oc.value
		merged = mergeBranchContext(merged, oc.ctx, oc.index, id)
	}

	return nodeResult{
		id:         id,
		output:     dispatcher.Output{Result: map[string]interface{}{"results": results}, Metrics: dispatcher.Metrics{DurationMs: time.Since(start).Milliseconds()}},
		updatedCtx: merged,
	}
}

// mergeBranchContext folds one completed branch's new node outputs back
// into base. Callers fold branches in branch-index order, so the result
// is deterministic regardless of actual goroutine completion order (P4):
// a node output id already present in base is kept (the lowest-index
// branch that produced it wins), while variables and shared values are
// overwritten, so later branches win on those keys.
func mergeBranchContext(base, branch *execctx.Context, branchIndex int, parallelNodeID string) *execctx.Context {
	if branch == nil {
		return base
	}
	for id, out := range branch.NodeOutputs() {
		if _, exists := base.GetNodeOutput(id); !exists {
			base, _ = base.StoreNodeOutput(id, out)
		}
	}
	for k, v := range branch.Variables() {
		base = base.SetVariable(k, v)
	}
	for k, v := range branch.Shared() {
		base = base.SetSharedMemory(k, v, fmt.Sprintf("%s-%d", parallelNodeID, branchIndex))
	}
	return base
}

// resolveItems evaluates an itemsExpr and requires the result to be a
// JSON array.
func resolveItems(execCtx *execctx.Context, expr string, loopFrame *resolver.LoopFrame, parallelFrame *resolver.ParallelFrame) ([]interface{}, error) {
	r := resolver.Resolve(execCtx, expr, loopFrame, parallelFrame)
	if r.Missing {
		return nil, fmt.Errorf("itemsExpr %q did not resolve", expr)
	}
	items, ok := r.Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("itemsExpr %q did not resolve to an array, got %T", expr, r.Value)
	}
	return items, nil
}

// buildSubWorkflow carves out the nodes/edges reachable within
// bodyNodeIDs into an independently normalized workflow, deep-copying
// node/edge structs so re-deriving depths for the body never mutates
// the parent graph's own compiled descriptors.
func buildSubWorkflow(wf *workflow.Workflow, bodyNodeIDs []string, resultNodeID string, maxConcurrent int) (*workflow.Workflow, error) {
	bodySet := make(map[string]bool, len(bodyNodeIDs))
	nodes := make(map[string]*workflow.Node, len(bodyNodeIDs))
	for _, id := range bodyNodeIDs {
		src, ok := wf.Nodes[id]
		if !ok {
			return nil, fmt.Errorf("orchestrator: body references unknown node %s", id)
		}
		cp := *src
		cp.Dependencies = nil
		cp.Dependents = nil
		nodes[id] = &cp
		bodySet[id] = true
	}

	edges := make(map[string]*workflow.Edge)
	for eid, e := range wf.Edges {
		if bodySet[e.Source] && bodySet[e.Target] {
			ecp := *e
			edges[eid] = &ecp
		}
	}

	sub := &workflow.Workflow{
		Nodes:              nodes,
		Edges:              edges,
		OutputNodeIDs:      []string{resultNodeID},
		MaxConcurrentNodes: maxConcurrent,
	}
	return workflow.Normalize(sub)
}
