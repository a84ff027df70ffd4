package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbaghiro/flowmaestro-sub016/engineerr"
	"github.com/nbaghiro/flowmaestro-sub016/execctx"
	"github.com/nbaghiro/flowmaestro-sub016/resolver"
	"github.com/nbaghiro/flowmaestro-sub016/workflow"
)

// Dispatcher selects and invokes the unique handler registered for a
// node's type (§4.3).
type Dispatcher struct {
	handlers []Handler
}

// New builds a Dispatcher over the given handlers. Registration order
// does not affect lookup: every handler is checked, and more than one
// match is an error.
func New(handlers ...Handler) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Result is the outcome of one Dispatch call. Err is nil on success and
// a *engineerr.Error otherwise; Output is still populated with whatever
// metrics the handler reported even on failure, for observability.
type Result struct {
	Output Output
	Err    error
}

// Dispatch resolves node.Type to its handler, interpolates the node's
// config against execCtx, and invokes the handler. A panic inside the
// handler is recovered and reported as a handler_runtime error rather
// than crashing the worker goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, node *workflow.Node, execCtx *execctx.Context, meta ExecutionMeta) (res Result) {
	handler, err := d.resolve(node.Type)
	if err != nil {
		return Result{Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: engineerr.New(engineerr.KindHandlerRuntime, node.ID, fmt.Sprintf("handler panicked: %v", r))}
		}
	}()

	cfg, _ := resolver.InterpolateValue(execCtx, cloneConfig(node.Config), meta.LoopFrame, meta.ParallelFrame).(map[string]interface{})
	input := Input{
		NodeType:         node.Type,
		NodeConfig:       cfg,
		Context:          execCtx.NodeOutputs(),
		ExecutionContext: meta,
	}

	start := time.Now()
	out, err := handler.Execute(ctx, input)
	if out.Metrics.DurationMs == 0 {
		out.Metrics.DurationMs = time.Since(start).Milliseconds()
	}

	if err != nil {
		return Result{Output: out, Err: classify(node.ID, err)}
	}
	return Result{Output: out}
}

// resolve returns the unique handler whose CanHandle(nodeType) is true,
// failing fast if zero or more than one match (§4.3 item 1).
func (d *Dispatcher) resolve(nodeType string) (Handler, error) {
	var match Handler
	count := 0
	for _, h := range d.handlers {
		if h.CanHandle(nodeType) {
			match = h
			count++
		}
	}
	switch count {
	case 0:
		return nil, engineerr.New(engineerr.KindNoHandler, "", fmt.Sprintf("no handler registered for node type %q", nodeType))
	case 1:
		return match, nil
	default:
		return nil, engineerr.New(engineerr.KindNoHandler, "", fmt.Sprintf("multiple handlers claim node type %q", nodeType))
	}
}

// classify normalizes a handler's returned error into the §7 taxonomy:
// an already-typed *engineerr.Error passes through, anything else is
// wrapped as handler_runtime.
func classify(nodeID string, err error) error {
	var typed *engineerr.Error
	if errors.As(err, &typed) {
		return typed
	}
	return engineerr.Wrap(engineerr.KindHandlerRuntime, nodeID, err)
}

// cloneConfig defensively copies a node's config map so interpolation
// never mutates the compiled workflow shared across concurrent calls to
// the same node type (e.g. a loop body re-dispatched every iteration).
func cloneConfig(cfg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	return out
}

// ApplyVariableSignals folds a handler's emitted variables and shared
// values into execCtx, returning the updated context. Called by the
// orchestrator after a successful dispatch, never by the handler itself
// (§4.3 item 3: handlers describe intent via Signals, only the
// orchestrator mutates the Context).
func ApplyVariableSignals(execCtx *execctx.Context, nodeID string, sig Signals) *execctx.Context {
	for k, v := range sig.EmittedVariables {
		execCtx = execCtx.SetVariable(k, v)
	}
	for k, v := range sig.EmittedShared {
		execCtx = execCtx.SetSharedMemory(k, v, nodeID)
	}
	return execCtx
}
