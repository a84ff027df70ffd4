// Package dispatcher implements the uniform call shape between the
// orchestrator and node handlers (§4.3): handler registration and
// lookup, config interpolation, and error-kind normalization.
package dispatcher

import (
	"context"

	"github.com/nbaghiro/flowmaestro-sub016/resolver"
)

// ExecutionMeta is the per-call bookkeeping a handler receives alongside
// its resolved config.
type ExecutionMeta struct {
	ExecutionID   string
	NodeID        string
	NodeName      string
	Attempt       int
	LoopFrame     *resolver.LoopFrame
	ParallelFrame *resolver.ParallelFrame
}

// Input is what the dispatcher hands a handler: an already-interpolated
// config and a read-only context projection. Handlers never call the
// resolver themselves (§4.3 item 2).
type Input struct {
	NodeType         string
	NodeConfig       map[string]interface{}
	Context          map[string]interface{}
	ExecutionContext ExecutionMeta
}

// Signals is the side-channel a handler uses to influence scheduling and
// context beyond its own Result.
type Signals struct {
	IsTerminal       bool
	SkipDownstream   bool
	EmittedVariables map[string]interface{}
	EmittedShared    map[string]interface{}
	SelectedHandles  []string
}

// Metrics is handler-reported telemetry about one call.
type Metrics struct {
	DurationMs int64
	TokenUsage map[string]interface{}
}

// Output is a handler's result. Result is stored verbatim as the
// node's output in the Context on success.
type Output struct {
	Result  map[string]interface{}
	Signals Signals
	Metrics Metrics
}

// Handler is the contract every node-type implementation satisfies
// (§4.3 "Handler contract").
type Handler interface {
	Name() string
	SupportedNodeTypes() []string
	CanHandle(nodeType string) bool
	Execute(ctx context.Context, input Input) (Output, error)
}
