package handlers

import (
	"context"

	"github.com/nbaghiro/flowmaestro-sub016/dispatcher"
)

// PassthroughHandler returns its (already-interpolated) config verbatim as
// its result. It backs the "input" and "output" node types used to seed a
// workflow's entry points and assemble its final outputs (§4.2): neither
// needs any behavior beyond making a value available under a node id.
type PassthroughHandler struct {
	nodeType string
}

// NewPassthroughHandler builds a handler bound to exactly one node type,
// since dispatcher.Dispatcher requires CanHandle to match at most one
// registered handler per type.
func NewPassthroughHandler(nodeType string) *PassthroughHandler {
	return &PassthroughHandler{nodeType: nodeType}
}

func (h *PassthroughHandler) Name() string                { return h.nodeType }
func (h *PassthroughHandler) SupportedNodeTypes() []string { return []string{h.nodeType} }
func (h *PassthroughHandler) CanHandle(nodeType string) bool {
	return nodeType == h.nodeType
}

func (h *PassthroughHandler) Execute(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
	return dispatcher.Output{Result: input.NodeConfig}, nil
}
