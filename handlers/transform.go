// TransformHandler reshapes prior node output into a new result shape
// using gjson path expressions, the same structural-access library
// resolver/path.go delegates to for §4.1 path lookups — here applied
// directly to a node's config-declared field mappings instead of the
// {{...}} interpolation sublanguage, for handlers that need bulk
// extraction rather than single-value substitution.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/nbaghiro/flowmaestro-sub016/dispatcher"
)

// TransformHandler evaluates config["mappings"] (a map of output field
// name -> gjson path into input.Context) and returns the extracted values.
type TransformHandler struct{}

func NewTransformHandler() *TransformHandler { return &TransformHandler{} }

func (h *TransformHandler) Name() string                { return "transform" }
func (h *TransformHandler) SupportedNodeTypes() []string { return []string{"transform"} }
func (h *TransformHandler) CanHandle(nodeType string) bool {
	return nodeType == "transform"
}

func (h *TransformHandler) Execute(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
	mappings, _ := input.NodeConfig["mappings"].(map[string]interface{})
	if len(mappings) == 0 {
		return dispatcher.Output{Result: map[string]interface{}{}}, nil
	}

	raw, err := json.Marshal(input.Context)
	if err != nil {
		return dispatcher.Output{}, fmt.Errorf("transform handler: failed to marshal context: %w", err)
	}

	out := make(map[string]interface{}, len(mappings))
	for field, rawPath := range mappings {
		path, ok := rawPath.(string)
		if !ok {
			continue
		}
		res := gjson.GetBytes(raw, path)
		if res.Exists() {
			out[field] = res.Value()
		}
	}
	return dispatcher.Output{Result: out}, nil
}
