// Grounded on the teacher's operators.BranchOperator.HandleBranch: evaluate
// an ordered list of CEL rules, with both `output` and `ctx` bound to the
// upstream node-output projection the handler receives as input.Context,
// and pick the first match's handle, falling back to a default handle
// when none match.
// Where the teacher returns a list of downstream node ids directly (that
// repo has no separate scheduler to route through), RouterHandler instead
// reports its choice via Signals.SelectedHandles (§4.3 item 3), leaving
// edge resolution to the scheduler.
package handlers

import (
	"context"
	"fmt"

	"github.com/nbaghiro/flowmaestro-sub016/dispatcher"
)

// RouterRule pairs a CEL condition with the handle to select when it is true.
type RouterRule struct {
	Handle    string
	Condition string
}

// ConditionEvaluator is the subset of *condition.Evaluator RouterHandler needs.
type ConditionEvaluator interface {
	Evaluate(expr string, output interface{}, ctx map[string]interface{}) (bool, error)
}

// RouterHandler emits one of several conditional handles based on its own
// config-supplied rules, independent of the declarative edge-level
// conditions the scheduler evaluates on its own.
type RouterHandler struct {
	cond ConditionEvaluator
}

// NewRouterHandler builds a RouterHandler backed by cond.
func NewRouterHandler(cond ConditionEvaluator) *RouterHandler {
	return &RouterHandler{cond: cond}
}

func (h *RouterHandler) Name() string                { return "router" }
func (h *RouterHandler) SupportedNodeTypes() []string { return []string{"router"} }
func (h *RouterHandler) CanHandle(nodeType string) bool {
	return nodeType == "router"
}

func (h *RouterHandler) Execute(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
	rawRules, _ := input.NodeConfig["rules"].([]interface{})
	defaultHandle, _ := input.NodeConfig["default"].(string)

	for i, raw := range rawRules {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		handle, _ := rule["handle"].(string)
		expr, _ := rule["condition"].(string)
		if handle == "" || expr == "" {
			continue
		}

		matched, err := h.cond.Evaluate(expr, input.Context, input.Context)
		if err != nil {
			continue
		}
		if matched {
			return dispatcher.Output{
				Result:  map[string]interface{}{"selectedHandle": handle, "ruleIndex": float64(i)},
				Signals: dispatcher.Signals{SelectedHandles: []string{handle}},
			}, nil
		}
	}

	if defaultHandle == "" {
		return dispatcher.Output{}, fmt.Errorf("router handler: no rule matched and no default handle configured")
	}
	return dispatcher.Output{
		Result:  map[string]interface{}{"selectedHandle": defaultHandle},
		Signals: dispatcher.Signals{SelectedHandles: []string{defaultHandle}},
	}, nil
}
