// Package resolver implements the `{{ ... }}` expression sublanguage
// (§4.1): path lookup across loop/parallel frames, shared memory,
// workflow variables, node outputs, and inputs, plus a small boolean/
// comparison/ternary expression grammar used by fallback expressions
// and template interpolation.
package resolver

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/nbaghiro/flowmaestro-sub016/execctx"
)

// Resolved is the outcome of evaluating a single `{{ expr }}` expression.
type Resolved struct {
	Value   interface{}
	Source  Source
	Missing bool
}

// Resolve evaluates expr against ctx and the given loop/parallel frames.
// A parse error or an expression that resolves to nothing both report
// Missing; the caller (Interpolate, or a fallback-expression consumer)
// decides how to degrade (§4.1 "Failure modes": resolution errors never
// panic or abort the node, they resolve to null/hole-preserved).
func Resolve(ctx *execctx.Context, expr string, loopFrame *LoopFrame, parallelFrame *ParallelFrame) Resolved {
	n, err := parse(strings.TrimSpace(expr))
	if err != nil {
		return Resolved{Missing: true}
	}
	es := &evalState{ctx: ctx, loopFrame: loopFrame, parallelFrame: parallelFrame}
	r := n.eval(es)
	return Resolved{Value: r.value, Source: r.source, Missing: r.missing}
}

// interpolationPattern matches `{{ ... }}` holes, non-greedy so adjacent
// holes on one line don't merge.
var interpolationPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Interpolate replaces every `{{ expr }}` hole in template with the
// stringified result of evaluating expr. A hole whose expression
// resolves to "missing" (no such path, or a parse error) is left
// verbatim in the output (P6: interpolation preserves unresolvable
// holes rather than silently emptying them). A hole that resolves to an
// explicit JSON null renders as the literal text "null".
func Interpolate(ctx *execctx.Context, template string, loopFrame *LoopFrame, parallelFrame *ParallelFrame) string {
	return interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		sub := interpolationPattern.FindStringSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		r := Resolve(ctx, sub[1], loopFrame, parallelFrame)
		if r.Missing {
			return match
		}
		return stringify(r.Value)
	})
}

// InterpolateValue walks value recursively, interpolating every string
// leaf with Interpolate and leaving non-string leaves untouched. It is
// the entry point handler config resolution uses (§4.3 item 2) since a
// node's config is an arbitrary JSON-like tree, not a single template.
func InterpolateValue(ctx *execctx.Context, value interface{}, loopFrame *LoopFrame, parallelFrame *ParallelFrame) interface{} {
	switch v := value.(type) {
	case string:
		return Interpolate(ctx, v, loopFrame, parallelFrame)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, e := range v {
			out[k] = InterpolateValue(ctx, e, loopFrame, parallelFrame)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, e := range v {
			out[i] = InterpolateValue(ctx, e, loopFrame, parallelFrame)
		}
		return out
	default:
		return v
	}
}

// stringify renders a resolved value for substitution into a template.
// Strings pass through verbatim; everything else (including nested
// objects/arrays) marshals to compact JSON, matching how the teacher's
// resolver stringifies non-scalar $nodes. references.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
