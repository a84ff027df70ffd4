// Package condition evaluates conditional-edge expressions (§4.4, §11
// Domain Stack) via CEL, the declarative layer sitting alongside the
// resolver's own expression grammar. Grounded directly on the teacher's
// cmd/workflow-runner/condition package: a compiled-program cache
// guarded by a RWMutex, exposing the source node's output and the
// context projection as two dynamically-typed CEL variables.
package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles and evaluates CEL boolean expressions, caching
// compiled programs by (normalized) expression text.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator constructs an Evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Evaluate reports whether expr, evaluated with output bound to the
// source node's stored result and ctx bound to the current context
// projection, is truthy. A non-boolean result or a compile/eval error
// is reported as an error; the scheduler treats that edge as
// unsatisfied rather than panicking (§4.4).
func (e *Evaluator) Evaluate(expr string, output interface{}, ctx map[string]interface{}) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("condition: empty expression")
	}
	// Accept the teacher's `$.field` JSONPath shorthand as an alias for
	// `output.field`, so conditions ported from that convention still work.
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	prg, err := e.program(normalized)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]interface{}{
		"output": output,
		"ctx":    ctx,
	})
	if err != nil {
		return false, fmt.Errorf("condition: evaluation error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition: expression %q did not evaluate to a boolean, got %T", expr, out.Value())
	}
	return result, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := compile(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("condition: failed to build CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("condition: failed to compile %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("condition: failed to build program for %q: %w", expr, err)
	}
	return prg, nil
}

// CacheSize reports the number of distinct compiled programs cached, for
// observability and tests.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// ClearCache drops all cached programs.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}
