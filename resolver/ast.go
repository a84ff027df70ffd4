package resolver

import "github.com/nbaghiro/flowmaestro-sub016/execctx"

// Source identifies which part of the execution context a resolved
// value came from (§4.1 path lookup order).
type Source string

const (
	SourceLoop             Source = "loop"
	SourceParallel         Source = "parallel"
	SourceShared           Source = "shared"
	SourceWorkflowVariable Source = "workflowVariable"
	SourceNodeOutput       Source = "nodeOutput"
	SourceInput            Source = "input"
	SourceExpression       Source = "expression"
)

// evalResult is the internal representation threaded through AST
// evaluation. missing distinguishes "no such value" from "value is
// JSON null" (§4.1/§8): only the former preserves an interpolation
// hole; explicit null renders as "null".
type evalResult struct {
	value   interface{}
	source  Source
	missing bool
}

type evalState struct {
	ctx           *execctx.Context
	loopFrame     *LoopFrame
	parallelFrame *ParallelFrame
}

// node is an expression AST node.
type node interface {
	eval(es *evalState) evalResult
}

type literalNode struct {
	value interface{}
}

func (n *literalNode) eval(*evalState) evalResult {
	return evalResult{value: n.value, source: SourceExpression}
}

type pathNode struct {
	segments []pathSegment
}

func (n *pathNode) eval(es *evalState) evalResult {
	if len(n.segments) == 0 {
		return evalResult{missing: true}
	}
	head := n.segments[0]
	rest := n.segments[1:]

	switch {
	case head.key == "loop" && es.loopFrame != nil:
		v, found := lookupSegments(es.loopFrame.asMap(), rest)
		return evalResult{value: v, source: SourceLoop, missing: !found}
	case head.key == "parallel" && es.parallelFrame != nil:
		v, found := lookupSegments(es.parallelFrame.asMap(), rest)
		return evalResult{value: v, source: SourceParallel, missing: !found}
	case head.key == "shared":
		v, found := lookupSegments(es.ctx.Shared(), rest)
		return evalResult{value: v, source: SourceShared, missing: !found}
	}

	if v, ok := es.ctx.GetVariable(head.key); ok {
		v2, found := lookupSegments(v, rest)
		return evalResult{value: v2, source: SourceWorkflowVariable, missing: !found}
	}
	if v, ok := es.ctx.GetNodeOutput(head.key); ok {
		v2, found := lookupSegments(v, rest)
		return evalResult{value: v2, source: SourceNodeOutput, missing: !found}
	}
	if v, ok := es.ctx.GetInput(head.key); ok {
		v2, found := lookupSegments(v, rest)
		return evalResult{value: v2, source: SourceInput, missing: !found}
	}
	return evalResult{missing: true}
}

type notNode struct {
	operand node
}

func (n *notNode) eval(es *evalState) evalResult {
	v := n.operand.eval(es)
	return evalResult{value: !isTruthy(v.value) || v.missing, source: SourceExpression}
}

type orNode struct {
	left, right node
}

func (n *orNode) eval(es *evalState) evalResult {
	l := n.left.eval(es)
	if isDefinedNonNull(l.missing, l.value) {
		return evalResult{value: l.value, source: SourceExpression}
	}
	r := n.right.eval(es)
	return evalResult{value: r.value, source: SourceExpression, missing: r.missing}
}

type andNode struct {
	left, right node
}

func (n *andNode) eval(es *evalState) evalResult {
	l := n.left.eval(es)
	if !isTruthy(l.value) || l.missing {
		return evalResult{value: l.value, source: SourceExpression, missing: l.missing}
	}
	r := n.right.eval(es)
	return evalResult{value: r.value, source: SourceExpression, missing: r.missing}
}

type cmpOp int

const (
	cmpEq cmpOp = iota
	cmpNeq
	cmpGt
	cmpGte
	cmpLt
	cmpLte
)

type cmpNode struct {
	op          cmpOp
	left, right node
}

func (n *cmpNode) eval(es *evalState) evalResult {
	l := n.left.eval(es)
	r := n.right.eval(es)

	switch n.op {
	case cmpEq, cmpNeq:
		eq := weakEqual(l.value, r.value)
		if n.op == cmpNeq {
			eq = !eq
		}
		return evalResult{value: eq, source: SourceExpression}
	default:
		lf, lok := asNumber(l.value)
		rf, rok := asNumber(r.value)
		if !lok || !rok {
			return evalResult{value: nil, source: SourceExpression}
		}
		var result bool
		switch n.op {
		case cmpGt:
			result = lf > rf
		case cmpGte:
			result = lf >= rf
		case cmpLt:
			result = lf < rf
		case cmpLte:
			result = lf <= rf
		}
		return evalResult{value: result, source: SourceExpression}
	}
}

func weakEqual(a, b interface{}) bool {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	_, aIsStr := a.(string)
	_, bIsStr := b.(string)
	if aok && bok && (aIsStr || bIsStr) {
		return af == bf
	}
	return structuralEqual(a, b)
}

type ternaryNode struct {
	cond, whenTrue, whenFalse node
}

func (n *ternaryNode) eval(es *evalState) evalResult {
	c := n.cond.eval(es)
	if isTruthy(c.value) && !c.missing {
		return n.whenTrue.eval(es)
	}
	return n.whenFalse.eval(es)
}
