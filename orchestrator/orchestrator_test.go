package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbaghiro/flowmaestro-sub016/dispatcher"
	"github.com/nbaghiro/flowmaestro-sub016/logging"
	"github.com/nbaghiro/flowmaestro-sub016/workflow"
)

type stubHandler struct {
	nodeType string
	fn       func(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error)
}

func (h *stubHandler) Name() string                { return h.nodeType }
func (h *stubHandler) SupportedNodeTypes() []string { return []string{h.nodeType} }
func (h *stubHandler) CanHandle(t string) bool      { return t == h.nodeType }
func (h *stubHandler) Execute(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
	return h.fn(ctx, input)
}

func echo(result map[string]interface{}) func(context.Context, dispatcher.Input) (dispatcher.Output, error) {
	return func(context.Context, dispatcher.Input) (dispatcher.Output, error) {
		return dispatcher.Output{Result: result}, nil
	}
}

func testLogger() *logging.Logger { return logging.New("error", "console") }

func TestLinearPipeline(t *testing.T) {
	w := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"Input":     {ID: "Input", Type: "input"},
			"HTTP":      {ID: "HTTP", Type: "http"},
			"Transform": {ID: "Transform", Type: "transform"},
			"Output":    {ID: "Output", Type: "output"},
		},
		Edges: map[string]*workflow.Edge{
			"e1": {ID: "e1", Source: "Input", Target: "HTTP", HandleType: workflow.HandleDefault},
			"e2": {ID: "e2", Source: "HTTP", Target: "Transform", HandleType: workflow.HandleDefault},
			"e3": {ID: "e3", Source: "Transform", Target: "Output", HandleType: workflow.HandleDefault},
		},
		OutputNodeIDs: []string{"Output"},
	}
	w, err := workflow.Normalize(w)
	require.NoError(t, err)

	disp := dispatcher.New(
		&stubHandler{nodeType: "input", fn: echo(map[string]interface{}{"entityId": "user-123"})},
		&stubHandler{nodeType: "http", fn: echo(map[string]interface{}{"statusCode": 200.0, "body": map[string]interface{}{"data": map[string]interface{}{"name": "John"}}})},
		&stubHandler{nodeType: "transform", fn: echo(map[string]interface{}{"enrichedData": map[string]interface{}{"name": "John"}})},
		&stubHandler{nodeType: "output", fn: echo(map[string]interface{}{"enrichedEntity": map[string]interface{}{"name": "John"}})},
	)

	o := New(w, disp, nil, testLogger(), Config{})
	result, err := o.Run(context.Background(), "exec-1", map[string]interface{}{"entityId": "user-123"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"Input", "HTTP", "Transform", "Output"}, result.ExecutionOrder)
	assert.Equal(t, map[string]interface{}{"enrichedEntity": map[string]interface{}{"name": "John"}}, result.Outputs)
	assert.Empty(t, result.FailedNodes)
}

func TestParallelFanIn(t *testing.T) {
	w := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"Input":     {ID: "Input", Type: "input"},
			"CRM":       {ID: "CRM", Type: "http"},
			"ERP":       {ID: "ERP", Type: "http"},
			"Analytics": {ID: "Analytics", Type: "http"},
			"Merge":     {ID: "Merge", Type: "transform"},
			"Output":    {ID: "Output", Type: "output"},
		},
		Edges: map[string]*workflow.Edge{
			"e1": {ID: "e1", Source: "Input", Target: "CRM", HandleType: workflow.HandleDefault},
			"e2": {ID: "e2", Source: "Input", Target: "ERP", HandleType: workflow.HandleDefault},
			"e3": {ID: "e3", Source: "Input", Target: "Analytics", HandleType: workflow.HandleDefault},
			"e4": {ID: "e4", Source: "CRM", Target: "Merge", HandleType: workflow.HandleDefault},
			"e5": {ID: "e5", Source: "ERP", Target: "Merge", HandleType: workflow.HandleDefault},
			"e6": {ID: "e6", Source: "Analytics", Target: "Merge", HandleType: workflow.HandleDefault},
			"e7": {ID: "e7", Source: "Merge", Target: "Output", HandleType: workflow.HandleDefault},
		},
		OutputNodeIDs:      []string{"Output"},
		MaxConcurrentNodes: 10,
	}
	w, err := workflow.Normalize(w)
	require.NoError(t, err)

	disp := dispatcher.New(
		&stubHandler{nodeType: "input", fn: echo(map[string]interface{}{})},
		&stubHandler{nodeType: "http", fn: echo(map[string]interface{}{})},
		&stubHandler{nodeType: "transform", fn: echo(map[string]interface{}{})},
		&stubHandler{nodeType: "output", fn: echo(map[string]interface{}{})},
	)

	o := New(w, disp, nil, testLogger(), Config{})
	result, err := o.Run(context.Background(), "exec-2", nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	order := result.ExecutionOrder
	require.Len(t, order, 6)
	assert.Equal(t, "Input", order[0])
	assert.Equal(t, "Output", order[5])
	middle := map[string]bool{order[1]: true, order[2]: true, order[3]: true}
	assert.True(t, middle["CRM"] && middle["ERP"] && middle["Analytics"])
	assert.Equal(t, "Merge", order[4])
}

func TestPriorityRouting(t *testing.T) {
	w := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"Router":   {ID: "Router", Type: "router"},
			"P1":       {ID: "P1", Type: "transform"},
			"P2":       {ID: "P2", Type: "transform"},
			"P3":       {ID: "P3", Type: "transform"},
			"P1Output": {ID: "P1Output", Type: "output"},
		},
		Edges: map[string]*workflow.Edge{
			"e1": {ID: "e1", Source: "Router", Target: "P1", HandleType: workflow.HandleConditional, SourceHandle: "p1"},
			"e2": {ID: "e2", Source: "Router", Target: "P2", HandleType: workflow.HandleConditional, SourceHandle: "p2"},
			"e3": {ID: "e3", Source: "Router", Target: "P3", HandleType: workflow.HandleConditional, SourceHandle: "p3"},
			"e4": {ID: "e4", Source: "P1", Target: "P1Output", HandleType: workflow.HandleDefault},
		},
		OutputNodeIDs: []string{"P1Output"},
	}
	w, err := workflow.Normalize(w)
	require.NoError(t, err)

	disp := dispatcher.New(
		&stubHandler{nodeType: "router", fn: func(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
			return dispatcher.Output{Result: map[string]interface{}{"route": "p1"}, Signals: dispatcher.Signals{SelectedHandles: []string{"p1"}}}, nil
		}},
		&stubHandler{nodeType: "transform", fn: echo(map[string]interface{}{})},
		&stubHandler{nodeType: "output", fn: echo(map[string]interface{}{"done": true})},
	)

	o := New(w, disp, nil, testLogger(), Config{})
	result, err := o.Run(context.Background(), "exec-3", nil)
	require.NoError(t, err)

	assert.Contains(t, result.ExecutionOrder, "P1")
	assert.NotContains(t, result.ExecutionOrder, "P2")
	assert.NotContains(t, result.ExecutionOrder, "P3")
	assert.True(t, result.Success)
}

func TestFailFast(t *testing.T) {
	w := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"Input":  {ID: "Input", Type: "input"},
			"Insert": {ID: "Insert", Type: "database"},
			"Query":  {ID: "Query", Type: "database"},
			"Update": {ID: "Update", Type: "database"},
		},
		Edges: map[string]*workflow.Edge{
			"e1": {ID: "e1", Source: "Input", Target: "Insert", HandleType: workflow.HandleDefault},
			"e2": {ID: "e2", Source: "Insert", Target: "Query", HandleType: workflow.HandleDefault},
			"e3": {ID: "e3", Source: "Query", Target: "Update", HandleType: workflow.HandleDefault},
		},
		OutputNodeIDs: []string{"Update"},
	}
	w, err := workflow.Normalize(w)
	require.NoError(t, err)

	disp := dispatcher.New(
		&stubHandler{nodeType: "input", fn: echo(map[string]interface{}{})},
		&stubHandler{nodeType: "database", fn: func(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
			if input.ExecutionContext.NodeID == "Insert" {
				return dispatcher.Output{}, fmt.Errorf("duplicate key value violates unique constraint")
			}
			return dispatcher.Output{Result: map[string]interface{}{}}, nil
		}},
	)

	o := New(w, disp, nil, testLogger(), Config{})
	result, err := o.Run(context.Background(), "exec-4", nil)
	require.NoError(t, err)

	assert.False(t, result.Success)
	require.Len(t, result.FailedNodes, 1)
	assert.Equal(t, "Insert", result.FailedNodes[0].ID)
	assert.Contains(t, result.ExecutionOrder, "Input")
	assert.Contains(t, result.ExecutionOrder, "Insert")
	assert.NotContains(t, result.ExecutionOrder, "Query")
	assert.NotContains(t, result.ExecutionOrder, "Update")
}

func TestConcurrencyCapSequentialOrder(t *testing.T) {
	nodes := map[string]*workflow.Node{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("Node_%d", i)
		nodes[id] = &workflow.Node{ID: id, Type: "noop"}
	}
	w := &workflow.Workflow{Nodes: nodes, MaxConcurrentNodes: 1}
	w, err := workflow.Normalize(w)
	require.NoError(t, err)

	disp := dispatcher.New(&stubHandler{nodeType: "noop", fn: echo(map[string]interface{}{})})
	o := New(w, disp, nil, testLogger(), Config{})
	result, err := o.Run(context.Background(), "exec-5", nil)
	require.NoError(t, err)

	want := make([]string, 10)
	for i := range want {
		want[i] = fmt.Sprintf("Node_%d", i)
	}
	assert.Equal(t, want, result.ExecutionOrder)
}

func TestConcurrencyCapNeverExceededAtRuntime(t *testing.T) {
	nodes := map[string]*workflow.Node{}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("Node_%d", i)
		nodes[id] = &workflow.Node{ID: id, Type: "slow"}
	}
	w := &workflow.Workflow{Nodes: nodes, MaxConcurrentNodes: 3}
	w, err := workflow.Normalize(w)
	require.NoError(t, err)

	var inFlight, maxSeen int32
	disp := dispatcher.New(&stubHandler{nodeType: "slow", fn: func(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return dispatcher.Output{Result: map[string]interface{}{}}, nil
	}})

	o := New(w, disp, nil, testLogger(), Config{})
	result, err := o.Run(context.Background(), "exec-cap3", nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 3, "P2: executing set must never exceed maxConcurrentNodes")
}

func TestLoopIteration(t *testing.T) {
	w := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"Loop": {ID: "Loop", Type: "loop"},
			"Body": {ID: "Body", Type: "echoItem"},
		},
		LoopContexts: map[string]*workflow.LoopContext{
			"Loop": {
				BodyNodeIDs:   []string{"Body"},
				EntryNodeIDs:  []string{"Body"},
				ItemsExpr:     "items",
				ResultNodeID:  "Body",
				MaxIterations: 10,
			},
		},
		OutputNodeIDs: []string{"Loop"},
	}
	w, err := workflow.Normalize(w)
	require.NoError(t, err)

	disp := dispatcher.New(&stubHandler{nodeType: "echoItem", fn: func(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
		lf := input.ExecutionContext.LoopFrame
		return dispatcher.Output{Result: map[string]interface{}{"value": lf.Item}}, nil
	}})

	o := New(w, disp, nil, testLogger(), Config{})
	result, err := o.Run(context.Background(), "exec-6", map[string]interface{}{
		"items": []interface{}{"a", "b", "c"},
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	results, ok := result.Outputs["results"].([]interface{})
	require.True(t, ok, "expected results slice, got %#v", result.Outputs["results"])
	require.Len(t, results, 3)
	for i, want := range []string{"a", "b", "c"} {
		m, ok := results[i].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, want, m["value"])
	}
	assert.NotContains(t, result.ExecutionOrder, "Body")
}

func TestParallelBranchFanOut(t *testing.T) {
	w := &workflow.Workflow{
		Nodes: map[string]*workflow.Node{
			"Par":    {ID: "Par", Type: "parallel"},
			"Branch": {ID: "Branch", Type: "echoBranch"},
		},
		ParallelContexts: map[string]*workflow.ParallelContext{
			"Par": {
				BodyNodeIDs:           []string{"Branch"},
				EntryNodeIDs:          []string{"Branch"},
				ItemsExpr:             "items",
				ResultNodeID:          "Branch",
				MaxConcurrentBranches: 2,
			},
		},
		OutputNodeIDs:      []string{"Par"},
		MaxConcurrentNodes: 4,
	}
	w, err := workflow.Normalize(w)
	require.NoError(t, err)

	disp := dispatcher.New(&stubHandler{nodeType: "echoBranch", fn: func(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
		pf := input.ExecutionContext.ParallelFrame
		time.Sleep(time.Millisecond * time.Duration(4-pf.Index))
		return dispatcher.Output{Result: map[string]interface{}{"value": pf.CurrentItem}}, nil
	}})

	o := New(w, disp, nil, testLogger(), Config{})
	result, err := o.Run(context.Background(), "exec-7", map[string]interface{}{
		"items": []interface{}{10.0, 20.0, 30.0, 40.0},
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Contains(t, result.ExecutionOrder, "Par")
	assert.NotContains(t, result.ExecutionOrder, "Branch")

	results, ok := result.Outputs["results"].([]interface{})
	require.True(t, ok, "expected results slice, got %#v", result.Outputs["results"])
	require.Len(t, results, 4)
	for i, want := range []float64{10.0, 20.0, 30.0, 40.0} {
		m, ok := results[i].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, want, m["value"])
	}
}

func TestCancellationStopsDispatchingAndDrainsWithinGrace(t *testing.T) {
	nodes := map[string]*workflow.Node{}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("Node_%d", i)
		nodes[id] = &workflow.Node{ID: id, Type: "slow"}
	}
	w := &workflow.Workflow{Nodes: nodes, MaxConcurrentNodes: 1}
	w, err := workflow.Normalize(w)
	require.NoError(t, err)

	disp := dispatcher.New(&stubHandler{nodeType: "slow", fn: func(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return dispatcher.Output{Result: map[string]interface{}{}}, nil
		case <-ctx.Done():
			return dispatcher.Output{}, ctx.Err()
		}
	}})

	o := New(w, disp, nil, testLogger(), Config{CancellationGrace: 200 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := o.Run(ctx, "exec-8", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Cancelled)
	assert.False(t, result.Success)
	assert.Less(t, elapsed, 500*time.Millisecond, "drain must not wait indefinitely beyond the grace period")
}
