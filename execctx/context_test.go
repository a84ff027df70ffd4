package execctx

import "testing"

func TestStoreNodeOutputIsImmutable(t *testing.T) {
	c0 := Create(map[string]interface{}{"entityId": "user-123"}, SizeLimits{})
	c1, err := c0.StoreNodeOutput("Input", map[string]interface{}{"entityId": "user-123"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := c0.GetNodeOutput("Input"); ok {
		t.Fatalf("expected c0 to be unaffected by c1's store")
	}
	if v, ok := c1.GetNodeOutput("Input"); !ok || v.(map[string]interface{})["entityId"] != "user-123" {
		t.Fatalf("expected c1 to observe the stored output, got %v %v", v, ok)
	}
}

func TestNodeOutputsPreservesInsertionOrder(t *testing.T) {
	c := Create(nil, SizeLimits{})
	var err error
	for _, id := range []string{"C", "A", "B"} {
		c, err = c.StoreNodeOutput(id, map[string]interface{}{"id": id})
		if err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}
	want := []string{"C", "A", "B"}
	i := 0
	for _, id := range c.outputOrder {
		if id != want[i] {
			t.Fatalf("position %d: got %s want %s", i, id, want[i])
		}
		i++
	}
}

func TestSetVariableLastWriteWins(t *testing.T) {
	c := Create(nil, SizeLimits{})
	c = c.SetVariable("count", 1)
	c = c.SetVariable("count", 2)
	v, ok := c.GetVariable("count")
	if !ok || v.(int) != 2 {
		t.Fatalf("expected last write to win, got %v", v)
	}
}

func TestSizeLimitRejectsOversizedOutput(t *testing.T) {
	c := Create(nil, SizeLimits{MaxNodeOutputBytes: 4})
	_, err := c.StoreNodeOutput("Big", map[string]interface{}{"data": "this is way more than four bytes"})
	if err == nil {
		t.Fatalf("expected context_overflow error")
	}
}

func TestSizeLimitPruneOldestEvictsFIFO(t *testing.T) {
	c := Create(nil, SizeLimits{MaxNodeCount: 2, PruneOldest: true})
	var err error
	c, err = c.StoreNodeOutput("A", map[string]interface{}{"v": 1})
	if err != nil {
		t.Fatalf("store A: %v", err)
	}
	c, err = c.StoreNodeOutput("B", map[string]interface{}{"v": 2})
	if err != nil {
		t.Fatalf("store B: %v", err)
	}
	c, err = c.StoreNodeOutput("C", map[string]interface{}{"v": 3})
	if err != nil {
		t.Fatalf("store C: %v", err)
	}

	if _, ok := c.GetNodeOutput("A"); ok {
		t.Fatalf("expected A to have been pruned as the oldest entry")
	}
	if _, ok := c.GetNodeOutput("B"); !ok {
		t.Fatalf("expected B to survive")
	}
	if _, ok := c.GetNodeOutput("C"); !ok {
		t.Fatalf("expected C to survive")
	}
	pruned := c.PrunedNodeIDs()
	if len(pruned) != 1 || pruned[0] != "A" {
		t.Fatalf("expected PrunedNodeIDs = [A], got %v", pruned)
	}
}

func TestBuildFinalOutputsMergesInOrderIdempotently(t *testing.T) {
	c := Create(nil, SizeLimits{})
	c, _ = c.StoreNodeOutput("Out1", map[string]interface{}{"a": 1, "shared": "first"})
	c, _ = c.StoreNodeOutput("Out2", map[string]interface{}{"b": 2, "shared": "second"})

	got1 := BuildFinalOutputs(c, []string{"Out1", "Out2"})
	got2 := BuildFinalOutputs(c, []string{"Out1", "Out2"})

	if got1["shared"] != "second" {
		t.Fatalf("expected later output node to win collisions, got %v", got1["shared"])
	}
	if got1["a"] != 1 || got1["b"] != 2 {
		t.Fatalf("expected both non-colliding keys present, got %v", got1)
	}
	if got1["shared"] != got2["shared"] || got1["a"] != got2["a"] {
		t.Fatalf("expected BuildFinalOutputs to be idempotent, got %v vs %v", got1, got2)
	}
}
