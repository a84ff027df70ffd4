package condition

import "testing"

func TestEvaluateTrueCondition(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.Evaluate("output.approved", map[string]interface{}{"approved": true}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("expected true")
	}
}

func TestEvaluateFalseCondition(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.Evaluate("output.statusCode == 200", map[string]interface{}{"statusCode": 404.0}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ok {
		t.Error("expected false")
	}
}

func TestEvaluateDollarDotShorthand(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.Evaluate("$.approved", map[string]interface{}{"approved": true}, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("expected true")
	}
}

func TestEvaluateUsesContextVariable(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.Evaluate(`ctx.userTier == "gold"`, nil, map[string]interface{}{"userTier": "gold"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ok {
		t.Error("expected true")
	}
}

func TestEvaluateNonBooleanResultErrors(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("output.count", map[string]interface{}{"count": 5.0}, nil)
	if err == nil {
		t.Fatal("expected error for non-boolean result")
	}
}

func TestEvaluateCompileErrorSurfaced(t *testing.T) {
	e := NewEvaluator()
	_, err := e.Evaluate("output.(((", nil, nil)
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestProgramCacheReused(t *testing.T) {
	e := NewEvaluator()
	if _, err := e.Evaluate("output.ok", map[string]interface{}{"ok": true}, nil); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if _, err := e.Evaluate("output.ok", map[string]interface{}{"ok": false}, nil); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if e.CacheSize() != 1 {
		t.Errorf("CacheSize: got %d, want 1", e.CacheSize())
	}
}

func TestClearCache(t *testing.T) {
	e := NewEvaluator()
	_, _ = e.Evaluate("output.ok", map[string]interface{}{"ok": true}, nil)
	e.ClearCache()
	if e.CacheSize() != 0 {
		t.Errorf("CacheSize after clear: got %d, want 0", e.CacheSize())
	}
}
