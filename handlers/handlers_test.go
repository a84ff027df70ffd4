package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nbaghiro/flowmaestro-sub016/dispatcher"
)

func TestHTTPHandlerGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := NewHTTPHandler()
	if !h.CanHandle("http") || h.CanHandle("other") {
		t.Fatalf("CanHandle mismatch")
	}

	out, err := h.Execute(context.Background(), dispatcher.Input{
		NodeConfig: map[string]interface{}{"url": srv.URL, "method": "GET"},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Result["statusCode"] != float64(200) {
		t.Errorf("statusCode: got %#v", out.Result["statusCode"])
	}
	body, _ := out.Result["body"].(map[string]interface{})
	if body["ok"] != true {
		t.Errorf("body: got %#v", out.Result["body"])
	}
}

func TestHTTPHandlerMissingURL(t *testing.T) {
	h := NewHTTPHandler()
	_, err := h.Execute(context.Background(), dispatcher.Input{NodeConfig: map[string]interface{}{}})
	if err == nil {
		t.Fatal("expected error for missing url")
	}
}

type fakeCond struct {
	result bool
	err    error
}

func (f *fakeCond) Evaluate(expr string, output interface{}, ctx map[string]interface{}) (bool, error) {
	return f.result, f.err
}

func TestRouterHandlerMatchesFirstRule(t *testing.T) {
	h := NewRouterHandler(&fakeCond{result: true})
	out, err := h.Execute(context.Background(), dispatcher.Input{
		NodeConfig: map[string]interface{}{
			"rules": []interface{}{
				map[string]interface{}{"handle": "p1", "condition": "true"},
			},
			"default": "fallback",
		},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(out.Signals.SelectedHandles) != 1 || out.Signals.SelectedHandles[0] != "p1" {
		t.Errorf("got %#v", out.Signals.SelectedHandles)
	}
}

func TestRouterHandlerFallsBackToDefault(t *testing.T) {
	h := NewRouterHandler(&fakeCond{result: false})
	out, err := h.Execute(context.Background(), dispatcher.Input{
		NodeConfig: map[string]interface{}{
			"rules": []interface{}{
				map[string]interface{}{"handle": "p1", "condition": "false"},
			},
			"default": "fallback",
		},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Signals.SelectedHandles[0] != "fallback" {
		t.Errorf("got %#v", out.Signals.SelectedHandles)
	}
}

func TestRouterHandlerNoMatchNoDefaultErrors(t *testing.T) {
	h := NewRouterHandler(&fakeCond{result: false})
	_, err := h.Execute(context.Background(), dispatcher.Input{
		NodeConfig: map[string]interface{}{"rules": []interface{}{}},
	})
	if err == nil {
		t.Fatal("expected error when nothing matches and no default")
	}
}

func TestTransformHandlerExtractsMappedFields(t *testing.T) {
	h := NewTransformHandler()
	out, err := h.Execute(context.Background(), dispatcher.Input{
		NodeConfig: map[string]interface{}{
			"mappings": map[string]interface{}{
				"name": "fetch.body.data.name",
			},
		},
		Context: map[string]interface{}{
			"fetch": map[string]interface{}{
				"body": map[string]interface{}{
					"data": map[string]interface{}{"name": "John"},
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Result["name"] != "John" {
		t.Errorf("got %#v", out.Result["name"])
	}
}

func TestTransformHandlerMissingPathOmitsField(t *testing.T) {
	h := NewTransformHandler()
	out, err := h.Execute(context.Background(), dispatcher.Input{
		NodeConfig: map[string]interface{}{
			"mappings": map[string]interface{}{"missing": "nowhere.at.all"},
		},
		Context: map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if _, ok := out.Result["missing"]; ok {
		t.Errorf("expected missing field to be omitted, got %#v", out.Result["missing"])
	}
}

func TestPassthroughHandlerEchoesConfig(t *testing.T) {
	h := NewPassthroughHandler("input")
	if !h.CanHandle("input") || h.CanHandle("output") {
		t.Fatalf("CanHandle mismatch")
	}
	cfg := map[string]interface{}{"entityId": "u1"}
	out, err := h.Execute(context.Background(), dispatcher.Input{NodeConfig: cfg})
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if out.Result["entityId"] != "u1" {
		t.Errorf("got %#v", out.Result)
	}
}
