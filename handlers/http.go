// Package handlers provides a small set of dispatcher.Handler
// implementations the demo CLI and integration tests wire into a
// Dispatcher. Grounded on the teacher's cmd/workflow-runner/worker
// package: HTTPHandler adapts HTTPWorker.executeHTTPRequest from a
// Redis-stream consumer into a synchronous dispatcher.Handler, keeping the
// same config fields (url/method/payload) and response shape.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nbaghiro/flowmaestro-sub016/dispatcher"
)

// HTTPHandler issues a single outbound HTTP request per node, driven by
// its (already-interpolated) config.
type HTTPHandler struct {
	client *http.Client
}

// NewHTTPHandler builds an HTTPHandler with a bounded request timeout,
// matching the teacher's HTTPWorker default.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{client: &http.Client{Timeout: 30 * time.Second}}
}

func (h *HTTPHandler) Name() string                { return "http" }
func (h *HTTPHandler) SupportedNodeTypes() []string { return []string{"http"} }
func (h *HTTPHandler) CanHandle(nodeType string) bool {
	return nodeType == "http"
}

func (h *HTTPHandler) Execute(ctx context.Context, input dispatcher.Input) (dispatcher.Output, error) {
	url, _ := input.NodeConfig["url"].(string)
	if url == "" {
		return dispatcher.Output{}, fmt.Errorf("http handler: config.url is required")
	}
	method, _ := input.NodeConfig["method"].(string)
	if method == "" {
		method = "GET"
	}

	var body []byte
	if payload, ok := input.NodeConfig["payload"].(string); ok && payload != "" {
		body = []byte(payload)
	} else if payload, ok := input.NodeConfig["payload"]; ok && payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			body = b
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return dispatcher.Output{}, fmt.Errorf("http handler: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flowmaestro/1.0")

	start := time.Now()
	resp, err := h.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return dispatcher.Output{}, fmt.Errorf("http handler: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatcher.Output{}, fmt.Errorf("http handler: failed to read response: %w", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		decoded = string(respBody)
	}

	return dispatcher.Output{
		Result: map[string]interface{}{
			"statusCode": float64(resp.StatusCode),
			"body":       decoded,
			"url":        url,
			"method":     method,
		},
		Metrics: dispatcher.Metrics{DurationMs: duration.Milliseconds()},
	}, nil
}
