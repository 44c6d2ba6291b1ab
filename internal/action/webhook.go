package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/loomworks/gantry/internal/config"
	"github.com/loomworks/gantry/internal/expr"
)

// WebhookExecutor implements the call-external-endpoint action. It issues a
// single synchronous HTTP request; any non-2xx status is a failure. The
// response body is size-capped and, when it parses as JSON, exposed to the
// workflow under the response variable.
type WebhookExecutor struct {
	logger    *zap.Logger
	evaluator *expr.Evaluator
	client    *http.Client
	maxBody   int64
}

// NewWebhookExecutor creates the call-external-endpoint executor.
func NewWebhookExecutor(logger *zap.Logger, evaluator *expr.Evaluator, cfg config.WebhookConfig) *WebhookExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookExecutor{
		logger:    logger,
		evaluator: evaluator,
		client:    &http.Client{Timeout: cfg.Timeout},
		maxBody:   cfg.MaxResponseSize,
	}
}

// Name implements Executor.
func (e *WebhookExecutor) Name() string { return "call-external-endpoint" }

// Execute calls the configured endpoint. Parameters: url (required, template),
// method (default POST), headers (map of string values, templates), body
// (map sent as JSON with string values template-expanded).
func (e *WebhookExecutor) Execute(ctx context.Context, params map[string]any, vars map[string]any) (map[string]any, error) {
	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("call-external-endpoint: url parameter is required")
	}
	url := e.evaluator.ParseTemplate(rawURL, vars)

	method, _ := params["method"].(string)
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodPost
	}

	var bodyReader io.Reader
	if body, ok := params["body"].(map[string]any); ok {
		expanded := make(map[string]any, len(body))
		for k, v := range body {
			if s, ok := v.(string); ok {
				expanded[k] = e.evaluator.ParseTemplate(s, vars)
				continue
			}
			expanded[k] = v
		}
		encoded, err := json.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("call-external-endpoint: encode body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("call-external-endpoint: build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, e.evaluator.ParseTemplate(s, vars))
			}
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call-external-endpoint: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, fmt.Errorf("call-external-endpoint: read response: %w", err)
	}

	e.logger.Info("external endpoint called",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode),
		zap.Int("response_bytes", len(data)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("call-external-endpoint: %s %s returned status %d", method, url, resp.StatusCode)
	}

	out := map[string]any{"response_status": resp.StatusCode}
	var parsed any
	if len(data) > 0 && json.Unmarshal(data, &parsed) == nil {
		out["response"] = parsed
	} else if len(data) > 0 {
		out["response"] = string(data)
	}
	return out, nil
}
