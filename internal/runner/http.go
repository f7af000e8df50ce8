package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"workflow-orchestrator/pkg/models"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 1000
)

// httpHandler performs http_request steps. Requests are throttled by the
// optional limiter and each gets its own timeout, capped at maxTimeout.
type httpHandler struct {
	client     *http.Client
	limiter    *rate.Limiter
	baseURL    *url.URL
	maxTimeout time.Duration
}

func (h *httpHandler) Type() models.StepType { return models.StepTypeHTTPRequest }

func (h *httpHandler) Execute(ctx context.Context, step models.WorkflowStep, _ *RunContext) (models.StepResult, error) {
	target, err := h.resolve(step.ConfigString("url"))
	if err != nil {
		return models.StepResult{}, err
	}

	method := strings.ToUpper(step.ConfigString("method"))
	if method == "" {
		method = http.MethodGet
	}

	timeout := h.maxTimeout
	if s, ok := step.ConfigNumber("timeout"); ok && s > 0 {
		timeout = cappedSeconds(s, h.maxTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return models.StepResult{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, contentType, err := requestBody(step.Config["body"])
	if err != nil {
		return models.StepResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if headers, ok := step.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return models.StepResult{}, fmt.Errorf("failed to read response: %w", err)
	}

	// any response counts as completed; only transport failures are step errors
	return success("HTTP call completed", map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(raw),
	}), nil
}

func (h *httpHandler) resolve(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("http_request step has no url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	// "//host/path" would inherit the base scheme but reach another host
	if u.Host != "" {
		return "", fmt.Errorf("scheme-relative url %q is not allowed", raw)
	}
	if h.baseURL == nil {
		return "", fmt.Errorf("relative url %q with no base url configured", raw)
	}
	return h.baseURL.ResolveReference(u).String(), nil
}

func requestBody(v interface{}) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}
