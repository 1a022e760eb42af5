package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/convoflow/flowpg/variables"
)

// WebhookConfig is the content payload of a WEBHOOK node. URL, headers, and
// payload are interpolated through the resolver before the call.
type WebhookConfig struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        any               `json:"payload,omitempty"`
	TimeoutSeconds int               `json:"timeout,omitempty"`
	StoreResponse  bool              `json:"store_response,omitempty"`
	ResponseKey    string            `json:"response_key,omitempty"`
}

// ExecuteWebhook performs the outbound call of a WEBHOOK node. Non-2xx
// responses fail. When StoreResponse is set, the decoded response body is
// written under webhook_responses.<ResponseKey>.
func (p *Processor) ExecuteWebhook(ctx context.Context, resolver *variables.Resolver, cfg WebhookConfig) (map[string]any, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook requires url", ErrInvalidInput)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	status, body, err := p.doRequest(ctx, resolver, method, cfg.URL, cfg.Headers, cfg.Payload, cfg.TimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookFailed, err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrWebhookFailed, status)
	}

	result := map[string]any{"status_code": status}
	if cfg.StoreResponse {
		key := cfg.ResponseKey
		if key == "" {
			key = "result"
		}
		if err := resolver.Set(variables.ScopeWebhooks+"."+key, body); err != nil {
			return nil, err
		}
		result["response_key"] = key
		result["response"] = body
	}
	return result, nil
}

// apiCall performs the api_call action. Responses are stored under
// api_responses.<response_key> when requested.
func (p *Processor) apiCall(ctx context.Context, resolver *variables.Resolver, action ActionSpec) (map[string]any, error) {
	method := strings.ToUpper(action.Method)
	if method == "" {
		method = http.MethodGet
	}

	status, body, err := p.doRequest(ctx, resolver, method, action.URL, action.Headers, action.Payload, action.TimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAPICallFailed, err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrAPICallFailed, status)
	}

	result := map[string]any{"status_code": status}
	if action.StoreResponse {
		key := action.ResponseKey
		if key == "" {
			key = "result"
		}
		if err := resolver.Set(variables.ScopeAPICalls+"."+key, body); err != nil {
			return nil, err
		}
		result["response_key"] = key
		result["response"] = body
	}
	return result, nil
}

// doRequest interpolates the request pieces, performs the HTTP call with a
// timeout, and decodes the response body (JSON when possible, raw string
// otherwise).
func (p *Processor) doRequest(ctx context.Context, resolver *variables.Resolver, method, rawURL string, headers map[string]string, payload any, timeoutSeconds int) (int, any, error) {
	timeout := DefaultHTTPTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := resolver.SubstituteString(ctx, rawURL, false)

	var bodyReader io.Reader
	if payload != nil {
		resolved := resolver.SubstituteObject(ctx, payload, false)
		raw, err := json.Marshal(resolved)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, resolver.SubstituteString(ctx, v, false))
	}

	p.logger.Debug("outbound request", "method", method, "url", url)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = string(raw)
	}
	return resp.StatusCode, decoded, nil
}
