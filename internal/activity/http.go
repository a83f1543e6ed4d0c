package activity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"

	"github.com/petrijr/fluxgraph/pkg/api"
)

const maxResponseBody = 10 << 20

// HTTPHandler performs an HTTP request.
//
// Config: url (required), method (default GET), headers, query, body and
// fail_on_status (default true). A body that is not a string is sent as
// JSON. Responses with a JSON content type are decoded.
//
// With fail_on_status, 5xx and 429 responses fail the node with a retryable
// error and other 4xx responses fail it permanently.
type HTTPHandler struct {
	Client *http.Client
}

func (h *HTTPHandler) Execute(ctx context.Context, in Input) (api.NodeExecutionResult, error) {
	rawURL, err := requireString(in, "url")
	if err != nil {
		return api.NodeExecutionResult{}, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, fmt.Sprintf("invalid url %q", rawURL))
	}
	if q, ok := in.Config["query"].(map[string]any); ok {
		values := u.Query()
		for k, v := range q {
			values.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = values.Encode()
	}

	method := strings.ToUpper(configString(in, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	isJSON := false
	switch b := in.Config["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, fmt.Sprintf("encode body: %v", err))
		}
		body = bytes.NewReader(data)
		isJSON = true
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return api.NodeExecutionResult{}, api.NewValidationError(in.Node.ID, err.Error())
	}
	if headers, ok := in.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return api.NodeExecutionResult{}, fmt.Errorf("%s %s: %w", method, u.Redacted(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return api.NodeExecutionResult{}, fmt.Errorf("read response: %w", err)
	}

	var decoded any = string(data)
	if strings.Contains(resp.Header.Get("Content-Type"), "json") && len(data) > 0 {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			decoded = v
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        decoded,
	}

	if configBool(in, "fail_on_status", true) && resp.StatusCode >= 400 {
		err := fmt.Errorf("%s %s: unexpected status %d", method, u.Redacted(), resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return api.NodeExecutionResult{Output: out}, err
		}
		return api.NodeExecutionResult{Output: out}, api.NewFatalError(in.Node.ID, err)
	}
	return Succeed(out), nil
}
