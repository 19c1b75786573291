package handler

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gantry-io/gantry/pkg/schema"
)

// HTTPConfig configures the http.request handler.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// Param helpers used by all handler files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPRequestHandler implements the "http.request" handler. Response
// status codes map onto the engine's error taxonomy: 429 becomes a
// rate-limit backoff request (honoring Retry-After), 5xx is retryable,
// other 4xx is a permanent failure.
type HTTPRequestHandler struct {
	config HTTPConfig
}

// NewHTTPRequestHandler creates a new http.request handler.
func NewHTTPRequestHandler(cfg HTTPConfig) *HTTPRequestHandler {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestHandler{config: cfg}
}

func (h *HTTPRequestHandler) Name() string { return "http.request" }

func (h *HTTPRequestHandler) Schema() HandlerSchema {
	return HandlerSchema{
		Description:  "Execute an HTTP request with control over method, headers, body, auth, and redirects.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (h *HTTPRequestHandler) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (h *HTTPRequestHandler) Process(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	params := inv.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := h.Validate(params); err != nil {
		return nil, err
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	rawURL := stringParam(params, "url", "")
	followRedirects := boolParam(params, "follow_redirects", true)
	maxRedirects := intParam(params, "max_redirects", 10)
	tlsSkipVerify := boolParam(params, "tls_skip_verify", false)

	timeout := h.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		b, err := json.Marshal(rawBody)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to marshal body as JSON").WithCause(err)
		}
		bodyReader = strings.NewReader(string(b))
		contentType = "application/json"
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to create request").WithCause(err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if hdrs, ok := params["headers"]; ok {
		if hm, ok := hdrs.(map[string]any); ok {
			for k, v := range hm {
				req.Header.Set(k, fmt.Sprintf("%v", v))
			}
		}
	}

	if authRaw, ok := params["auth"]; ok {
		if auth, ok := authRaw.(map[string]any); ok {
			switch stringParam(auth, "type", "") {
			case "bearer":
				req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
			case "basic":
				req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
			case "api_key":
				if name := stringParam(auth, "header_name", ""); name != "" {
					req.Header.Set(name, stringParam(auth, "header_value", ""))
				}
			}
		}
	}

	// Always build a fresh client to avoid mutating shared transport state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) == 0 {
		parsedBody = nil
	} else if strings.Contains(respContentType, "application/json") {
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	} else {
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if err := classifyStatus(resp, result); err != nil {
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "http.request: failed to marshal output").WithCause(err)
	}
	return data, nil
}

// classifyStatus maps error status codes onto the engine's error taxonomy.
func classifyStatus(resp *http.Response, result map[string]any) error {
	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return schema.NewRateLimited(
			fmt.Sprintf("http.request: server returned %d", code),
			retryAfterSeconds(resp),
		).WithDetails(result)
	case code >= 500:
		return schema.NewErrorf(schema.ErrCodeExecution, "http.request: server returned %d", code).
			WithDetails(result)
	case code >= 400:
		return schema.NewPermanent(fmt.Sprintf("http.request: server returned %d", code)).
			WithDetails(result)
	}
	return nil
}

// retryAfterSeconds parses the Retry-After header, accepting either a
// delta-seconds value or an HTTP date. Zero means no usable hint.
func retryAfterSeconds(resp *http.Response) int {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return secs
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return int(d.Seconds() + 0.5)
		}
	}
	return 0
}
