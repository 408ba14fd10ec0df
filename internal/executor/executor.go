// Package executor issues a single HTTP call for one endpoint invocation:
// header merging, parameter encoding, timeout/cancellation enforcement,
// response truncation, and error classification.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cronicorn/engine/internal/domain"
	"github.com/cronicorn/engine/internal/retrypolicy"
)

type (
	// Request is one planned endpoint invocation.
	Request struct {
		Endpoint                   domain.Endpoint
		JobDefaultHeaders          map[string]string
		Parameters                 map[string]any
		Headers                    map[string]string
		DefaultTimeoutMs           int
		ResponseContentLengthLimit int
	}

	// Result is the outcome of one HTTP call.
	Result struct {
		Success         bool
		StatusCode      int
		ExecutionTimeMs int64
		ResponseContent any
		Error           error
		Category        retrypolicy.Category
		RequestSize     int
		ResponseSize    int
		Truncated       bool
		Aborted         bool
	}

	// Executor issues HTTP calls for endpoint invocations. Construct it with
	// New; the zero value has no HTTP client. Callers typically construct one
	// Executor per engine process and share it across jobs.
	Executor struct {
		client *http.Client
	}
)

// New constructs an Executor. A nil client defaults to a client with no
// built-in timeout — per-call timeouts are enforced via context instead, so
// that fire-and-forget dispatch and cancellation compose correctly.
func New(client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	return &Executor{client: client}
}

// Execute issues one HTTP call for req, honoring ctx for cancellation/abort
// and the endpoint's (or default) timeout. Fire-and-forget endpoints
// dispatch without awaiting the response and return an immediate synthetic
// success with StatusCode 0.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	start := time.Now()

	httpReq, bodySize, err := e.buildRequest(ctx, req)
	if err != nil {
		return Result{Error: err, Category: retrypolicy.CategoryUnknown, ExecutionTimeMs: time.Since(start).Milliseconds()}
	}

	if req.Endpoint.FireAndForget {
		go func() {
			// Detached from the caller's context/timeout: fire-and-forget
			// endpoints are dispatched and forgotten by design.
			detachedReq := httpReq.Clone(context.Background())
			resp, err := e.client.Do(detachedReq)
			if err == nil && resp != nil {
				_ = resp.Body.Close()
			}
		}()
		return Result{Success: true, StatusCode: 0, ExecutionTimeMs: 0, RequestSize: bodySize}
	}

	timeout := req.Endpoint.TimeoutMs
	if timeout <= 0 {
		timeout = req.DefaultTimeoutMs
	}
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}
	httpReq = httpReq.WithContext(callCtx)

	resp, err := e.client.Do(httpReq)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		cat, aborted := classifyTransportError(ctx, err)
		return Result{Error: err, Category: cat, Aborted: aborted, ExecutionTimeMs: elapsed, RequestSize: bodySize}
	}
	defer func() { _ = resp.Body.Close() }()

	limit := req.ResponseContentLengthLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	raw, truncated, err := readLimited(resp.Body, limit)
	elapsed = time.Since(start).Milliseconds()
	if err != nil {
		return Result{Error: err, Category: retrypolicy.CategoryUnknown, StatusCode: resp.StatusCode, ExecutionTimeMs: elapsed, RequestSize: bodySize}
	}

	content := decodeBody(resp.Header.Get("Content-Type"), raw)

	result := Result{
		StatusCode:      resp.StatusCode,
		ExecutionTimeMs: elapsed,
		ResponseContent: content,
		RequestSize:     bodySize,
		ResponseSize:    len(raw),
		Truncated:       truncated,
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Success = true
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		result.Category = retrypolicy.CategoryHTTP4xx
		result.Error = fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		result.Category = retrypolicy.CategoryHTTP5xx
		result.Error = fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	default:
		result.Category = retrypolicy.CategoryUnknown
		result.Error = fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return result
}

// buildRequest merges headers (job defaults < endpoint defaults < planned
// headers), encodes parameters per the HTTP method, and applies bearer auth.
func (e *Executor) buildRequest(ctx context.Context, req Request) (*http.Request, int, error) {
	method := strings.ToUpper(req.Endpoint.Method)
	if method == "" {
		method = http.MethodGet
	}

	reqURL := req.Endpoint.URL
	var body io.Reader
	bodySize := 0

	if method == http.MethodGet {
		u, err := url.Parse(reqURL)
		if err != nil {
			return nil, 0, fmt.Errorf("parse endpoint url: %w", err)
		}
		q := u.Query()
		for k, v := range req.Parameters {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		reqURL = u.String()
	} else if len(req.Parameters) > 0 {
		raw, err := json.Marshal(req.Parameters)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal parameters: %w", err)
		}
		body = bytes.NewReader(raw)
		bodySize = len(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	for k, v := range req.JobDefaultHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Endpoint.DefaultHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Endpoint.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Endpoint.BearerToken)
	}
	return httpReq, bodySize, nil
}

// classifyTransportError classifies an error returned by http.Client.Do
// before any response was received.
func classifyTransportError(ctx context.Context, err error) (retrypolicy.Category, bool) {
	if errors.Is(err, context.Canceled) {
		if ctx.Err() == context.Canceled {
			return retrypolicy.CategoryAborted, true
		}
		return retrypolicy.CategoryTimeout, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return retrypolicy.CategoryTimeout, false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retrypolicy.CategoryTimeout, false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return retrypolicy.CategoryNetwork, false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return retrypolicy.CategoryNetwork, false
	}
	return retrypolicy.CategoryUnknown, false
}

// readLimited reads up to limit+1 bytes so truncation can be detected
// without buffering unbounded attacker-controlled bodies.
func readLimited(r io.Reader, limit int) ([]byte, bool, error) {
	lr := io.LimitReader(r, int64(limit)+1)
	raw, err := io.ReadAll(lr)
	if err != nil {
		return nil, false, fmt.Errorf("read response body: %w", err)
	}
	if len(raw) > limit {
		return raw[:limit], true, nil
	}
	return raw, false, nil
}

// decodeBody returns a parsed JSON value when the content-type indicates
// JSON or the body parses as JSON, and the raw string otherwise.
func decodeBody(contentType string, raw []byte) any {
	text := string(raw)
	if len(raw) == 0 {
		return text
	}
	looksJSON := strings.Contains(contentType, "json")
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	if looksJSON {
		return text
	}
	return text
}
