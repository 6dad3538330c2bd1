// Package backend is the HTTP client for the voice-processing backend's call
// lifecycle endpoints.
//
// Every request carries the W3C trace context and the call's X-Session-ID
// (see [observe.InjectHeaders]), runs inside a client span and is recorded on
// [observe.Metrics.BackendRequests]. No request timeout is applied; callers
// bound a request through its context.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/callwire/internal/observe"
)

// Endpoint paths relative to the base URL.
const (
	PathStartCall        = "/start-call"
	PathEndCall          = "/end-call"
	PathEndSession       = "/end-session"
	PathAudioBufferEmpty = "/audio-buffer-empty"
	PathReport           = "/report"
	PathJobStatus        = "/job-status/"
)

// maxBody caps how much of a response body is read.
const maxBody = 1 << 20

// ErrPreconditionFailed is returned by [Client.SubmitReport] when the backend
// refuses to start a report because the call has not ended.
var ErrPreconditionFailed = errors.New("backend: precondition failed")

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	Method   string
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s %s returned status %d", e.Method, e.Endpoint, e.Code)
}

// statusBody is the JSON body of the end-call and end-session notifications.
type statusBody struct {
	Status int `json:"status"`
}

// JobStatus is one poll result of a report job.
type JobStatus struct {
	// Code is the HTTP status of the poll.
	Code int

	// Rating is the call rating in [1, 3]. Zero while the job is processing.
	Rating int
}

// Done reports whether the job completed with a rating.
func (s JobStatus) Done() bool { return s.Rating >= 1 && s.Rating <= 3 }

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the backend. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	metrics *observe.Metrics
}

// New returns a Client for baseURL, which must be an absolute http(s) URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("backend: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend: base URL %q must use http or https", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// StartCall announces a new call. The response body is returned as-is.
func (c *Client) StartCall(ctx context.Context) (json.RawMessage, error) {
	code, body, err := c.do(ctx, http.MethodPost, PathStartCall, nil)
	if err != nil {
		return nil, err
	}
	if code/100 != 2 {
		return nil, &StatusError{Method: http.MethodPost, Endpoint: PathStartCall, Code: code}
	}
	if !json.Valid(body) {
		return json.RawMessage("null"), nil
	}
	return body, nil
}

// EndCall tells the backend the user ended the call.
func (c *Client) EndCall(ctx context.Context) error {
	return c.notify(ctx, PathEndCall, statusBody{Status: 1})
}

// EndSession tells the backend the user left the session.
func (c *Client) EndSession(ctx context.Context) error {
	return c.notify(ctx, PathEndSession, statusBody{Status: 1})
}

// AudioBufferEmpty tells the backend the local playback buffer was cleared.
func (c *Client) AudioBufferEmpty(ctx context.Context) error {
	return c.notify(ctx, PathAudioBufferEmpty, nil)
}

// SubmitReport starts a report job and returns its id. A 400 response yields
// [ErrPreconditionFailed].
func (c *Client) SubmitReport(ctx context.Context) (string, error) {
	code, body, err := c.do(ctx, http.MethodPost, PathReport, nil)
	if err != nil {
		return "", err
	}
	switch code {
	case http.StatusAccepted:
		var resp struct {
			JobID json.RawMessage `json:"job_id"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("backend: decode report response: %w", err)
		}
		id := jobID(resp.JobID)
		if id == "" {
			return "", errors.New("backend: report accepted without a job id")
		}
		return id, nil
	case http.StatusBadRequest:
		return "", fmt.Errorf("%w: call has not ended", ErrPreconditionFailed)
	default:
		return "", &StatusError{Method: http.MethodPost, Endpoint: PathReport, Code: code}
	}
}

// JobStatus polls a report job. Only a 200 response whose "number" field is a
// whole number in [1, 3] completes the job; every other payload reports the
// job as still processing.
func (c *Client) JobStatus(ctx context.Context, id string) (JobStatus, error) {
	code, body, err := c.do(ctx, http.MethodGet, PathJobStatus+url.PathEscape(id), nil)
	if err != nil {
		return JobStatus{}, err
	}
	st := JobStatus{Code: code}
	if code/100 != 2 {
		return st, &StatusError{Method: http.MethodGet, Endpoint: PathJobStatus + "{id}", Code: code}
	}
	if code != http.StatusOK {
		return st, nil
	}
	var resp struct {
		Number any `json:"number"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		slog.Debug("backend: job status body is not JSON", "job_id", id, "err", err)
		return st, nil
	}
	if n, ok := resp.Number.(float64); ok && n >= 1 && n <= 3 && n == float64(int(n)) {
		st.Rating = int(n)
	}
	return st, nil
}

// notify POSTs payload (or an empty body) and expects a 2xx response.
func (c *Client) notify(ctx context.Context, endpoint string, payload any) error {
	code, _, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return &StatusError{Method: http.MethodPost, Endpoint: endpoint, Code: code}
	}
	return nil
}

// do performs one request and returns the status code and body.
func (c *Client) do(ctx context.Context, method, endpoint string, payload any) (int, []byte, error) {
	metricEndpoint := endpoint
	if strings.HasPrefix(endpoint, PathJobStatus) {
		metricEndpoint = PathJobStatus + "{id}"
	}

	ctx, span := observe.StartSpan(ctx, "backend "+method+" "+metricEndpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLPath(metricEndpoint),
		),
	)
	defer span.End()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("backend: marshal %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return 0, nil, fmt.Errorf("backend: create %s request: %w", endpoint, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	observe.InjectHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordBackendRequest(ctx, metricEndpoint, "error", elapsed)
		return 0, nil, fmt.Errorf("backend: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
	c.metrics.RecordBackendRequest(ctx, metricEndpoint, strconv.Itoa(resp.StatusCode), elapsed)
	if err != nil {
		span.RecordError(err)
		return resp.StatusCode, nil, fmt.Errorf("backend: read %s response: %w", endpoint, err)
	}
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, resp.Status)
	}
	observe.Logger(ctx).Debug("backend: request completed",
		"method", method,
		"endpoint", metricEndpoint,
		"status", resp.StatusCode,
		"duration_ms", int64(elapsed*1000),
	)
	return resp.StatusCode, data, nil
}

// jobID accepts string and numeric job ids.
func jobID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
