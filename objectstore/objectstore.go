// Package objectstore implements the object-store client described in
// section 4.6 of the design specification. It provides a single
// operation, an idempotent PUT of a byte blob to a path, and classifies
// the result into transient, permanent, and credential failure buckets
// so callers (the uploader pool) can react without knowing
// anything about HTTP.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Outcome classifies the result of a PUT as required by section 4.6.
type Outcome int

const (
	// OutcomeOK means the object store accepted the write (2xx).
	OutcomeOK Outcome = iota
	// OutcomeTransient means the failure is retryable: 408/425/429/5xx,
	// connect errors, or a deadline exceeded.
	OutcomeTransient
	// OutcomeCredential means 401/403: the credentials attached to this
	// request are rejected; the item is not consumed, but the caller
	// should pace globally until credentials are refreshed.
	OutcomeCredential
	// OutcomePermanent means a non-credential 4xx: the payload itself
	// is rejected and will never succeed unmodified.
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTransient:
		return "transient"
	case OutcomeCredential:
		return "credential"
	case OutcomePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Request describes a single PUT as required by section 4.6 / 6.
type Request struct {
	BaseURL         string // e.g. https://project.supabase.co
	Bucket          string
	ObjectPath      string // e.g. sessions/<sid>/manifest.json
	Body            []byte
	ContentType     string
	ContentEncoding string // optional, e.g. "gzip"
	AuthBearer      string // empty when PresignedURL is set
	PresignedURL    string // optional: PUT here with no auth header
}

// Result is the outcome of one PUT attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

// Client is the minimal HTTP PUT abstraction from section 4.6.
type Client interface {
	Put(ctx context.Context, req Request) Result
}

// compile-time interface check, matching the teacher's
// aws.S3Client/S3ClientImpl assertion pattern.
var _ Client = (*HTTPClient)(nil)

// HTTPClient implements Client against the Supabase-Storage-shaped
// wire protocol from section 6:
//
//	PUT {base_url}/storage/v1/object/{bucket}/{object_path}
//	Authorization: Bearer <key>
//	x-upsert: true
//	Content-Type: <type>
//	Content-Encoding: gzip (optional)
type HTTPClient struct {
	HTTP    *http.Client
	Timeout time.Duration // per-PUT deadline, default 30s per section 5
}

// NewHTTPClient creates an HTTPClient with the default 30s per-request
// deadline from section 5.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		HTTP:    &http.Client{},
		Timeout: 30 * time.Second,
	}
}

// Put performs one idempotent upsert PUT and classifies the response.
func (c *HTTPClient) Put(ctx context.Context, req Request) Result {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url, usePresigned := req.targetURL()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(req.Body))
	if err != nil {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("building request: %w", err)}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.ContentEncoding != "" {
		httpReq.Header.Set("Content-Encoding", req.ContentEncoding)
	}
	if !usePresigned {
		httpReq.Header.Set("x-upsert", "true")
		if req.AuthBearer != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.AuthBearer)
		}
	}

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("put timed out: %w", ctx.Err())}
		}
		return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("put failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return classify(resp.StatusCode)
}

func (r Request) targetURL() (string, bool) {
	if r.PresignedURL != "" {
		return r.PresignedURL, true
	}
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", r.BaseURL, r.Bucket, r.ObjectPath), false
}

// classify implements the status classification from section 4.5/4.6:
// 2xx success; 401/403 credential; 408/425/429/5xx transient; other 4xx
// permanent.
func classify(status int) Result {
	switch {
	case status >= 200 && status < 300:
		return Result{Outcome: OutcomeOK, StatusCode: status}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Result{Outcome: OutcomeCredential, StatusCode: status, Err: fmt.Errorf("credential error: status %d", status)}
	case status == http.StatusRequestTimeout ||
		status == 425 || // Too Early
		status == http.StatusTooManyRequests ||
		status >= 500:
		return Result{Outcome: OutcomeTransient, StatusCode: status, Err: fmt.Errorf("transient error: status %d", status)}
	case status >= 400 && status < 500:
		return Result{Outcome: OutcomePermanent, StatusCode: status, Err: fmt.Errorf("permanent error: status %d", status)}
	default:
		return Result{Outcome: OutcomeTransient, StatusCode: status, Err: fmt.Errorf("unexpected status %d", status)}
	}
}
