package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxBodyBytes = 4 << 20

// StatusError reports a downstream 5xx answer.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream returned status %d", e.Code)
}

// Response is a fully read downstream reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Request describes one forwarded call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Downstream performs bounded-time HTTP calls to backend services.
type Downstream struct {
	httpClient *http.Client
}

func NewDownstream(timeout time.Duration) *Downstream {
	return &Downstream{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Do sends req and reads the whole reply. Transport failures and 5xx
// replies are returned as errors; a 5xx reply is returned alongside its
// *StatusError so callers can still inspect it.
func (d *Downstream) Do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return out, &StatusError{Code: resp.StatusCode}
	}
	return out, nil
}

// Probe issues GET <baseURL>/health and fails on anything but 200.
func (d *Downstream) Probe(ctx context.Context, baseURL string) error {
	resp, err := d.Do(ctx, Request{Method: http.MethodGet, URL: baseURL + "/health"})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned status %d", resp.StatusCode)
	}
	return nil
}
