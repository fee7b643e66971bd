// Package upstream talks to the FHIR store behind the gateway.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnreachable marks a transport failure talking to the FHIR store. The
// gateway translates it to HTTP 502.
var ErrUnreachable = errors.New("upstream unreachable")

// ErrTimeout marks an upstream call that exceeded its deadline. The gateway
// translates it to HTTP 504.
var ErrTimeout = errors.New("upstream timeout")

// Response is one upstream reply. Body is a stream; the caller owns closing
// it. Post-processors that need the full body read it and hand the relay a
// replacement byte slice.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client executes FHIR operations against the store.
type Client interface {
	// Execute sends one request. pathAndQuery is relative to the store base
	// URL ("Observation?subject=p1"). The context carries the deadline.
	Execute(ctx context.Context, method, pathAndQuery string, header http.Header, body io.Reader) (*Response, error)
	// BaseURL returns the store base URL without a trailing slash.
	BaseURL() string
}

// HTTPClient is the generic FHIR store client, suitable for HAPI and any
// plain HTTP FHIR server.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient creates a client for the store at baseURL with a per-call
// timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (c *HTTPClient) BaseURL() string { return c.baseURL }

func (c *HTTPClient) Execute(ctx context.Context, method, pathAndQuery string, header http.Header, body io.Reader) (*Response, error) {
	url := c.baseURL
	if pathAndQuery != "" {
		url += "/" + strings.TrimLeft(pathAndQuery, "/")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("upstream call")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
