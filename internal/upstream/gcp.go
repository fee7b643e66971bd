package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GCPClient fronts a Cloud Healthcare API FHIR store. It wraps the generic
// HTTP client and attaches an OAuth2 access token from the application
// default credentials to every call; the token source handles refresh.
type GCPClient struct {
	inner  Client
	tokens oauth2.TokenSource
}

// NewGCPClient creates a client for the FHIR store at baseURL using
// application default credentials.
func NewGCPClient(ctx context.Context, baseURL string, timeout time.Duration, logger zerolog.Logger) (*GCPClient, error) {
	tokens, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("resolving application default credentials: %w", err)
	}
	return &GCPClient{
		inner:  NewHTTPClient(baseURL, timeout, logger),
		tokens: tokens,
	}, nil
}

// newGCPClientWithSource is the constructor used by tests.
func newGCPClientWithSource(inner Client, tokens oauth2.TokenSource) *GCPClient {
	return &GCPClient{inner: inner, tokens: tokens}
}

func (c *GCPClient) BaseURL() string { return c.inner.BaseURL() }

func (c *GCPClient) Execute(ctx context.Context, method, pathAndQuery string, header http.Header, body io.Reader) (*Response, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: fetching access token: %v", ErrUnreachable, err)
	}

	outbound := make(http.Header, len(header)+1)
	for name, values := range header {
		if http.CanonicalHeaderKey(name) == "Authorization" {
			continue
		}
		outbound[name] = values
	}
	token.SetAuthHeader(&http.Request{Header: outbound})

	return c.inner.Execute(ctx, method, pathAndQuery, outbound, body)
}
