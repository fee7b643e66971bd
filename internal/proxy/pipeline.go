package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/google/fhir-gateway-sub000/internal/access"
	"github.com/google/fhir-gateway-sub000/internal/platform/auth"
	"github.com/google/fhir-gateway-sub000/internal/platform/fhir"
	"github.com/google/fhir-gateway-sub000/internal/platform/middleware"
	"github.com/google/fhir-gateway-sub000/internal/upstream"
)

// requestHeaderAllowlist names the inbound headers forwarded to the store.
// Authorization is included for plain HTTP backends; the GCP client replaces
// it with a service-account token.
var requestHeaderAllowlist = []string{
	"Authorization",
	"Content-Type",
	"Accept",
	"Accept-Encoding",
	"Prefer",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-None-Exist",
}

// responseHeaderAllowlist names the upstream headers relayed to the client.
// Headers carrying the store base URL are rewritten before relaying.
var responseHeaderAllowlist = []string{
	"Content-Type",
	"Content-Location",
	"ETag",
	"Last-Modified",
	"Location",
}

// Gateway is the authorizing proxy pipeline. Every request is parsed,
// authenticated, checked by the configured access checker, forwarded to the
// store, and relayed back with the store base URL replaced by the gateway's.
type Gateway struct {
	client         upstream.Client
	verifier       *auth.TokenVerifier
	factory        access.Factory
	finder         *fhir.PatientFinder
	allowedQueries *access.AllowedQueriesConfig
	logger         zerolog.Logger
}

// NewGateway wires the pipeline. allowedQueries may be nil when no bypass
// config is loaded.
func NewGateway(client upstream.Client, verifier *auth.TokenVerifier, factory access.Factory, allowedQueries *access.AllowedQueriesConfig, logger zerolog.Logger) *Gateway {
	return &Gateway{
		client:         client,
		verifier:       verifier,
		factory:        factory,
		finder:         fhir.NewPatientFinder(),
		allowedQueries: allowedQueries,
		logger:         logger,
	}
}

// Register mounts the pipeline on all paths.
func (g *Gateway) Register(e *echo.Echo) {
	e.Any("/*", g.Handle)
}

// Handle runs one request through the pipeline.
func (g *Gateway) Handle(c echo.Context) error {
	rd, err := fhir.NewRequestReader(c.Request(), requestBaseURL(c))
	if err != nil {
		return g.writeError(c, err)
	}

	// The identity provider's discovery document is served from the
	// startup-time cache; clients never reach the store for it.
	if strings.HasPrefix(rd.RequestPath(), ".well-known/") {
		return c.Blob(http.StatusOK, "application/json", []byte(g.verifier.WellKnownConfig()))
	}

	if g.allowedQueries != nil && g.allowedQueries.MatchUnauthenticated(rd) != nil {
		return g.forward(c, rd, g.bypassDecision(rd))
	}

	token, err := g.verifier.Verify(rd.Header("Authorization"))
	if err != nil {
		return g.writeError(c, err)
	}

	if g.allowedQueries != nil && g.allowedQueries.Match(rd, true) != nil {
		return g.forward(c, rd, g.bypassDecision(rd))
	}

	var decision *access.Decision
	if isMetadataRequest(rd) {
		decision = access.CapabilityDecision()
	} else {
		checker, err := g.factory.New(token, g.client, g.finder)
		if err != nil {
			// A token the checker cannot work with is an authorization
			// failure, not a server fault. Malformed scopes stay 400.
			if errors.Is(err, auth.ErrInvalidScope) {
				return g.writeError(c, err)
			}
			g.logger.Warn().Err(err).Msg("access checker rejected the token")
			return g.writeOutcome(c, http.StatusForbidden,
				fhir.ForbiddenOutcome("the token does not carry the claims this gateway requires"))
		}
		decision, err = checker.Check(rd)
		if err != nil {
			return g.writeError(c, err)
		}
	}

	if !decision.Granted {
		return g.writeOutcome(c, http.StatusForbidden,
			fhir.ForbiddenOutcome("the caller is not authorized for this operation"))
	}
	return g.forward(c, rd, decision)
}

// bypassDecision grants a request that matched the allowed-queries config.
// The capability statement still gets its security annotation.
func (g *Gateway) bypassDecision(rd *fhir.RequestReader) *access.Decision {
	if isMetadataRequest(rd) {
		return access.CapabilityDecision()
	}
	return access.Granted()
}

func isMetadataRequest(rd *fhir.RequestReader) bool {
	return rd.RequestType() == http.MethodGet && rd.RequestPath() == "metadata"
}

// forward sends the request to the store and relays the response.
func (g *Gateway) forward(c echo.Context, rd *fhir.RequestReader, decision *access.Decision) error {
	pathAndQuery := outboundPath(rd, decision.Mutation)

	header := http.Header{}
	for _, name := range requestHeaderAllowlist {
		if v := rd.Headers().Values(name); len(v) > 0 {
			header[http.CanonicalHeaderKey(name)] = v
		}
	}

	var body io.Reader
	if rd.RequestType() != http.MethodGet && rd.RequestType() != http.MethodDelete {
		contents, err := rd.LoadRequestContents()
		if err != nil {
			return g.writeError(c, err)
		}
		if len(contents) > 0 {
			body = bytes.NewReader(contents)
		}
	}

	resp, err := g.client.Execute(rd.Context(), rd.RequestType(), pathAndQuery, header, body)
	if err != nil {
		return g.writeError(c, err)
	}
	defer resp.Body.Close()

	// Post-processors and the URL rewriter both work on the decoded stream.
	wasGzip := strings.Contains(resp.Header.Get("Content-Encoding"), "gzip")
	if wasGzip {
		decoded, err := gzipDecode(resp.Body)
		if err != nil {
			return g.writeError(c, err)
		}
		resp.Body = decoded
	}

	var replacement []byte
	if decision.PostProcess != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		replacement, err = decision.PostProcess(rd, resp)
		if err != nil {
			// The upstream already committed the change; the client still
			// gets its response. Processors hand back any body they drained.
			g.logger.Error().Err(err).Str("path", rd.RequestPath()).Msg("response post-processing failed")
		}
	}

	return g.relay(c, rd, resp, replacement, wasGzip)
}

// relay writes the upstream response to the client, rewriting the store base
// URL to the gateway's throughout the body and the relayed headers.
func (g *Gateway) relay(c echo.Context, rd *fhir.RequestReader, resp *upstream.Response, replacement []byte, wasGzip bool) error {
	from := g.client.BaseURL()
	to := rd.FHIRServerBase()

	out := c.Response().Header()
	for _, name := range responseHeaderAllowlist {
		for _, v := range resp.Header.Values(name) {
			out.Add(name, strings.ReplaceAll(v, from, to))
		}
	}

	var stream io.Reader
	if replacement != nil {
		stream = bytes.NewReader(replacement)
	} else {
		stream = resp.Body
	}
	stream = newReplacingReader(stream, from, to)

	// Rewriting changes the length; re-encode only when the client accepts
	// gzip, otherwise send the decoded stream.
	if wasGzip && strings.Contains(rd.Header("Accept-Encoding"), "gzip") {
		encoded := gzipEncode(stream)
		defer encoded.Close()
		out.Set("Content-Encoding", "gzip")
		stream = encoded
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/fhir+json"
	}
	return c.Stream(resp.StatusCode, contentType, stream)
}

// outboundPath rebuilds the path and query for the store, applying the
// decision's query mutation.
func outboundPath(rd *fhir.RequestReader, mutation *access.RequestMutation) string {
	params := url.Values{}
	for name, values := range rd.Parameters() {
		params[name] = append([]string(nil), values...)
	}
	if mutation != nil {
		for _, name := range mutation.DiscardQueryParams {
			params.Del(name)
		}
		for name, values := range mutation.AdditionalQueryParams {
			for _, v := range values {
				params.Add(name, v)
			}
		}
	}

	path := rd.RequestPath()
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return path
}

// requestBaseURL derives the gateway's externally visible base URL from the
// inbound request.
func requestBaseURL(c echo.Context) string {
	return c.Scheme() + "://" + c.Request().Host
}

// writeError maps pipeline errors to HTTP responses. Exactly one status line
// is written per request.
func (g *Gateway) writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, fhir.ErrProtocolInvalid):
		return g.writeOutcome(c, http.StatusBadRequest, fhir.InvalidRequestOutcome(err.Error()))
	case errors.Is(err, auth.ErrInvalidScope):
		return g.writeOutcome(c, http.StatusBadRequest, fhir.InvalidRequestOutcome(err.Error()))
	case errors.Is(err, auth.ErrUnauthenticated):
		c.Response().Header().Set("WWW-Authenticate", "Bearer")
		return g.writeOutcome(c, http.StatusUnauthorized, fhir.UnauthenticatedOutcome(err.Error()))
	case errors.Is(err, upstream.ErrTimeout):
		return g.writeOutcome(c, http.StatusGatewayTimeout,
			fhir.UpstreamTimeoutOutcome("the FHIR store did not respond in time"))
	case errors.Is(err, upstream.ErrUnreachable):
		return g.writeOutcome(c, http.StatusBadGateway,
			fhir.UpstreamUnreachableOutcome("the FHIR store could not be reached"))
	default:
		g.logger.Error().Err(err).Msg("request processing failed")
		return g.writeOutcome(c, http.StatusInternalServerError,
			fhir.InternalErrorOutcome("an internal error occurred; quote the outcome id when reporting"))
	}
}

// writeOutcome sends an OperationOutcome stamped with the request id.
func (g *Gateway) writeOutcome(c echo.Context, status int, outcome *fhir.OperationOutcome) error {
	if id, ok := c.Get("request_id").(string); ok {
		outcome.ID = id
	} else if id := c.Response().Header().Get(middleware.HeaderRequestID); id != "" {
		outcome.ID = id
	}
	return c.JSON(status, outcome)
}
