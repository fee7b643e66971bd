package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"unicode"
)

// UrlDetails is the parsed form of a FHIR request URL: the targeted resource
// type and id (either may be empty), the query parameters, and the raw
// request path relative to the server base.
type UrlDetails struct {
	ResourceType string
	ResourceID   string
	Params       url.Values
	RequestPath  string
}

// ParseRequestURL extracts UrlDetails from a request URL. The input may be a
// full path ("/Observation/o1?x=y"), a relative Bundle entry URL
// ("Patient/p1"), or an absolute URL. The path is first interpreted as
// Type[/id]; when the leading segment does not look like a FHIR resource
// type name, only RequestPath and Params are populated.
func ParseRequestURL(raw string) (UrlDetails, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return UrlDetails{}, protocolError(fmt.Sprintf("unparseable request URL %q: %v", raw, err))
	}

	path := strings.Trim(u.Path, "/")
	details := UrlDetails{
		Params:      u.Query(),
		RequestPath: path,
	}

	segments := strings.Split(path, "/")
	if len(segments) >= 1 && isResourceTypeSegment(segments[0]) {
		details.ResourceType = segments[0]
		if len(segments) >= 2 {
			details.ResourceID = segments[1]
		}
	}
	return details, nil
}

// isResourceTypeSegment reports whether a path segment looks like a FHIR
// resource type name: leading uppercase letter, alphabetic throughout.
func isResourceTypeSegment(s string) bool {
	if s == "" || !unicode.IsUpper(rune(s[0])) {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// RequestReader is an immutable view of one inbound request. It is created
// at request entry and discarded when the response is flushed; the body is
// drained from the underlying request exactly once and cached so that
// checkers and post-processors can re-parse it.
type RequestReader struct {
	request    *http.Request
	serverBase string
	details    UrlDetails
	charset    string

	bodyOnce sync.Once
	body     []byte
	bodyErr  error
}

// NewRequestReader snapshots an inbound HTTP request. serverBase is the
// gateway's externally-visible base URL for this request.
func NewRequestReader(r *http.Request, serverBase string) (*RequestReader, error) {
	details, err := ParseRequestURL(r.URL.RequestURI())
	if err != nil {
		return nil, err
	}

	charset := "utf-8"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if _, params, err := mime.ParseMediaType(ct); err == nil {
			if cs, ok := params["charset"]; ok {
				charset = cs
			}
		}
	}

	return &RequestReader{
		request:    r,
		serverBase: strings.TrimRight(serverBase, "/"),
		details:    details,
		charset:    charset,
	}, nil
}

// RequestType returns the HTTP verb.
func (rd *RequestReader) RequestType() string { return rd.request.Method }

// ResourceName returns the FHIR resource type from the URL, or "" for a
// system-level request such as a Bundle POST to the server root.
func (rd *RequestReader) ResourceName() string { return rd.details.ResourceType }

// ID returns the resource id from the URL, or "".
func (rd *RequestReader) ID() string { return rd.details.ResourceID }

// Parameters returns the query parameters as name to ordered values.
func (rd *RequestReader) Parameters() url.Values { return rd.details.Params }

// RequestPath returns the request path relative to the server base, without
// leading or trailing slashes.
func (rd *RequestReader) RequestPath() string { return rd.details.RequestPath }

// Context returns the inbound request's context. Upstream calls made while
// deciding access inherit its deadline and cancellation.
func (rd *RequestReader) Context() context.Context { return rd.request.Context() }

// Header returns the named request header (case-insensitive).
func (rd *RequestReader) Header(name string) string { return rd.request.Header.Get(name) }

// Headers returns the full request header map.
func (rd *RequestReader) Headers() http.Header { return rd.request.Header }

// Charset returns the request body charset, defaulting to utf-8.
func (rd *RequestReader) Charset() string { return rd.charset }

// FHIRServerBase returns the gateway's externally-visible base URL.
func (rd *RequestReader) FHIRServerBase() string { return rd.serverBase }

// LoadRequestContents returns the raw request body. The underlying stream is
// read once; subsequent calls return the cached bytes.
func (rd *RequestReader) LoadRequestContents() ([]byte, error) {
	rd.bodyOnce.Do(func() {
		if rd.request.Body == nil {
			rd.body = nil
			return
		}
		defer rd.request.Body.Close()
		rd.body, rd.bodyErr = io.ReadAll(rd.request.Body)
	})
	return rd.body, rd.bodyErr
}

// Resource parses the cached request body as a JSON FHIR resource.
func (rd *RequestReader) Resource() (map[string]interface{}, error) {
	contents, err := rd.LoadRequestContents()
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(contents) == 0 {
		return nil, protocolError("request body is empty")
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(contents, &resource); err != nil {
		return nil, protocolError(fmt.Sprintf("request body is not a JSON resource: %v", err))
	}
	return resource, nil
}

// IsBundlePost reports whether this request is a Bundle POST to the server
// root, i.e. a POST whose URL carries no resource type.
func (rd *RequestReader) IsBundlePost() bool {
	return rd.request.Method == http.MethodPost && rd.details.ResourceType == ""
}
