package access

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/fhir-gateway-sub000/internal/platform/fhir"
)

// AnyValue in a queryParams entry accepts any value for that parameter.
const AnyValue = "ANY_VALUE"

// AllowedQueriesConfig is the parsed allow-list file. Requests matching an
// entry bypass the main access checker; entries with
// allowUnAuthenticatedRequests also bypass token verification. Loaded at
// startup, immutable afterwards.
type AllowedQueriesConfig struct {
	Entries []AllowedQueryEntry `json:"entries"`
}

// AllowedQueryEntry is one path template with its expected parameters.
type AllowedQueryEntry struct {
	Path                         string            `json:"path"`
	QueryParams                  map[string]string `json:"queryParams"`
	AllowExtraParams             bool              `json:"allowExtraParams"`
	AllParamsRequired            bool              `json:"allParamsRequired"`
	AllowUnAuthenticatedRequests bool              `json:"allowUnAuthenticatedRequests"`
}

// LoadAllowedQueries reads and parses an allow-list file.
func LoadAllowedQueries(path string) (*AllowedQueriesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allowed-queries file: %w", err)
	}
	var config AllowedQueriesConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing allowed-queries file %s: %w", path, err)
	}
	return &config, nil
}

// Match returns the first entry matching the request, or nil. authenticated
// reports whether a verified token accompanies the request; entries that do
// not allow unauthenticated access only match once the token has been
// verified.
func (c *AllowedQueriesConfig) Match(rd *fhir.RequestReader, authenticated bool) *AllowedQueryEntry {
	if c == nil {
		return nil
	}
	for i := range c.Entries {
		entry := &c.Entries[i]
		if !authenticated && !entry.AllowUnAuthenticatedRequests {
			continue
		}
		if entry.matches(rd.RequestPath(), rd.Parameters()) {
			return entry
		}
	}
	return nil
}

// MatchUnauthenticated returns the first entry that matches the request and
// grants access before token verification.
func (c *AllowedQueriesConfig) MatchUnauthenticated(rd *fhir.RequestReader) *AllowedQueryEntry {
	if c == nil {
		return nil
	}
	for i := range c.Entries {
		entry := &c.Entries[i]
		if entry.AllowUnAuthenticatedRequests && entry.matches(rd.RequestPath(), rd.Parameters()) {
			return entry
		}
	}
	return nil
}

func (e *AllowedQueryEntry) matches(requestPath string, params url.Values) bool {
	if strings.Trim(e.Path, "/") != requestPath {
		return false
	}

	// Every present parameter must be expected (unless extras are allowed)
	// and carry the expected value.
	for name, values := range params {
		expected, known := e.QueryParams[name]
		if !known {
			if e.AllowExtraParams {
				continue
			}
			return false
		}
		if expected == AnyValue {
			continue
		}
		if len(values) != 1 || values[0] != expected {
			return false
		}
	}

	if e.AllParamsRequired {
		for name := range e.QueryParams {
			if _, present := params[name]; !present {
				return false
			}
		}
	}
	return true
}
