package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle represents a FHIR Bundle resource, as much of it as the gateway
// inspects.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// EntryAccess is the per-entry view of a decomposed transaction Bundle: the
// entry's HTTP method, its parsed request URL, and its resource body when
// present.
type EntryAccess struct {
	Method   string
	Details  UrlDetails
	Resource map[string]interface{}
}

// DecomposeTransactionBundle parses a request body as a transaction Bundle
// and returns one EntryAccess per entry. Non-transaction Bundles, entries
// without a request component, and entries whose URL fails to parse are
// protocol errors.
func DecomposeTransactionBundle(body []byte) ([]EntryAccess, error) {
	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, protocolError(fmt.Sprintf("request body is not a Bundle: %v", err))
	}
	if bundle.ResourceType != "Bundle" {
		return nil, protocolError(fmt.Sprintf("expected a Bundle resource, got %q", bundle.ResourceType))
	}
	if bundle.Type != "transaction" {
		return nil, protocolError(fmt.Sprintf("unsupported Bundle type %q; only transaction Bundles are accepted", bundle.Type))
	}

	entries := make([]EntryAccess, 0, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		if entry.Request == nil || entry.Request.Method == "" || entry.Request.URL == "" {
			return nil, protocolError(fmt.Sprintf("Bundle entry %d has no request component", i))
		}
		details, err := ParseRequestURL(entry.Request.URL)
		if err != nil {
			return nil, protocolError(fmt.Sprintf("Bundle entry %d has an unparseable request URL %q", i, entry.Request.URL))
		}
		ea := EntryAccess{
			Method:  entry.Request.Method,
			Details: details,
		}
		if len(entry.Resource) > 0 {
			var resource map[string]interface{}
			if err := json.Unmarshal(entry.Resource, &resource); err != nil {
				return nil, protocolError(fmt.Sprintf("Bundle entry %d has an unparseable resource: %v", i, err))
			}
			ea.Resource = resource
		}
		entries = append(entries, ea)
	}
	return entries, nil
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
