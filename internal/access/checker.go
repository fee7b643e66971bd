// Package access decides whether an authenticated caller may perform a
// FHIR operation, and how the request and response are adjusted around it.
package access

import (
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/google/fhir-gateway-sub000/internal/platform/auth"
	"github.com/google/fhir-gateway-sub000/internal/platform/fhir"
	"github.com/google/fhir-gateway-sub000/internal/upstream"
)

// RequestMutation adjusts the outbound request before forwarding.
type RequestMutation struct {
	// AdditionalQueryParams are merged into the forwarded query string.
	AdditionalQueryParams url.Values
	// DiscardQueryParams are removed from the forwarded query string.
	DiscardQueryParams []string
}

// PostProcessor runs after a successful (2xx) upstream response. A non-nil
// return value replaces the response body; nil passes the upstream body
// through. A post-processor that consumes resp.Body must return replacement
// bytes.
type PostProcessor func(rd *fhir.RequestReader, resp *upstream.Response) ([]byte, error)

// Decision is the outcome of one access check.
type Decision struct {
	Granted     bool
	Mutation    *RequestMutation
	PostProcess PostProcessor
}

// Granted is the plain allow decision.
func Granted() *Decision { return &Decision{Granted: true} }

// Denied is the plain deny decision.
func Denied() *Decision { return &Decision{} }

// Checker decides access for one request. Implementations are constructed
// per request around the caller's verified token.
type Checker interface {
	Check(rd *fhir.RequestReader) (*Decision, error)
}

// Factory constructs a Checker for a verified token. Construction may fail
// when the token lacks the claims the checker needs.
type Factory interface {
	New(token *auth.DecodedToken, client upstream.Client, finder *fhir.PatientFinder) (Checker, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a named checker factory. Call from init or startup;
// duplicate names panic.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("access: checker %q registered twice", name))
	}
	registry[name] = factory
}

// Lookup resolves a registered factory by name.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("access: no checker named %q (have %v)", name, registeredNamesLocked())
	}
	return factory, nil
}

// RegisteredNames lists the registered checker names, sorted.
func RegisteredNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registeredNamesLocked()
}

func registeredNamesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
