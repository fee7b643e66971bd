package access

import (
	"io"

	"github.com/google/fhir-gateway-sub000/internal/platform/fhir"
	"github.com/google/fhir-gateway-sub000/internal/upstream"
)

// CapabilityDecision grants GET /metadata unconditionally and annotates the
// upstream CapabilityStatement's security blocks on the way back. A server
// must expose its conformance before clients can obtain tokens, so this
// decision is applied by the pipeline after token verification but without
// consulting the configured checker.
func CapabilityDecision() *Decision {
	return &Decision{
		Granted:     true,
		PostProcess: annotateCapability,
	}
}

func annotateCapability(rd *fhir.RequestReader, resp *upstream.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	annotated, err := fhir.AnnotateCapabilitySecurity(body)
	if err != nil {
		return body, err
	}
	if annotated == nil {
		// Not a CapabilityStatement; hand back what the store sent.
		return body, nil
	}
	return annotated, nil
}
