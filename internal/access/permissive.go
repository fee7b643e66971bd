package access

import (
	"github.com/google/fhir-gateway-sub000/internal/platform/auth"
	"github.com/google/fhir-gateway-sub000/internal/platform/fhir"
	"github.com/google/fhir-gateway-sub000/internal/upstream"
)

func init() {
	Register("permissive", permissiveFactory{})
}

// permissiveFactory builds a checker that grants everything once the token
// verifies. Development only; config refuses it outside DEV mode.
type permissiveFactory struct{}

func (permissiveFactory) New(token *auth.DecodedToken, client upstream.Client, finder *fhir.PatientFinder) (Checker, error) {
	return permissiveChecker{}, nil
}

type permissiveChecker struct{}

func (permissiveChecker) Check(rd *fhir.RequestReader) (*Decision, error) {
	return Granted(), nil
}
