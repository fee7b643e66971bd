package access

import (
	"fmt"
	"net/http"

	"github.com/google/fhir-gateway-sub000/internal/platform/auth"
	"github.com/google/fhir-gateway-sub000/internal/platform/fhir"
	"github.com/google/fhir-gateway-sub000/internal/upstream"
)

func init() {
	Register("patient", patientFactory{})
}

type patientFactory struct{}

func (patientFactory) New(token *auth.DecodedToken, client upstream.Client, finder *fhir.PatientFinder) (Checker, error) {
	patientID := token.StringClaim("patient_id")
	if patientID == "" {
		return nil, fmt.Errorf("token has no patient_id claim")
	}
	if err := fhir.ValidateID(patientID); err != nil {
		return nil, fmt.Errorf("patient_id claim: %w", err)
	}

	scopes, err := auth.ParseScopes(scopeClaim(token))
	if err != nil {
		return nil, err
	}
	return &patientChecker{
		patientID: patientID,
		scopes:    auth.NewScopeChecker(auth.PrincipalPatient, scopes),
		finder:    finder,
	}, nil
}

// scopeClaim joins the token's scope claim values; providers encode it as a
// single space-separated string or as an array.
func scopeClaim(token *auth.DecodedToken) string {
	var joined string
	for i, s := range token.StringsClaim("scope") {
		if i > 0 {
			joined += " "
		}
		joined += s
	}
	return joined
}

// patientChecker authorizes SMART patient-context apps: the caller may only
// touch resources in the compartment of the single patient named by the
// token's patient_id claim, and only with interactions its scopes grant.
type patientChecker struct {
	patientID string
	scopes    *auth.ScopeChecker
	finder    *fhir.PatientFinder
}

func (c *patientChecker) Check(rd *fhir.RequestReader) (*Decision, error) {
	if rd.IsBundlePost() {
		return c.checkBundle(rd)
	}

	switch rd.RequestType() {
	case http.MethodGet:
		granted, err := c.checkGet(rd.ResourceName(), rd.ID(), rd)
		if err != nil {
			return nil, err
		}
		return decision(granted), nil
	case http.MethodPost:
		granted, err := c.checkCreate(rd)
		if err != nil {
			return nil, err
		}
		return decision(granted), nil
	case http.MethodPut, http.MethodPatch:
		granted, err := c.checkUpdate(rd)
		if err != nil {
			return nil, err
		}
		return decision(granted), nil
	case http.MethodDelete:
		granted, err := c.checkDelete(rd.ResourceName(), rd.ID(), rd)
		if err != nil {
			return nil, err
		}
		return decision(granted), nil
	default:
		return Denied(), nil
	}
}

func decision(granted bool) *Decision {
	if granted {
		return Granted()
	}
	return Denied()
}

func (c *patientChecker) checkGet(resourceType, resourceID string, rd *fhir.RequestReader) (bool, error) {
	ids, err := c.finder.FindInRequest(resourceType, resourceID, rd.Parameters())
	if err != nil {
		return false, err
	}
	permission := auth.PermissionSearch
	if resourceID != "" {
		permission = auth.PermissionRead
	}
	return c.onlyOwnPatient(ids) && c.scopes.Allows(resourceType, permission), nil
}

func (c *patientChecker) checkCreate(rd *fhir.RequestReader) (bool, error) {
	resourceType := rd.ResourceName()
	// A patient-context app may never create Patient resources.
	if resourceType == "Patient" {
		return false, nil
	}
	if !c.scopes.Allows(resourceType, auth.PermissionCreate) {
		return false, nil
	}
	resource, err := rd.Resource()
	if err != nil {
		return false, err
	}
	ids, err := c.finder.FindInResource(resource)
	if err != nil {
		return false, err
	}
	return c.referencesOwnPatient(ids), nil
}

func (c *patientChecker) checkUpdate(rd *fhir.RequestReader) (bool, error) {
	resourceType := rd.ResourceName()
	if !c.scopes.Allows(resourceType, auth.PermissionUpdate) {
		return false, nil
	}

	if resourceType == "Patient" {
		id := rd.ID()
		if id == "" && rd.RequestType() == http.MethodPut {
			resource, err := rd.Resource()
			if err != nil {
				return false, err
			}
			id, _ = resource["id"].(string)
		}
		return id == c.patientID, nil
	}

	if rd.RequestType() == http.MethodPatch {
		contents, err := rd.LoadRequestContents()
		if err != nil {
			return false, err
		}
		ops, err := fhir.ParseJSONPatch(contents)
		if err != nil {
			return false, err
		}
		ids, err := c.finder.FindInPatch(resourceType, ops)
		if err != nil {
			return false, err
		}
		// A patch that touches no patient-compartment path cannot move the
		// resource to another patient's compartment.
		if len(ids) == 0 {
			return true, nil
		}
		return c.onlyOwnPatient(ids), nil
	}

	// Conditional updates carry search params; when they resolve to a
	// patient it must be the caller's.
	urlIDs, err := c.finder.FindInRequest(resourceType, rd.ID(), rd.Parameters())
	if err != nil {
		return false, err
	}
	if len(urlIDs) > 0 && !c.onlyOwnPatient(urlIDs) {
		return false, nil
	}
	resource, err := rd.Resource()
	if err != nil {
		return false, err
	}
	ids, err := c.finder.FindInResource(resource)
	if err != nil {
		return false, err
	}
	return c.referencesOwnPatient(ids), nil
}

func (c *patientChecker) checkDelete(resourceType, resourceID string, rd *fhir.RequestReader) (bool, error) {
	if resourceType == "Patient" {
		return false, nil
	}
	if !c.scopes.Allows(resourceType, auth.PermissionDelete) {
		return false, nil
	}
	ids, err := c.finder.FindInRequest(resourceType, resourceID, rd.Parameters())
	if err != nil {
		return false, err
	}
	return c.onlyOwnPatient(ids), nil
}

func (c *patientChecker) checkBundle(rd *fhir.RequestReader) (*Decision, error) {
	contents, err := rd.LoadRequestContents()
	if err != nil {
		return nil, err
	}
	entries, err := fhir.DecomposeTransactionBundle(contents)
	if err != nil {
		return nil, err
	}

	// Every entry must pass on its own for the Bundle to be granted.
	for _, entry := range entries {
		granted, err := c.checkEntry(entry)
		if err != nil {
			return nil, err
		}
		if !granted {
			return Denied(), nil
		}
	}
	return Granted(), nil
}

func (c *patientChecker) checkEntry(entry fhir.EntryAccess) (bool, error) {
	d := entry.Details
	switch entry.Method {
	case http.MethodGet:
		ids, err := c.finder.FindInRequest(d.ResourceType, d.ResourceID, d.Params)
		if err != nil {
			return false, err
		}
		permission := auth.PermissionSearch
		if d.ResourceID != "" {
			permission = auth.PermissionRead
		}
		return c.onlyOwnPatient(ids) && c.scopes.Allows(d.ResourceType, permission), nil
	case http.MethodPost:
		if d.ResourceType == "Patient" {
			return false, nil
		}
		if entry.Resource == nil {
			return false, entryWithoutResource(entry.Method, d.ResourceType)
		}
		if !c.scopes.Allows(d.ResourceType, auth.PermissionCreate) {
			return false, nil
		}
		ids, err := c.finder.FindInResource(entry.Resource)
		if err != nil {
			return false, err
		}
		return c.referencesOwnPatient(ids), nil
	case http.MethodPut, http.MethodPatch:
		if !c.scopes.Allows(d.ResourceType, auth.PermissionUpdate) {
			return false, nil
		}
		if d.ResourceType == "Patient" {
			id := d.ResourceID
			if id == "" && entry.Resource != nil {
				id, _ = entry.Resource["id"].(string)
			}
			return id == c.patientID, nil
		}
		if entry.Resource == nil {
			return false, entryWithoutResource(entry.Method, d.ResourceType)
		}
		urlIDs, err := c.finder.FindInRequest(d.ResourceType, d.ResourceID, d.Params)
		if err != nil {
			return false, err
		}
		if len(urlIDs) > 0 && !c.onlyOwnPatient(urlIDs) {
			return false, nil
		}
		ids, err := c.finder.FindInResource(entry.Resource)
		if err != nil {
			return false, err
		}
		return c.referencesOwnPatient(ids), nil
	case http.MethodDelete:
		return c.checkEntryDelete(d)
	default:
		return false, nil
	}
}

// entryWithoutResource flags a Bundle entry whose verb requires a body but
// carries none; it is a malformed Bundle, not an authorization denial.
func entryWithoutResource(method, resourceType string) error {
	return fmt.Errorf("%s Bundle entry for %s has no resource: %w", method, resourceType, fhir.ErrProtocolInvalid)
}

func (c *patientChecker) checkEntryDelete(d fhir.UrlDetails) (bool, error) {
	if d.ResourceType == "Patient" {
		return false, nil
	}
	if !c.scopes.Allows(d.ResourceType, auth.PermissionDelete) {
		return false, nil
	}
	ids, err := c.finder.FindInRequest(d.ResourceType, d.ResourceID, d.Params)
	if err != nil {
		return false, err
	}
	return c.onlyOwnPatient(ids), nil
}

// onlyOwnPatient requires a non-empty id set where every id is the caller's
// patient.
func (c *patientChecker) onlyOwnPatient(ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if id != c.patientID {
			return false
		}
	}
	return true
}

// referencesOwnPatient requires the caller's patient among the referenced
// ids and no foreign patient beside it.
func (c *patientChecker) referencesOwnPatient(ids []string) bool {
	found := false
	for _, id := range ids {
		if id == c.patientID {
			found = true
		} else {
			return false
		}
	}
	return found
}
