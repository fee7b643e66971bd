package fhir

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// idPattern is the FHIR id syntax. Anything extracted as a patient id must
// match it before it is used to build upstream queries.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9.\-]{1,64}$`)

// ValidateID checks a logical id against FHIR id syntax.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return protocolError(fmt.Sprintf("invalid FHIR id %q", id))
	}
	return nil
}

// joinParams are search modifiers that traverse references. They are
// rejected everywhere because a chained search could pull in resources
// outside the compartment the checker authorized.
var joinParams = map[string]bool{
	"_has":        true,
	"_include":    true,
	"_revinclude": true,
}

// RejectJoinParams fails when the query carries a join operator or a
// chained parameter (a name containing a dot).
func RejectJoinParams(params url.Values) error {
	for name := range params {
		base := name
		if i := strings.Index(base, ":"); i >= 0 {
			base = base[:i]
		}
		if joinParams[base] {
			return protocolError(fmt.Sprintf("search parameter %q is not supported", name))
		}
		if strings.Contains(name, ".") {
			return protocolError(fmt.Sprintf("chained search parameter %q is not supported", name))
		}
	}
	return nil
}

// BundlePatients is the aggregate patient view of a transaction Bundle.
type BundlePatients struct {
	// ReferencedPatients holds one set per entry that reads or references
	// patients: access to any patient in a set covers that entry. An empty
	// set means the entry's target patient could not be established.
	ReferencedPatients [][]string
	// UpdatedPatients are Patient resources modified by PUT or PATCH entries.
	UpdatedPatients []string
	// DeletedPatients are Patient resources removed by DELETE entries.
	DeletedPatients []string
	// PatientsToCreate is set when any entry POSTs a Patient resource.
	PatientsToCreate bool
}

// PatientFinder extracts patient ids from requests, resource bodies, JSON
// patches, and transaction Bundles, using the Patient compartment data.
type PatientFinder struct {
	compartment *PatientCompartment
	engine      *FHIRPathEngine
}

// NewPatientFinder creates a finder over the R4 Patient compartment.
func NewPatientFinder() *PatientFinder {
	return &PatientFinder{
		compartment: NewPatientCompartment(),
		engine:      NewFHIRPathEngine(),
	}
}

// Compartment exposes the underlying compartment data.
func (f *PatientFinder) Compartment() *PatientCompartment { return f.compartment }

// FindInRequest resolves the patient id(s) a read or search request targets
// from its URL alone.
//
// Reads of Patient/<id> yield that id. Searches on /Patient resolve via
// _id, which may be comma-delimited. Searches on compartment member types
// walk the compartment search parameters in declared order and take the
// first one present with exactly one value. Reads of non-Patient resources
// by id yield nothing; the URL cannot tell which patient they belong to.
func (f *PatientFinder) FindInRequest(resourceType, resourceID string, params url.Values) ([]string, error) {
	if err := RejectJoinParams(params); err != nil {
		return nil, err
	}

	if resourceType == "Patient" {
		if resourceID != "" {
			if err := ValidateID(resourceID); err != nil {
				return nil, err
			}
			return []string{resourceID}, nil
		}
		ids := params.Get("_id")
		if ids == "" {
			return nil, nil
		}
		var result []string
		for _, id := range strings.Split(ids, ",") {
			id = strings.TrimSpace(id)
			if err := ValidateID(id); err != nil {
				return nil, err
			}
			result = append(result, id)
		}
		return result, nil
	}

	if resourceID != "" {
		return nil, nil
	}
	for _, param := range f.compartment.SearchParams(resourceType) {
		values, ok := params[param]
		if !ok || len(values) != 1 {
			continue
		}
		id := strings.TrimPrefix(values[0], "Patient/")
		if err := ValidateID(id); err != nil {
			return nil, err
		}
		return []string{id}, nil
	}
	return nil, nil
}

// FindInResource extracts the patient ids referenced inside a resource
// body by evaluating the compartment FHIRPath expressions. A Patient
// resource references itself via its logical id.
func (f *PatientFinder) FindInResource(resource map[string]interface{}) ([]string, error) {
	resourceType, _ := resource["resourceType"].(string)
	if resourceType == "Patient" {
		id, _ := resource["id"].(string)
		if id == "" {
			return nil, nil
		}
		if err := ValidateID(id); err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	seen := make(map[string]bool)
	var result []string
	for _, expr := range f.compartment.FHIRPaths(resourceType) {
		values, err := f.engine.Evaluate(resource, expr)
		if err != nil {
			return nil, fmt.Errorf("evaluating %q: %w", expr, err)
		}
		for _, v := range values {
			id, ok, err := patientIDFromReference(v)
			if err != nil {
				return nil, err
			}
			if ok && !seen[id] {
				seen[id] = true
				result = append(result, id)
			}
		}
	}
	return result, nil
}

// FindInPatch extracts the patient ids a JSON Patch would write into
// patient-compartment paths of a resource of the given type. Operations
// outside the compartment paths are ignored; operations other than add or
// replace on compartment paths are protocol errors.
func (f *PatientFinder) FindInPatch(resourceType string, ops []PatchOperation) ([]string, error) {
	patchPaths := f.compartment.PatchPaths(resourceType)
	seen := make(map[string]bool)
	var result []string
	for _, op := range ops {
		if !inCompartmentPath(op.Path, patchPaths) {
			continue
		}
		if op.Op != "add" && op.Op != "replace" {
			return nil, protocolError(fmt.Sprintf("patch operation %q on patient-compartment path %q is not supported", op.Op, op.Path))
		}
		ids, err := patientIDsFromPatchValue(op.Path, op.Value)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				result = append(result, id)
			}
		}
	}
	return result, nil
}

// FindInBundle aggregates the patient view of a decomposed transaction
// Bundle per entry verb.
func (f *PatientFinder) FindInBundle(entries []EntryAccess) (*BundlePatients, error) {
	bp := &BundlePatients{}
	addEntrySet := func(lists ...[]string) {
		seen := make(map[string]bool)
		var set []string
		for _, ids := range lists {
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					set = append(set, id)
				}
			}
		}
		bp.ReferencedPatients = append(bp.ReferencedPatients, set)
	}

	for i, entry := range entries {
		d := entry.Details
		switch entry.Method {
		case http.MethodGet:
			ids, err := f.FindInRequest(d.ResourceType, d.ResourceID, d.Params)
			if err != nil {
				return nil, err
			}
			addEntrySet(ids)
		case http.MethodPost:
			if d.ResourceType == "Patient" {
				bp.PatientsToCreate = true
				continue
			}
			if entry.Resource == nil {
				return nil, protocolError(fmt.Sprintf("Bundle entry %d: POST without a resource", i))
			}
			ids, err := f.FindInResource(entry.Resource)
			if err != nil {
				return nil, err
			}
			addEntrySet(ids)
		case http.MethodPut, http.MethodPatch:
			if d.ResourceType == "Patient" {
				id := d.ResourceID
				if id == "" && entry.Resource != nil {
					id, _ = entry.Resource["id"].(string)
				}
				if id == "" {
					return nil, protocolError(fmt.Sprintf("Bundle entry %d: Patient update without an id", i))
				}
				if err := ValidateID(id); err != nil {
					return nil, err
				}
				bp.UpdatedPatients = append(bp.UpdatedPatients, id)
				continue
			}
			urlIDs, err := f.FindInRequest(d.ResourceType, d.ResourceID, d.Params)
			if err != nil {
				return nil, err
			}
			var bodyIDs []string
			if entry.Resource != nil {
				bodyIDs, err = f.FindInResource(entry.Resource)
				if err != nil {
					return nil, err
				}
			}
			addEntrySet(urlIDs, bodyIDs)
		case http.MethodDelete:
			if d.ResourceType == "Patient" && d.ResourceID != "" {
				if err := ValidateID(d.ResourceID); err != nil {
					return nil, err
				}
				bp.DeletedPatients = append(bp.DeletedPatients, d.ResourceID)
				continue
			}
			ids, err := f.FindInRequest(d.ResourceType, d.ResourceID, d.Params)
			if err != nil {
				return nil, err
			}
			addEntrySet(ids)
		default:
			return nil, protocolError(fmt.Sprintf("Bundle entry %d: unsupported method %q", i, entry.Method))
		}
	}
	return bp, nil
}

// patientIDFromReference extracts a patient id from a FHIRPath result that
// may be a Reference object or a plain reference string. The boolean is
// false when the value does not reference a Patient.
func patientIDFromReference(v interface{}) (string, bool, error) {
	var ref string
	switch val := v.(type) {
	case map[string]interface{}:
		ref, _ = val["reference"].(string)
	case string:
		ref = val
	default:
		return "", false, nil
	}
	if ref == "" {
		return "", false, nil
	}
	// Accept both relative and absolute references.
	idx := strings.LastIndex(ref, "Patient/")
	if idx < 0 {
		return "", false, nil
	}
	if idx > 0 && ref[idx-1] != '/' {
		return "", false, nil
	}
	id := ref[idx+len("Patient/"):]
	if i := strings.Index(id, "/"); i >= 0 {
		id = id[:i]
	}
	if err := ValidateID(id); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// inCompartmentPath reports whether a JSON pointer falls under any of the
// compartment patch paths (segment-boundary prefix match).
func inCompartmentPath(path string, patchPaths []string) bool {
	segments := pointerSegments(path)
	if len(segments) == 0 {
		return false
	}
	head := "/" + segments[0]
	for _, p := range patchPaths {
		if head == p {
			return true
		}
	}
	return false
}

// patientIDsFromPatchValue extracts patient ids from a patch value on a
// compartment path. The value may be a Reference object, a plain string
// when the path ends in /reference, or an array; non-empty arrays cannot
// be validated element-wise and are rejected.
func patientIDsFromPatchValue(path string, value interface{}) ([]string, error) {
	switch val := value.(type) {
	case []interface{}:
		if len(val) > 0 {
			return nil, protocolError(fmt.Sprintf("array value on patient-compartment path %q is not supported", path))
		}
		return nil, nil
	case map[string]interface{}, string:
		if s, isStr := val.(string); isStr && !strings.HasSuffix(path, "/reference") {
			return nil, protocolError(fmt.Sprintf("string value %q on non-reference path %q", s, path))
		}
		id, ok, err := patientIDFromReference(val)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return []string{id}, nil
	case nil:
		return nil, nil
	default:
		return nil, nil
	}
}
