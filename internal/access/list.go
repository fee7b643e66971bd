package access

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/fhir-gateway-sub000/internal/platform/auth"
	"github.com/google/fhir-gateway-sub000/internal/platform/fhir"
	"github.com/google/fhir-gateway-sub000/internal/upstream"
)

func init() {
	Register("list", listFactory{})
}

type listFactory struct{}

func (listFactory) New(token *auth.DecodedToken, client upstream.Client, finder *fhir.PatientFinder) (Checker, error) {
	listID := token.StringClaim("patient_list")
	if listID == "" {
		return nil, fmt.Errorf("token has no patient_list claim")
	}
	if err := fhir.ValidateID(listID); err != nil {
		return nil, fmt.Errorf("patient_list claim: %w", err)
	}
	return &listChecker{listID: listID, client: client, finder: finder}, nil
}

// listChecker authorizes against a FHIR List resource held in the store:
// the token's patient_list claim names a List whose items are the patients
// the caller may access. Membership is decided by querying the store, so
// revoking access is a List edit with no token re-issue.
type listChecker struct {
	listID string
	client upstream.Client
	finder *fhir.PatientFinder
}

func (c *listChecker) Check(rd *fhir.RequestReader) (*Decision, error) {
	if rd.IsBundlePost() {
		return c.checkBundle(rd)
	}

	resourceType := rd.ResourceName()

	// The caller may read its own access list and nothing else about Lists.
	if resourceType == "List" {
		if rd.RequestType() == http.MethodGet && rd.ID() == c.listID {
			return Granted(), nil
		}
		return Denied(), nil
	}

	switch rd.RequestType() {
	case http.MethodGet:
		ids, err := c.finder.FindInRequest(resourceType, rd.ID(), rd.Parameters())
		if err != nil {
			return nil, err
		}
		return c.memberDecision(rd.Context(), ids, false)
	case http.MethodPost:
		if resourceType == "Patient" {
			// Creation is open; the new patient joins the caller's list
			// once the store confirms it.
			return &Decision{Granted: true, PostProcess: c.appendCreatedPatient}, nil
		}
		resource, err := rd.Resource()
		if err != nil {
			return nil, err
		}
		ids, err := c.finder.FindInResource(resource)
		if err != nil {
			return nil, err
		}
		return c.memberDecision(rd.Context(), ids, true)
	case http.MethodPut, http.MethodPatch:
		return c.checkUpdate(rd)
	case http.MethodDelete:
		ids, err := c.finder.FindInRequest(resourceType, rd.ID(), rd.Parameters())
		if err != nil {
			return nil, err
		}
		return c.memberDecision(rd.Context(), ids, true)
	default:
		return Denied(), nil
	}
}

func (c *listChecker) checkUpdate(rd *fhir.RequestReader) (*Decision, error) {
	resourceType := rd.ResourceName()

	if resourceType == "Patient" {
		id := rd.ID()
		if id == "" {
			return Denied(), nil
		}
		if err := fhir.ValidateID(id); err != nil {
			return nil, err
		}
		exists, err := c.patientExists(rd.Context(), id)
		if err != nil {
			return nil, err
		}
		if !exists {
			// An update of a patient the store has never seen is a
			// creation with a client-chosen id.
			return &Decision{Granted: true, PostProcess: c.appendPatientsProcessor([]string{id})}, nil
		}
		return c.memberDecision(rd.Context(), []string{id}, true)
	}

	var ids []string
	urlIDs, err := c.finder.FindInRequest(resourceType, rd.ID(), rd.Parameters())
	if err != nil {
		return nil, err
	}
	ids = append(ids, urlIDs...)

	if rd.RequestType() == http.MethodPatch {
		contents, err := rd.LoadRequestContents()
		if err != nil {
			return nil, err
		}
		ops, err := fhir.ParseJSONPatch(contents)
		if err != nil {
			return nil, err
		}
		patchIDs, err := c.finder.FindInPatch(resourceType, ops)
		if err != nil {
			return nil, err
		}
		ids = append(ids, patchIDs...)
	} else {
		resource, err := rd.Resource()
		if err != nil {
			return nil, err
		}
		bodyIDs, err := c.finder.FindInResource(resource)
		if err != nil {
			return nil, err
		}
		ids = append(ids, bodyIDs...)
	}
	return c.memberDecision(rd.Context(), ids, true)
}

func (c *listChecker) checkBundle(rd *fhir.RequestReader) (*Decision, error) {
	contents, err := rd.LoadRequestContents()
	if err != nil {
		return nil, err
	}
	entries, err := fhir.DecomposeTransactionBundle(contents)
	if err != nil {
		return nil, err
	}
	bp, err := c.finder.FindInBundle(entries)
	if err != nil {
		return nil, err
	}

	// One item parameter per entry set: any patient in the set satisfies its
	// entry, and all entries must be satisfied by the one List. An entry
	// whose target patient cannot be established is denied, matching the
	// single-request rule.
	var items []string
	for _, set := range bp.ReferencedPatients {
		if len(set) == 0 {
			return Denied(), nil
		}
		items = append(items, patientRefs(set))
	}
	for _, id := range bp.DeletedPatients {
		items = append(items, fhir.FormatReference("Patient", id))
	}

	// Updated patients that do not exist yet are creations with chosen ids;
	// they are allowed and joined to the list after the store confirms.
	var newPatients []string
	for _, id := range bp.UpdatedPatients {
		exists, err := c.patientExists(rd.Context(), id)
		if err != nil {
			return nil, err
		}
		if exists {
			items = append(items, fhir.FormatReference("Patient", id))
		} else {
			newPatients = append(newPatients, id)
		}
	}

	if len(items) > 0 {
		member, err := c.listIncludes(rd.Context(), items)
		if err != nil {
			return nil, err
		}
		if !member {
			return Denied(), nil
		}
	} else if !bp.PatientsToCreate && len(newPatients) == 0 {
		// Nothing in the Bundle touches a patient; there is nothing to
		// authorize against the list.
		return Denied(), nil
	}

	if bp.PatientsToCreate || len(newPatients) > 0 {
		return &Decision{Granted: true, PostProcess: c.appendBundleProcessor(newPatients)}, nil
	}
	return Granted(), nil
}

// memberDecision grants when every candidate id (or any, for disjunctive
// reads) is on the caller's list. An empty candidate set is a deny; the
// request's target patient could not be established.
func (c *listChecker) memberDecision(ctx context.Context, ids []string, conjunctive bool) (*Decision, error) {
	if len(ids) == 0 {
		return Denied(), nil
	}
	var items []string
	if conjunctive {
		for _, id := range ids {
			items = append(items, fhir.FormatReference("Patient", id))
		}
	} else {
		items = []string{patientRefs(ids)}
	}
	member, err := c.listIncludes(ctx, items)
	if err != nil {
		return nil, err
	}
	if !member {
		return Denied(), nil
	}
	return Granted(), nil
}

// patientRefs comma-joins patient references into one search value; the
// store matches when the List holds any of them.
func patientRefs(ids []string) string {
	refs := make([]string, len(ids))
	for i, id := range ids {
		refs[i] = fhir.FormatReference("Patient", id)
	}
	return strings.Join(refs, ",")
}

// listIncludes asks the store whether the caller's List satisfies every item
// value; a comma-joined value matches on any of its references. The List
// must exist; total == 1 is the only passing answer.
func (c *listChecker) listIncludes(ctx context.Context, items []string) (bool, error) {
	params := url.Values{}
	params.Set("_id", c.listID)
	params.Set("_elements", "id")
	for _, item := range items {
		params.Add("item", item)
	}

	resp, err := c.client.Execute(ctx, http.MethodGet, "List?"+params.Encode(), nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("list membership query returned status %d", resp.StatusCode)
	}

	var bundle fhir.Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return false, fmt.Errorf("decoding list membership response: %w", err)
	}
	return bundle.Total != nil && *bundle.Total == 1, nil
}

// patientExists probes the store for a patient id.
func (c *listChecker) patientExists(ctx context.Context, id string) (bool, error) {
	params := url.Values{}
	params.Set("_id", id)
	params.Set("_summary", "count")
	resp, err := c.client.Execute(ctx, http.MethodGet, "Patient?"+params.Encode(), nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("patient existence probe returned status %d", resp.StatusCode)
	}

	var bundle fhir.Bundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return false, fmt.Errorf("decoding patient existence response: %w", err)
	}
	return bundle.Total != nil && *bundle.Total > 0, nil
}

// appendCreatedPatient is the post-processor for POST /Patient: it reads
// the created resource from the response and appends its id to the
// caller's List.
func (c *listChecker) appendCreatedPatient(rd *fhir.RequestReader, resp *upstream.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading created patient: %w", err)
	}

	id := createdPatientID(body, resp.Header.Get("Location"))
	if id == "" {
		return body, fmt.Errorf("created patient id not found in response")
	}
	if err := c.appendToList(rd.Context(), []string{id}); err != nil {
		return body, err
	}
	return body, nil
}

// appendPatientsProcessor is the post-processor for client-chosen ids known
// before the request is forwarded.
func (c *listChecker) appendPatientsProcessor(ids []string) PostProcessor {
	return func(rd *fhir.RequestReader, resp *upstream.Response) ([]byte, error) {
		return nil, c.appendToList(rd.Context(), ids)
	}
}

// appendBundleProcessor handles transaction responses: known new ids are
// appended directly, server-assigned ids are read from the response
// bundle's 201 entry locations.
func (c *listChecker) appendBundleProcessor(knownNew []string) PostProcessor {
	return func(rd *fhir.RequestReader, resp *upstream.Response) ([]byte, error) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading transaction response: %w", err)
		}

		seen := make(map[string]bool)
		var ids []string
		for _, id := range append(append([]string{}, knownNew...), createdPatientsFromBundle(body)...) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			if err := c.appendToList(rd.Context(), ids); err != nil {
				return body, err
			}
		}
		return body, nil
	}
}

// appendToList JSON-Patches the caller's List, appending one entry per new
// patient.
func (c *listChecker) appendToList(ctx context.Context, ids []string) error {
	for _, id := range ids {
		doc, err := fhir.AppendPatch("/entry", map[string]interface{}{
			"item": map[string]interface{}{
				"reference": fhir.FormatReference("Patient", id),
			},
		})
		if err != nil {
			return err
		}
		header := http.Header{}
		header.Set("Content-Type", "application/json-patch+json")
		resp, err := c.client.Execute(ctx, http.MethodPatch, "List/"+c.listID, header, bytes.NewReader(doc))
		if err != nil {
			return fmt.Errorf("appending Patient/%s to List/%s: %w", id, c.listID, err)
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("appending Patient/%s to List/%s: status %d", id, c.listID, resp.StatusCode)
		}
	}
	return nil
}

// createdPatientID extracts the id of a created Patient from the response
// body, falling back to the Location header.
func createdPatientID(body []byte, location string) string {
	var resource map[string]interface{}
	if err := json.Unmarshal(body, &resource); err == nil {
		if rt, _ := resource["resourceType"].(string); rt == "Patient" {
			if id, _ := resource["id"].(string); id != "" {
				return id
			}
		}
	}
	return patientIDFromLocation(location)
}

// createdPatientsFromBundle extracts Patient ids created by a transaction,
// from entry response locations with a 201 status.
func createdPatientsFromBundle(body []byte) []string {
	var response struct {
		Entry []struct {
			Response *struct {
				Status   string `json:"status"`
				Location string `json:"location"`
			} `json:"response"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	var ids []string
	for _, entry := range response.Entry {
		if entry.Response == nil || !strings.HasPrefix(entry.Response.Status, "201") {
			continue
		}
		if id := patientIDFromLocation(entry.Response.Location); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// patientIDFromLocation pulls the id out of a "…/Patient/<id>[/_history/n]"
// location.
func patientIDFromLocation(location string) string {
	idx := strings.Index(location, "Patient/")
	if idx < 0 {
		return ""
	}
	rest := location[idx+len("Patient/"):]
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	if fhir.ValidateID(rest) != nil {
		return ""
	}
	return rest
}
