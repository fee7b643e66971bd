package access

import (
	"net/http"
	"strings"
	"testing"

	"github.com/google/fhir-gateway-sub000/internal/platform/auth"
	"github.com/google/fhir-gateway-sub000/internal/platform/fhir"
	"github.com/google/fhir-gateway-sub000/internal/upstream"
)

func newListChecker(t *testing.T, listID string, store *fakeUpstream) Checker {
	t.Helper()
	token := auth.NewStaticToken(map[string]interface{}{"patient_list": listID})
	factory, err := Lookup("list")
	if err != nil {
		t.Fatal(err)
	}
	checker, err := factory.New(token, store, fhir.NewPatientFinder())
	if err != nil {
		t.Fatalf("constructing list checker: %v", err)
	}
	return checker
}

func TestListCheckerMissingClaim(t *testing.T) {
	token := auth.NewStaticToken(map[string]interface{}{"sub": "u1"})
	factory, _ := Lookup("list")
	if _, err := factory.New(token, &fakeUpstream{}, fhir.NewPatientFinder()); err == nil {
		t.Fatal("expected construction to fail without patient_list")
	}
}

func TestListCheckerReadMember(t *testing.T) {
	store := &fakeUpstream{handler: func(method, pathAndQuery string) (*upstream.Response, error) {
		return jsonResponse(http.StatusOK, searchTotal(1)), nil
	}}
	checker := newListChecker(t, "L1", store)

	d, err := checker.Check(newReader(t, http.MethodGet, "/Observation?subject=P1", ""))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted {
		t.Error("read of list member denied")
	}

	if len(store.calls) != 1 {
		t.Fatalf("store saw %d calls, want 1", len(store.calls))
	}
	q := store.calls[0].PathAndQuery
	for _, fragment := range []string{"List?", "_id=L1", "_elements=id", "item=Patient%2FP1"} {
		if !strings.Contains(q, fragment) {
			t.Errorf("membership query %q missing %q", q, fragment)
		}
	}
}

func TestListCheckerReadNonMember(t *testing.T) {
	store := &fakeUpstream{handler: func(method, pathAndQuery string) (*upstream.Response, error) {
		return jsonResponse(http.StatusOK, searchTotal(0)), nil
	}}
	checker := newListChecker(t, "L1", store)

	d, err := checker.Check(newReader(t, http.MethodGet, "/Observation?subject=P9", ""))
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted {
		t.Error("read of non-member granted")
	}
}

func TestListCheckerNoPatientInRequest(t *testing.T) {
	store := &fakeUpstream{}
	checker := newListChecker(t, "L1", store)

	d, err := checker.Check(newReader(t, http.MethodGet, "/Observation?status=final", ""))
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted {
		t.Error("request with no resolvable patient granted")
	}
	if len(store.calls) != 0 {
		t.Errorf("store was queried %d times for an unresolvable request", len(store.calls))
	}
}

func TestListCheckerOwnList(t *testing.T) {
	checker := newListChecker(t, "L1", &fakeUpstream{})

	d, err := checker.Check(newReader(t, http.MethodGet, "/List/L1", ""))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted {
		t.Error("read of own access list denied")
	}

	d, err = checker.Check(newReader(t, http.MethodGet, "/List/L2", ""))
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted {
		t.Error("read of a foreign list granted")
	}

	d, err = checker.Check(newReader(t, http.MethodPut, "/List/L1", `{"resourceType":"List","id":"L1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted {
		t.Error("write to own access list granted")
	}
}

func TestListCheckerCreatePatient(t *testing.T) {
	store := &fakeUpstream{handler: func(method, pathAndQuery string) (*upstream.Response, error) {
		return jsonResponse(http.StatusOK, `{}`), nil
	}}
	checker := newListChecker(t, "L1", store)

	d, err := checker.Check(newReader(t, http.MethodPost, "/Patient", `{"resourceType":"Patient"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted {
		t.Fatal("patient create denied")
	}
	if d.PostProcess == nil {
		t.Fatal("patient create decision has no post-processor")
	}

	// Simulate the store's 201 and run the post-processor.
	rd := newReader(t, http.MethodPost, "/Patient", `{"resourceType":"Patient"}`)
	resp := jsonResponse(http.StatusCreated, `{"resourceType":"Patient","id":"new-1"}`)
	body, err := d.PostProcess(rd, resp)
	if err != nil {
		t.Fatalf("post-process: %v", err)
	}
	if !strings.Contains(string(body), `"id":"new-1"`) {
		t.Errorf("post-processor altered the client body: %s", body)
	}

	if len(store.calls) != 1 {
		t.Fatalf("store saw %d calls, want 1 patch", len(store.calls))
	}
	patch := store.calls[0]
	if patch.Method != http.MethodPatch || patch.PathAndQuery != "List/L1" {
		t.Errorf("patch call = %+v", patch)
	}
	if !strings.Contains(patch.Body, `"path":"/entry/-"`) || !strings.Contains(patch.Body, "Patient/new-1") {
		t.Errorf("patch body = %s", patch.Body)
	}
}

func TestListCheckerPutNewPatient(t *testing.T) {
	// The existence probe reports no such patient; the PUT is a creation.
	store := &fakeUpstream{handler: func(method, pathAndQuery string) (*upstream.Response, error) {
		if strings.HasPrefix(pathAndQuery, "Patient?") {
			return jsonResponse(http.StatusOK, searchTotal(0)), nil
		}
		return jsonResponse(http.StatusOK, `{}`), nil
	}}
	checker := newListChecker(t, "L1", store)

	d, err := checker.Check(newReader(t, http.MethodPut, "/Patient/NEW", `{"resourceType":"Patient","id":"NEW"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted {
		t.Fatal("update of a new patient denied")
	}
	if d.PostProcess == nil {
		t.Fatal("no post-processor for a new patient")
	}

	rd := newReader(t, http.MethodPut, "/Patient/NEW", "")
	if _, err := d.PostProcess(rd, jsonResponse(http.StatusCreated, `{"resourceType":"Patient","id":"NEW"}`)); err != nil {
		t.Fatalf("post-process: %v", err)
	}

	last := store.calls[len(store.calls)-1]
	if last.Method != http.MethodPatch || !strings.Contains(last.Body, "Patient/NEW") {
		t.Errorf("expected a List patch for Patient/NEW, got %+v", last)
	}
}

func TestListCheckerPutExistingPatient(t *testing.T) {
	store := &fakeUpstream{handler: func(method, pathAndQuery string) (*upstream.Response, error) {
		if strings.HasPrefix(pathAndQuery, "Patient?") {
			return jsonResponse(http.StatusOK, searchTotal(1)), nil
		}
		return jsonResponse(http.StatusOK, searchTotal(1)), nil
	}}
	checker := newListChecker(t, "L1", store)

	d, err := checker.Check(newReader(t, http.MethodPut, "/Patient/P1", `{"resourceType":"Patient","id":"P1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted {
		t.Error("update of an existing member denied")
	}
	if d.PostProcess != nil {
		t.Error("existing patient update should not patch the list")
	}
}

func TestListCheckerBundleUnresolvableEntry(t *testing.T) {
	store := &fakeUpstream{}
	checker := newListChecker(t, "L1", store)

	// A search over every patient resolves no id; the Bundle is denied
	// before any membership query, like the single-request case.
	bundle := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"request": {"method": "GET", "url": "Observation"}}
		]
	}`
	d, err := checker.Check(newReader(t, http.MethodPost, "/", bundle))
	if err != nil {
		t.Fatal(err)
	}
	if d.Granted {
		t.Error("Bundle with an unresolvable entry granted")
	}
	if len(store.calls) != 0 {
		t.Errorf("store was queried %d times for an unresolvable Bundle", len(store.calls))
	}
}

func TestListCheckerBundleEntrySetAnyOf(t *testing.T) {
	store := &fakeUpstream{handler: func(method, pathAndQuery string) (*upstream.Response, error) {
		return jsonResponse(http.StatusOK, searchTotal(1)), nil
	}}
	checker := newListChecker(t, "L1", store)

	// One entry referencing two patients needs either of them on the list:
	// the membership query carries them comma-joined in a single item value.
	bundle := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{
				"request": {"method": "POST", "url": "Observation"},
				"resource": {
					"resourceType": "Observation",
					"subject": {"reference": "Patient/P1"},
					"performer": [{"reference": "Patient/P2"}]
				}
			}
		]
	}`
	d, err := checker.Check(newReader(t, http.MethodPost, "/", bundle))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted {
		t.Fatal("Bundle denied")
	}

	if len(store.calls) != 1 {
		t.Fatalf("store saw %d calls, want 1", len(store.calls))
	}
	q := store.calls[0].PathAndQuery
	if !strings.Contains(q, "item=Patient%2FP1%2CPatient%2FP2") {
		t.Errorf("membership query %q does not comma-join the entry's patients", q)
	}
}

func TestListCheckerBundleWithNewPatient(t *testing.T) {
	store := &fakeUpstream{handler: func(method, pathAndQuery string) (*upstream.Response, error) {
		if strings.HasPrefix(pathAndQuery, "Patient?") {
			return jsonResponse(http.StatusOK, searchTotal(0)), nil
		}
		return jsonResponse(http.StatusOK, searchTotal(1)), nil
	}}
	checker := newListChecker(t, "L1", store)

	bundle := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{"request": {"method": "GET", "url": "Observation?subject=P1"}},
			{
				"request": {"method": "PUT", "url": "Patient/NEW"},
				"resource": {"resourceType": "Patient", "id": "NEW"}
			}
		]
	}`
	d, err := checker.Check(newReader(t, http.MethodPost, "/", bundle))
	if err != nil {
		t.Fatal(err)
	}
	if !d.Granted {
		t.Fatal("bundle denied")
	}
	if d.PostProcess == nil {
		t.Fatal("no post-processor for the new patient in the bundle")
	}

	rd := newReader(t, http.MethodPost, "/", bundle)
	response := `{"resourceType":"Bundle","type":"transaction-response","entry":[{"response":{"status":"200 OK"}},{"response":{"status":"201 Created","location":"Patient/NEW/_history/1"}}]}`
	if _, err := d.PostProcess(rd, jsonResponse(http.StatusOK, response)); err != nil {
		t.Fatalf("post-process: %v", err)
	}

	var patched bool
	for _, call := range store.calls {
		if call.Method == http.MethodPatch && call.PathAndQuery == "List/L1" && strings.Contains(call.Body, "Patient/NEW") {
			patched = true
		}
	}
	if !patched {
		t.Error("the access list was not patched with the new patient")
	}
}
