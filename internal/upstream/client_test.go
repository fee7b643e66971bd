package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

func TestHTTPClientExecute(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotHeader, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"resourceType":"Observation","id":"o1"}`)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL+"/", 5*time.Second, zerolog.Nop())
	if client.BaseURL() != server.URL {
		t.Errorf("BaseURL = %q", client.BaseURL())
	}

	header := http.Header{"Content-Type": []string{"application/fhir+json"}}
	resp, err := client.Execute(context.Background(), http.MethodPost, "/Observation?foo=bar", header, strings.NewReader(`{"resourceType":"Observation"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	defer resp.Body.Close()

	if gotMethod != http.MethodPost || gotPath != "/Observation" || gotQuery != "foo=bar" {
		t.Errorf("upstream saw %s %s?%s", gotMethod, gotPath, gotQuery)
	}
	if gotHeader != "application/fhir+json" {
		t.Errorf("Content-Type = %q", gotHeader)
	}
	if gotBody != `{"resourceType":"Observation"}` {
		t.Errorf("body = %q", gotBody)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"id":"o1"`) {
		t.Errorf("response body = %s", body)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 20*time.Millisecond, zerolog.Nop())
	_, err := client.Execute(context.Background(), http.MethodGet, "Patient/p1", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestHTTPClientContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Execute(ctx, http.MethodGet, "Patient/p1", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestHTTPClientUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	client := NewHTTPClient(server.URL, time.Second, zerolog.Nop())
	_, err := client.Execute(context.Background(), http.MethodGet, "Patient/p1", nil, nil)
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("error = %v, want ErrUnreachable", err)
	}
}

func TestGCPClientAttachesToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	inner := NewHTTPClient(server.URL, time.Second, zerolog.Nop())
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "svc-token"})
	client := newGCPClientWithSource(inner, tokens)

	// A caller-supplied Authorization header must not leak upstream.
	header := http.Header{"Authorization": []string{"Bearer end-user-token"}}
	resp, err := client.Execute(context.Background(), http.MethodGet, "Patient/p1", header, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	resp.Body.Close()

	if gotAuth != "Bearer svc-token" {
		t.Errorf("Authorization = %q, want the service token", gotAuth)
	}
}
