package fhir

import (
	"errors"
	"strings"
	"testing"
)

func TestParseJSONPatch(t *testing.T) {
	ops, err := ParseJSONPatch([]byte(`[{"op":"replace","path":"/status","value":"amended"}]`))
	if err != nil {
		t.Fatalf("ParseJSONPatch: %v", err)
	}
	if len(ops) != 1 || ops[0].Op != "replace" || ops[0].Path != "/status" {
		t.Errorf("ops = %+v", ops)
	}
}

func TestParseJSONPatchInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"not an array", `{"op":"add"}`},
		{"missing op", `[{"path":"/status"}]`},
		{"missing path", `[{"op":"add"}]`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseJSONPatch([]byte(tc.body))
			if !errors.Is(err, ErrProtocolInvalid) {
				t.Errorf("ParseJSONPatch(%s) error = %v, want ErrProtocolInvalid", tc.body, err)
			}
		})
	}
}

func TestAppendPatch(t *testing.T) {
	doc, err := AppendPatch("/entry", map[string]interface{}{
		"item": map[string]interface{}{"reference": "Patient/new-1"},
	})
	if err != nil {
		t.Fatalf("AppendPatch: %v", err)
	}
	s := string(doc)
	if !strings.Contains(s, `"path":"/entry/-"`) || !strings.Contains(s, `"Patient/new-1"`) {
		t.Errorf("patch document = %s", s)
	}
}

func TestPointerSegments(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"/subject/reference", []string{"subject", "reference"}},
		{"/entry/-", []string{"entry", "-"}},
		{"/a~1b/c~0d", []string{"a/b", "c~d"}},
		{"", nil},
	}
	for _, tc := range tests {
		got := pointerSegments(tc.path)
		if len(got) != len(tc.want) {
			t.Errorf("pointerSegments(%q) = %v, want %v", tc.path, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("pointerSegments(%q)[%d] = %q, want %q", tc.path, i, got[i], tc.want[i])
			}
		}
	}
}
