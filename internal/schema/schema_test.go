package schema_test

import (
	"testing"

	"github.com/sakti-dev/runcoord/internal/schema"
)

func newValidator(t *testing.T) *schema.SubmitValidator {
	t.Helper()
	v, err := schema.NewSubmitValidator()
	if err != nil {
		t.Fatalf("compile submit schema: %v", err)
	}
	return v
}

func TestValidateJSON_AcceptsWellFormedSubmission(t *testing.T) {
	v := newValidator(t)
	body := `{
		"task_session_id": "sess-1",
		"runtime_mode": "build",
		"client_request_key": "req-1",
		"input": {"target": "api"},
		"metadata": {"origin": "ci"},
		"max_attempts": 5
	}`
	if err := v.ValidateJSON(body); err != nil {
		t.Fatalf("expected valid submission, got %v", err)
	}
}

func TestValidateJSON_Rejections(t *testing.T) {
	v := newValidator(t)
	cases := []struct {
		name string
		body string
	}{
		{"missing session", `{"runtime_mode": "build"}`},
		{"missing mode", `{"task_session_id": "sess-1"}`},
		{"unknown mode", `{"task_session_id": "s", "runtime_mode": "warp"}`},
		{"input not object", `{"task_session_id": "s", "runtime_mode": "plan", "input": "text"}`},
		{"max attempts zero", `{"task_session_id": "s", "runtime_mode": "plan", "max_attempts": 0}`},
		{"unknown field", `{"task_session_id": "s", "runtime_mode": "plan", "priority": 9}`},
		{"empty session", `{"task_session_id": "", "runtime_mode": "plan"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := v.ValidateJSON(tc.body); err == nil {
				t.Fatalf("expected rejection for %s", tc.body)
			}
		})
	}
}

func TestValidateJSON_MalformedJSON(t *testing.T) {
	v := newValidator(t)
	if err := v.ValidateJSON(`{"task_session_id": `); err == nil {
		t.Fatal("expected parse error")
	}
}
