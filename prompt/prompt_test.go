package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mendhq/mend/fault"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry("", nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestEmbeddedDefinitionsLoad(t *testing.T) {
	r := testRegistry(t)
	for _, purpose := range []string{PurposeTestGeneration, PurposeFixGeneration, PurposeGuardian} {
		d, err := r.Get(purpose, "v1")
		if err != nil {
			t.Fatalf("Get(%s, v1): %v", purpose, err)
		}
		if d.Checksum == "" {
			t.Errorf("%s: checksum not computed", purpose)
		}
		if d.Model == "" || d.MaxTokens <= 0 {
			t.Errorf("%s: incomplete definition: model=%q max_tokens=%d", purpose, d.Model, d.MaxTokens)
		}
	}
}

func TestGetUnknownVersion(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Get(PurposeGuardian, "v99")
	if kind, _ := fault.KindOf(err); kind != fault.PromptNotFound {
		t.Errorf("kind = %s, want prompt_not_found", kind)
	}
}

func TestRenderSubstitutesAllPlaceholders(t *testing.T) {
	r := testRegistry(t)
	d, err := r.Get(PurposeTestGeneration, "v1")
	if err != nil {
		t.Fatal(err)
	}
	system, user, err := d.Render(map[string]string{
		"bug_description": "off-by-one in pagination",
		"test_command":    "npm test",
		"code_context":    "function paginate() {}",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if system == "" {
		t.Error("empty system message")
	}
	if !strings.Contains(user, "off-by-one in pagination") {
		t.Errorf("variable not substituted: %s", user)
	}
	if strings.Contains(user, "${") {
		t.Errorf("unresolved placeholder remains: %s", user)
	}
}

func TestRenderMissingVariable(t *testing.T) {
	d := &Definition{
		Purpose: "x", Version: "v1",
		UserTmpl: "need ${a} and ${b}",
	}
	_, _, err := d.Render(map[string]string{"a": "1"})
	if kind, _ := fault.KindOf(err); kind != fault.MissingVariable {
		t.Fatalf("kind = %s, want missing_variable", kind)
	}
	if !strings.Contains(err.Error(), "b") {
		t.Errorf("error should name the missing variable: %v", err)
	}
}

func TestValidateResponse(t *testing.T) {
	r := testRegistry(t)
	d, err := r.Get(PurposeGuardian, "v1")
	if err != nil {
		t.Fatal(err)
	}

	ok := map[string]any{"safe": true, "risk_level": "low", "issues": []any{}}
	if err := d.ValidateResponse(ok); err != nil {
		t.Errorf("valid response rejected: %v", err)
	}

	missing := map[string]any{"safe": true, "issues": []any{}}
	if kind, _ := fault.KindOf(d.ValidateResponse(missing)); kind != fault.ModelInvalidResponse {
		t.Error("missing required field must be model_invalid_response")
	}

	badEnum := map[string]any{"safe": false, "risk_level": "catastrophic", "issues": []any{}}
	if kind, _ := fault.KindOf(d.ValidateResponse(badEnum)); kind != fault.ModelInvalidResponse {
		t.Error("enum violation must be model_invalid_response")
	}
}

func TestOverlayReplacesEmbedded(t *testing.T) {
	dir := t.TempDir()
	override := `{
		"purpose": "guardian",
		"version": "v1",
		"model": "gpt-4o",
		"max_tokens": 500,
		"system_prompt": "overridden",
		"user_template": "${patches}",
		"schema": {"required": ["safe"]}
	}`
	if err := os.WriteFile(filepath.Join(dir, "guardian_v1.json"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(dir, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	d, err := r.Get(PurposeGuardian, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if d.System != "overridden" {
		t.Errorf("overlay not applied: system = %q", d.System)
	}
	if d.Model != "gpt-4o" {
		t.Errorf("overlay model = %q", d.Model)
	}
}

func TestLatestPicksHighestVersion(t *testing.T) {
	dir := t.TempDir()
	v2 := `{
		"purpose": "guardian",
		"version": "v2",
		"model": "gpt-4o-mini",
		"max_tokens": 500,
		"system_prompt": "s",
		"user_template": "${patches}",
		"schema": {"required": ["safe"]}
	}`
	if err := os.WriteFile(filepath.Join(dir, "guardian_v2.json"), []byte(v2), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := NewRegistry(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	d, err := r.Latest(PurposeGuardian)
	if err != nil {
		t.Fatal(err)
	}
	if d.Version != "v2" {
		t.Errorf("Latest = %s, want v2", d.Version)
	}
}
