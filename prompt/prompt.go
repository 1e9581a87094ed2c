// Package prompt manages versioned prompt definitions and their output
// schemas. A definition is immutable once loaded: (purpose, version) is
// content-addressed, so a task pinned to a version renders the exact same
// messages for its whole lifetime.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mendhq/mend/fault"
)

// Purposes for which definitions ship with the binary.
const (
	PurposeTestGeneration = "test_generation"
	PurposeFixGeneration  = "fix_generation"
	PurposeGuardian       = "guardian"
)

// Schema describes the required shape of a model's JSON response.
type Schema struct {
	// Required lists top-level fields that must be present.
	Required []string `json:"required"`
	// Enums constrains string fields to a declared value set.
	Enums map[string][]string `json:"enums,omitempty"`
}

// Definition is a versioned prompt template plus its response schema.
type Definition struct {
	Purpose     string  `json:"purpose"`
	Version     string  `json:"version"`
	Description string  `json:"description,omitempty"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	System      string  `json:"system_prompt"`
	UserTmpl    string  `json:"user_template"`
	Schema      Schema  `json:"schema"`

	// Checksum is the hex SHA-256 of the definition file content,
	// computed at load time.
	Checksum string `json:"-"`
}

var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+)\}`)

// Render substitutes variables into the user template and returns the
// system and user messages. A placeholder with no matching variable is a
// user-category error: the call was built wrong, not the model.
func (d *Definition) Render(variables map[string]string) (system, user string, err error) {
	var missing []string
	user = placeholderRe.ReplaceAllStringFunc(d.UserTmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := variables[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", "", fault.Newf(fault.MissingVariable,
			"prompt %s %s: missing template variables: %s",
			d.Purpose, d.Version, strings.Join(missing, ", ")).
			With("purpose", d.Purpose).
			With("version", d.Version)
	}
	return d.System, user, nil
}

// ValidateResponse checks a decoded model response against the schema:
// every required field present, enum fields within their declared sets.
// Violations are permanent model_invalid_response errors.
func (d *Definition) ValidateResponse(resp map[string]any) error {
	for _, field := range d.Schema.Required {
		if _, ok := resp[field]; !ok {
			return fault.Newf(fault.ModelInvalidResponse,
				"response missing required field %q (schema %s %s)", field, d.Purpose, d.Version)
		}
	}
	for field, allowed := range d.Schema.Enums {
		raw, ok := resp[field]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return fault.Newf(fault.ModelInvalidResponse,
				"field %q must be a string (schema %s %s)", field, d.Purpose, d.Version)
		}
		valid := false
		for _, a := range allowed {
			if s == a {
				valid = true
				break
			}
		}
		if !valid {
			return fault.Newf(fault.ModelInvalidResponse,
				"field %q value %q not in %v (schema %s %s)", field, s, allowed, d.Purpose, d.Version)
		}
	}
	return nil
}

// parseDefinition decodes and validates a definition file.
func parseDefinition(data []byte, source string) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", source, err)
	}
	if d.Purpose == "" || d.Version == "" {
		return nil, fmt.Errorf("prompt %s: purpose and version are required", source)
	}
	if d.System == "" || d.UserTmpl == "" {
		return nil, fmt.Errorf("prompt %s %s: system_prompt and user_template are required", d.Purpose, d.Version)
	}
	if d.Model == "" {
		return nil, fmt.Errorf("prompt %s %s: model is required", d.Purpose, d.Version)
	}
	if d.MaxTokens <= 0 {
		d.MaxTokens = 2000
	}
	sum := sha256.Sum256(data)
	d.Checksum = hex.EncodeToString(sum[:])
	return &d, nil
}
