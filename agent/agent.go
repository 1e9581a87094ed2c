// Package agent implements the three model-backed roles of the pipeline:
// generating a reproduction test, generating a fix, and the guardian's
// security review. Each role is a thin typed wrapper over the gateway with
// struct-level validation of the decoded response.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/gateway"
	"github.com/mendhq/mend/patch"
	"github.com/mendhq/mend/prompt"
)

// Caller is the slice of the gateway the agents need; tests substitute a
// fake.
type Caller interface {
	Execute(ctx context.Context, call gateway.Call) (*gateway.Result, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request carries the identifiers every agent call charges against.
type Request struct {
	TaskID string
	UserID string
}

// GeneratedTest is a reproduction test produced by the model.
type GeneratedTest struct {
	TestCode    string `json:"test_code" validate:"required,min=10"`
	FileName    string `json:"file_name" validate:"required"`
	Explanation string `json:"explanation"`
}

// TestGenerator asks the model for a failing test that reproduces the bug.
type TestGenerator struct {
	caller Caller
}

// NewTestGenerator creates a test generator over the gateway.
func NewTestGenerator(c Caller) *TestGenerator { return &TestGenerator{caller: c} }

// Generate produces a reproduction test for the described bug.
func (g *TestGenerator) Generate(ctx context.Context, req Request, bugDescription, testCommand, codeContext string) (*GeneratedTest, error) {
	res, err := g.caller.Execute(ctx, gateway.Call{
		Purpose: prompt.PurposeTestGeneration,
		Variables: map[string]string{
			"bug_description": bugDescription,
			"test_command":    testCommand,
			"code_context":    codeContext,
		},
		TaskID: req.TaskID,
		UserID: req.UserID,
	})
	if err != nil {
		return nil, err
	}

	var out GeneratedTest
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	if err := validate.Struct(&out); err != nil {
		return nil, fault.Wrap(fault.ModelInvalidResponse, "generated test failed validation", err)
	}
	return &out, nil
}

// FixAgent asks the model for patches once the bug is reproduced.
type FixAgent struct {
	caller Caller
}

// NewFixAgent creates a fix agent over the gateway.
func NewFixAgent(c Caller) *FixAgent { return &FixAgent{caller: c} }

// Generate produces a patch set. failingOutput is the reproduction test's
// output; on a retry it is the latest failure, so the model sees what its
// previous attempt broke.
func (a *FixAgent) Generate(ctx context.Context, req Request, bugDescription, testFile, testCode, failingOutput, codeContext string) (*patch.Set, error) {
	res, err := a.caller.Execute(ctx, gateway.Call{
		Purpose: prompt.PurposeFixGeneration,
		Variables: map[string]string{
			"bug_description": bugDescription,
			"test_file":       testFile,
			"test_code":       testCode,
			"test_output":     failingOutput,
			"code_context":    codeContext,
		},
		TaskID: req.TaskID,
		UserID: req.UserID,
	})
	if err != nil {
		return nil, err
	}

	var out patch.Set
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	if err := validate.Struct(&out); err != nil {
		return nil, fault.Wrap(fault.ModelInvalidResponse, "generated patch set failed validation", err)
	}
	return &out, nil
}

// Verdict is the guardian's ruling on a patch set. Safe is a pointer so a
// response that omits the field entirely fails validation instead of
// silently reading as unsafe-false.
type Verdict struct {
	Safe      *bool    `json:"safe" validate:"required"`
	RiskLevel string   `json:"risk_level" validate:"required,oneof=low medium high critical"`
	Issues    []string `json:"issues"`
}

// Approved reports whether the patches may touch the workspace.
func (v *Verdict) Approved() bool { return v.Safe != nil && *v.Safe }

// Guardian reviews patches for security problems before they are applied.
type Guardian struct {
	caller Caller
}

// NewGuardian creates a guardian over the gateway.
func NewGuardian(c Caller) *Guardian { return &Guardian{caller: c} }

// Review submits the patch set for security review. A rejection is not an
// error; callers inspect the verdict.
func (g *Guardian) Review(ctx context.Context, req Request, set *patch.Set) (*Verdict, error) {
	patchesJSON, err := json.MarshalIndent(set.Patches, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("agent: marshal patches: %w", err)
	}

	res, err := g.caller.Execute(ctx, gateway.Call{
		Purpose: prompt.PurposeGuardian,
		Variables: map[string]string{
			"patches":   string(patchesJSON),
			"rationale": set.Rationale,
		},
		TaskID: req.TaskID,
		UserID: req.UserID,
	})
	if err != nil {
		return nil, err
	}

	var out Verdict
	if err := res.Decode(&out); err != nil {
		return nil, err
	}
	if err := validate.Struct(&out); err != nil {
		return nil, fault.Wrap(fault.ModelInvalidResponse, "guardian verdict failed validation", err)
	}
	return &out, nil
}
