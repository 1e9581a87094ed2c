package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mendhq/mend/fault"
	"github.com/mendhq/mend/gateway"
	"github.com/mendhq/mend/patch"
)

// fakeCaller returns canned gateway results without touching a provider.
type fakeCaller struct {
	raw   string
	err   error
	calls []gateway.Call
}

func (f *fakeCaller) Execute(_ context.Context, call gateway.Call) (*gateway.Result, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.Result{Raw: json.RawMessage(f.raw)}, nil
}

var req = Request{TaskID: "t1", UserID: "u1"}

func TestTestGeneratorDecodesAndValidates(t *testing.T) {
	c := &fakeCaller{raw: `{
		"test_code": "test('drops last item', () => { expect(paginate(items, 2, 0)).toHaveLength(2); });",
		"file_name": "src/__tests__/pagination.test.js",
		"explanation": "exercises the slice bound"
	}`}
	gen := NewTestGenerator(c)

	got, err := gen.Generate(context.Background(), req, "bug", "npm test", "ctx")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.FileName != "src/__tests__/pagination.test.js" {
		t.Errorf("FileName = %q", got.FileName)
	}
	if len(c.calls) != 1 || c.calls[0].Purpose != "test_generation" {
		t.Errorf("calls = %+v", c.calls)
	}
	if c.calls[0].TaskID != "t1" {
		t.Errorf("TaskID not propagated: %+v", c.calls[0])
	}
}

func TestTestGeneratorRejectsTrivialTestCode(t *testing.T) {
	c := &fakeCaller{raw: `{"test_code": "x", "file_name": "a.test.js", "explanation": ""}`}
	_, err := NewTestGenerator(c).Generate(context.Background(), req, "bug", "npm test", "ctx")
	if kind, _ := fault.KindOf(err); kind != fault.ModelInvalidResponse {
		t.Errorf("kind = %s, want model_invalid_response", kind)
	}
}

func TestFixAgentDecodesPatchSet(t *testing.T) {
	c := &fakeCaller{raw: `{
		"patches": [{"file_path": "src/p.js", "operation": "replace", "start_line": 3, "end_line": 3, "new_code": "fixed"}],
		"rationale": "end index was exclusive",
		"confidence": 0.8
	}`}
	got, err := NewFixAgent(c).Generate(context.Background(), req, "bug", "t.js", "code", "1 failed", "ctx")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(got.Patches) != 1 || got.Patches[0].Operation != patch.OpReplace {
		t.Errorf("patches = %+v", got.Patches)
	}
}

func TestFixAgentAcceptsInsertWithoutEndLine(t *testing.T) {
	c := &fakeCaller{raw: `{
		"patches": [{"file_path": "src/p.js", "operation": "insert", "start_line": 2, "new_code": "guard();"}],
		"rationale": "missing guard",
		"confidence": 0.7
	}`}
	got, err := NewFixAgent(c).Generate(context.Background(), req, "bug", "t.js", "code", "1 failed", "ctx")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.Patches[0].Operation != patch.OpInsert || got.Patches[0].EndLine != 0 {
		t.Errorf("patch = %+v", got.Patches[0])
	}
}

func TestFixAgentRejectsEmptyPatchList(t *testing.T) {
	c := &fakeCaller{raw: `{"patches": [], "rationale": "nothing", "confidence": 0.5}`}
	_, err := NewFixAgent(c).Generate(context.Background(), req, "bug", "t.js", "code", "out", "ctx")
	if kind, _ := fault.KindOf(err); kind != fault.ModelInvalidResponse {
		t.Errorf("kind = %s, want model_invalid_response", kind)
	}
}

func TestFixAgentRejectsConfidenceOutOfRange(t *testing.T) {
	c := &fakeCaller{raw: `{
		"patches": [{"file_path": "a.js", "operation": "delete", "start_line": 1, "end_line": 1}],
		"rationale": "r",
		"confidence": 1.5
	}`}
	_, err := NewFixAgent(c).Generate(context.Background(), req, "bug", "t.js", "code", "out", "ctx")
	if kind, _ := fault.KindOf(err); kind != fault.ModelInvalidResponse {
		t.Errorf("kind = %s, want model_invalid_response", kind)
	}
}

func TestGuardianVerdict(t *testing.T) {
	set := &patch.Set{
		Patches:   []patch.Patch{{FilePath: "a.js", Operation: patch.OpDelete, StartLine: 1, EndLine: 1}},
		Rationale: "r",
	}

	c := &fakeCaller{raw: `{"safe": false, "risk_level": "high", "issues": ["adds network call"]}`}
	v, err := NewGuardian(c).Review(context.Background(), req, set)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if v.Approved() {
		t.Error("unsafe verdict must not be approved")
	}
	if v.RiskLevel != "high" || len(v.Issues) != 1 {
		t.Errorf("verdict = %+v", v)
	}
}

func TestGuardianRejectsMissingSafeField(t *testing.T) {
	set := &patch.Set{
		Patches:   []patch.Patch{{FilePath: "a.js", Operation: patch.OpDelete, StartLine: 1, EndLine: 1}},
		Rationale: "r",
	}
	c := &fakeCaller{raw: `{"risk_level": "low", "issues": []}`}
	_, err := NewGuardian(c).Review(context.Background(), req, set)
	if kind, _ := fault.KindOf(err); kind != fault.ModelInvalidResponse {
		t.Errorf("kind = %s, want model_invalid_response", kind)
	}
}

func TestAgentPropagatesGatewayErrors(t *testing.T) {
	c := &fakeCaller{err: fault.New(fault.CostBudgetExceeded, "over budget")}
	_, err := NewTestGenerator(c).Generate(context.Background(), req, "bug", "npm test", "ctx")
	if kind, _ := fault.KindOf(err); kind != fault.CostBudgetExceeded {
		t.Errorf("kind = %s, want cost_budget_exceeded", kind)
	}
}
