package agent

import (
	"encoding/json"
	"errors"
	"testing"

	"gopkg.in/yaml.v3"
)

type mockProvider struct {
	text string
	err  error
}

func (m mockProvider) Instruction(map[string]any) (string, error) { return m.text, m.err }

var testVars = map[string]any{"prompt": "compute 2+2", "role": "solver"}

func TestInstruction_Static(t *testing.T) {
	inst := NewInstructionFromText("static instruction")
	if !inst.IsStatic() {
		t.Fatalf("expected static instruction")
	}
	got, err := inst.Resolve(testVars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "static instruction" {
		t.Fatalf("expected 'static instruction', got %q", got)
	}
}

func TestInstruction_Template(t *testing.T) {
	inst := NewInstructionFromText("As {{.role}}, answer: {{.prompt}}")
	got, err := inst.Resolve(testVars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "As solver, answer: compute 2+2" {
		t.Fatalf("unexpected rendering %q", got)
	}
}

func TestInstruction_NewInstructionFromFunc(t *testing.T) {
	inst := NewInstructionFromFunc(func(vars map[string]any) (string, error) {
		return "dynamic for " + vars["role"].(string), nil
	})
	if inst.IsStatic() {
		t.Fatalf("expected dynamic instruction")
	}
	got, err := inst.Resolve(testVars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "dynamic for solver" {
		t.Fatalf("expected 'dynamic for solver', got %q", got)
	}
}

func TestInstruction_NewInstructionFromProvider(t *testing.T) {
	inst := NewInstructionFromProvider(mockProvider{text: "provider text"})
	got, err := inst.Resolve(testVars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "provider text" {
		t.Fatalf("expected 'provider text', got %q", got)
	}
}

func TestInstruction_ErrorPropagation(t *testing.T) {
	expectedErr := errors.New("boom")
	inst := NewInstructionFromProvider(mockProvider{err: expectedErr})
	_, err := inst.Resolve(testVars)
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected error %v, got %v", expectedErr, err)
	}
}

func TestInstruction_InvalidTemplate(t *testing.T) {
	_, err := NewInstructionFromText("{{.prompt").Resolve(testVars)
	if err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSpec_Decoding(t *testing.T) {
	var fromJSON Spec
	if err := json.Unmarshal([]byte(`{"role":"critic","instruction":"Review {{.prompt}}","tools":["search@2.0.0"]}`), &fromJSON); err != nil {
		t.Fatalf("unmarshal json: %v", err)
	}
	got, err := fromJSON.Instruction.Resolve(testVars)
	if err != nil || got != "Review compute 2+2" {
		t.Fatalf("unexpected instruction %q (%v)", got, err)
	}
	if v, ok := fromJSON.allowed("search"); !ok || v != "2.0.0" {
		t.Fatalf("expected pinned search@2.0.0, got %q %v", v, ok)
	}
	if _, ok := fromJSON.allowed("calculator"); ok {
		t.Fatalf("calculator should not be allowed")
	}

	var fromYAML Spec
	if err := yaml.Unmarshal([]byte("role: writer\ninstruction: Write about {{.prompt}}\n"), &fromYAML); err != nil {
		t.Fatalf("unmarshal yaml: %v", err)
	}
	got, err = fromYAML.Instruction.Resolve(testVars)
	if err != nil || got != "Write about compute 2+2" {
		t.Fatalf("unexpected instruction %q (%v)", got, err)
	}
	if _, ok := fromYAML.allowed("anything"); !ok {
		t.Fatalf("empty tool list should allow every tool")
	}

	out, err := json.Marshal(fromYAML)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"role":"writer","instruction":"Write about {{.prompt}}"}` {
		t.Fatalf("unexpected json %s", out)
	}
}
