package agent

import (
	"github.com/hupe1980/taskmesh/internal/util"
)

// Provider supplies dynamic instruction text at runtime from task variables.
type Provider interface {
	Instruction(vars map[string]any) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(vars map[string]any) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(vars map[string]any) (string, error) { return f(vars) }

// Instruction is either a template string or a dynamic provider. Template
// text is rendered with the task variables ({{.prompt}}, {{.role}}, ...).
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from template text.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(vars map[string]any) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by template text.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// IsZero reports whether the instruction is empty.
func (i Instruction) IsZero() bool { return i.provider == nil && i.text == "" }

// Resolve returns the instruction text, invoking the provider or rendering
// the template.
func (i Instruction) Resolve(vars map[string]any) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(vars)
	}
	if i.text == "" {
		return "", nil
	}
	return util.RenderTemplate(i.text, vars)
}

// MarshalText implements encoding.TextMarshaler. Dynamic instructions marshal
// as empty text.
func (i Instruction) MarshalText() ([]byte, error) { return []byte(i.text), nil }

// UnmarshalText implements encoding.TextUnmarshaler so agent specs can carry
// instruction templates in JSON and YAML.
func (i *Instruction) UnmarshalText(b []byte) error {
	*i = Instruction{text: string(b)}
	return nil
}
