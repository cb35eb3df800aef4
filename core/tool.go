package core

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// Schema is a JSON schema fragment describing tool input or output.
type Schema = map[string]any

// Stability markers for tool descriptors.
const (
	StabilityStable       = "stable"
	StabilityBeta         = "beta"
	StabilityExperimental = "experimental"
)

// ToolDescriptor is a discovered tool capability. Descriptors are immutable:
// a newer version supersedes an older one and never edits it.
type ToolDescriptor struct {
	Name            string    `json:"name" yaml:"name"`
	Version         string    `json:"version" yaml:"version"`
	Description     string    `json:"description,omitempty" yaml:"description"`
	InputSchema     Schema    `json:"inputSchema,omitempty" yaml:"inputSchema"`
	OutputSchema    Schema    `json:"outputSchema,omitempty" yaml:"outputSchema"`
	RequiresConsent bool      `json:"requiresConsent" yaml:"requiresConsent"`
	Idempotent      bool      `json:"idempotent" yaml:"idempotent"`
	Stability       string    `json:"stability,omitempty" yaml:"stability"`
	TimeoutMS       int       `json:"timeoutMs,omitempty" yaml:"timeoutMs"`
	Provider        string    `json:"provider,omitempty" yaml:"-"`
	Endpoint        string    `json:"endpoint,omitempty" yaml:"endpoint"`
	DiscoveredAt    time.Time `json:"discoveredAt,omitzero" yaml:"-"`
}

// Key returns the name@version identity of the descriptor.
func (d ToolDescriptor) Key() string { return d.Name + "@" + d.Version }

// CanonicalVersion returns the version with the "v" prefix semver expects.
func (d ToolDescriptor) CanonicalVersion() string { return CanonicalVersion(d.Version) }

// IsStable reports whether the descriptor may be chosen by an unpinned
// Resolve. Prerelease versions and beta/experimental markers are unstable; an
// empty marker counts as stable.
func (d ToolDescriptor) IsStable() bool {
	if semver.Prerelease(d.CanonicalVersion()) != "" {
		return false
	}
	switch strings.ToLower(d.Stability) {
	case "", StabilityStable:
		return true
	}
	return false
}

// Timeout returns the per-invocation timeout or fallback when unset.
func (d ToolDescriptor) Timeout(fallback time.Duration) time.Duration {
	if d.TimeoutMS > 0 {
		return time.Duration(d.TimeoutMS) * time.Millisecond
	}
	return fallback
}

// CanonicalVersion normalizes "1.2.3" to "v1.2.3".
func CanonicalVersion(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// ToolInvocation records one call against a tool. It is finalized exactly once
// by the registry.
type ToolInvocation struct {
	ID            string          `json:"id"`
	Tool          string          `json:"tool"`
	Version       string          `json:"version"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *Failure        `json:"error,omitempty"`
	ConsentID     string          `json:"consentId,omitempty"`
	Duration      time.Duration   `json:"duration"`
	Retries       int             `json:"retries"`
	Cached        bool            `json:"cached,omitempty"`
	StartedAt     time.Time       `json:"startedAt"`
}

// Succeeded reports whether the invocation produced an output.
func (i ToolInvocation) Succeeded() bool { return i.Error == nil }
