package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/taskmesh/agent"
)

// ErrInvalidConfig is returned by Submit for unusable task configurations.
var ErrInvalidConfig = errors.New("invalid task config")

// Mode selects how agent specs are dispatched.
type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// Policy selects how run outcomes become the task outcome.
type Policy string

const (
	PolicyFirstSuccess   Policy = "first_success"
	PolicyAllMustSucceed Policy = "all_must_succeed"
	PolicyBestEffort     Policy = "best_effort"
	PolicyQuorum         Policy = "quorum"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyFirstSuccess, PolicyAllMustSucceed, PolicyBestEffort, PolicyQuorum:
		return true
	}
	return false
}

// ParsePolicy parses a policy name. Surrounding space and case are ignored.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, s)
	}
	return p, nil
}

// Duration is a time.Duration that decodes from "30s" style strings or from
// a number of nanoseconds.
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", b)
	}
	*d = Duration(n)
	return nil
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config describes how a task is executed.
type Config struct {
	// Type selects a per-type default policy.
	Type   string `json:"type,omitempty" yaml:"type"`
	UserID string `json:"userId,omitempty" yaml:"userId"`

	// Agents lists one spec per AgentRun. Empty runs a single default agent.
	Agents []agent.Spec `json:"agents,omitempty" yaml:"agents"`

	Mode    Mode   `json:"mode,omitempty" yaml:"mode"`
	Policy  Policy `json:"policy,omitempty" yaml:"policy"`
	Reducer string `json:"reducer,omitempty" yaml:"reducer"` // default concat, majority under quorum
	Quorum  int    `json:"quorum,omitempty" yaml:"quorum"`   // default: a strict majority of agents

	MaxParallel int      `json:"maxParallel,omitempty" yaml:"maxParallel"`
	MaxRetries  *int     `json:"maxRetries,omitempty" yaml:"maxRetries"`
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout"`

	// Vars are extra instruction template variables.
	Vars map[string]any `json:"vars,omitempty" yaml:"vars"`
}

// resolve fills defaults from the orchestrator options and validates the
// result.
func (c Config) resolve(opts Options) (Config, error) {
	if len(c.Agents) == 0 {
		c.Agents = []agent.Spec{{Role: "agent"}}
	}
	if c.Mode == "" {
		c.Mode = ModeParallel
	}
	if c.Mode != ModeParallel && c.Mode != ModeSequential {
		return c, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}

	if c.Policy == "" {
		c.Policy = opts.Policies[c.Type]
	}
	if c.Policy == "" {
		c.Policy = opts.DefaultPolicy
	}
	if !c.Policy.Valid() {
		return c, fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, c.Policy)
	}

	if c.Policy == PolicyQuorum {
		if c.Quorum == 0 {
			c.Quorum = len(c.Agents)/2 + 1
		}
		if c.Quorum < 1 || c.Quorum > len(c.Agents) {
			return c, fmt.Errorf("%w: quorum %d with %d agents", ErrInvalidConfig, c.Quorum, len(c.Agents))
		}
	}

	if c.Reducer == "" {
		c.Reducer = ReducerConcat
		if c.Policy == PolicyQuorum {
			c.Reducer = ReducerMajority
		}
	}
	if _, ok := opts.Reducers.Get(c.Reducer); !ok {
		return c, fmt.Errorf("%w: unknown reducer %q", ErrInvalidConfig, c.Reducer)
	}

	if c.MaxParallel == 0 {
		c.MaxParallel = opts.MaxParallel
	}
	if c.MaxRetries == nil {
		n := opts.MaxRetries
		c.MaxRetries = &n
	}
	if *c.MaxRetries < 0 {
		return c, fmt.Errorf("%w: negative maxRetries", ErrInvalidConfig)
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(opts.TaskTimeout)
	}
	return c, nil
}
