package retry

import (
	"fmt"
	"time"
)

// Action is what happens to a job after its handler fails.
type Action string

const (
	ActionDelete  Action = "delete"
	ActionRelease Action = "release"
)

// Rule is one row of a Policy.
type Rule struct {
	Action Action `yaml:"action"`
	// Priority for a released job. Zero keeps the job's current priority.
	Priority uint32 `yaml:"priority,omitempty"`
	// Delay before a released job becomes ready again.
	Delay time.Duration `yaml:"delay,omitempty"`
	// Sleep is how long the worker pauses before reserving the next job.
	Sleep time.Duration `yaml:"sleep,omitempty"`
}

// Policy maps failure kinds to rules. Kinds without a rule fall back to the
// KindUnexpected rule, and to a plain delete when that is missing too.
type Policy map[Kind]Rule

// LowPriority matches the priority the web tier uses for deferred work.
const LowPriority = 2048

// DefaultPolicy returns the behaviour shared by every tube unless overridden.
func DefaultPolicy() Policy {
	return Policy{
		KindTransient:  {Action: ActionRelease, Sleep: time.Second},
		KindOverloaded: {Action: ActionRelease, Priority: LowPriority, Delay: 10 * time.Second},
		KindTimeout:    {Action: ActionDelete, Sleep: 5 * time.Minute},
		KindValidation: {Action: ActionDelete},
		KindNotFound:   {Action: ActionDelete},
		KindForbidden:  {Action: ActionDelete},
		KindUnexpected: {Action: ActionDelete, Sleep: 200 * time.Millisecond},
	}
}

// With returns a copy of p with kind mapped to rule.
func (p Policy) With(kind Kind, rule Rule) Policy {
	out := make(Policy, len(p)+1)
	for k, r := range p {
		out[k] = r
	}
	out[kind] = rule
	return out
}

// Merge returns a copy of p overridden by every rule in overrides.
func (p Policy) Merge(overrides Policy) Policy {
	out := p
	for k, r := range overrides {
		out = out.With(k, r)
	}
	return out
}

// Decide returns the rule that applies to err.
func (p Policy) Decide(err error) Rule {
	if r, ok := p[KindOf(err)]; ok {
		return r
	}
	if r, ok := p[KindUnexpected]; ok {
		return r
	}
	return Rule{Action: ActionDelete}
}

// Validate rejects rules a worker cannot act on.
func (p Policy) Validate() error {
	for k, r := range p {
		switch r.Action {
		case ActionDelete, ActionRelease:
		default:
			return fmt.Errorf("policy for %s: unknown action %q", k, r.Action)
		}
		if r.Delay < 0 || r.Sleep < 0 {
			return fmt.Errorf("policy for %s: negative duration", k)
		}
	}
	return nil
}

// ParsePolicy converts a config-file policy keyed by kind name.
func ParsePolicy(raw map[string]Rule) (Policy, error) {
	p := make(Policy, len(raw))
	for name, r := range raw {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		p[k] = r
	}
	return p, p.Validate()
}
