package engine

import (
	"fmt"
	"time"
)

// EscalationStep maps a cumulative severity score to an action tier.
type EscalationStep struct {
	Threshold int
	Action    ActionKind
}

// EscalationPolicy resolves a subject's accumulated severity to a punitive
// action. It is a pure function over subject state; it never mutates.
type EscalationPolicy struct {
	steps []EscalationStep
	decay time.Duration
}

// NewEscalationPolicy validates the table: thresholds must be strictly
// increasing and actions non-decreasing in punitive weight (none < warn <
// mute < kick < ban). A malformed table is a startup error.
func NewEscalationPolicy(steps []EscalationStep, decay time.Duration) (*EscalationPolicy, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("escalation: empty table")
	}
	if decay <= 0 {
		return nil, fmt.Errorf("escalation: decay window must be positive, got %v", decay)
	}
	for i, st := range steps {
		if !st.Action.Valid() {
			return nil, fmt.Errorf("escalation: step %d: invalid action %q", i, st.Action)
		}
		if st.Threshold < 0 {
			return nil, fmt.Errorf("escalation: step %d: negative threshold %d", i, st.Threshold)
		}
		if i == 0 {
			continue
		}
		prev := steps[i-1]
		if st.Threshold <= prev.Threshold {
			return nil, fmt.Errorf("escalation: thresholds must be strictly increasing (%d after %d)", st.Threshold, prev.Threshold)
		}
		if st.Action.Weight() < prev.Action.Weight() {
			return nil, fmt.Errorf("escalation: action %q cannot follow harsher %q", st.Action, prev.Action)
		}
	}
	cp := make([]EscalationStep, len(steps))
	copy(cp, steps)
	return &EscalationPolicy{steps: cp, decay: decay}, nil
}

// Decay returns the violation decay window the policy scores against.
func (p *EscalationPolicy) Decay() time.Duration { return p.decay }

// Resolve computes the score (non-decayed history plus the new verdict's
// severity) and selects the highest threshold not exceeding it.
func (p *EscalationPolicy) Resolve(state *SubjectState, verdict Verdict, now time.Time) (ActionKind, int) {
	score := verdict.Severity
	if state != nil {
		score += state.ViolationScore(p.decay, now)
	}
	action := ActionNone
	for _, st := range p.steps {
		if st.Threshold > score {
			break
		}
		action = st.Action
	}
	return action, score
}
