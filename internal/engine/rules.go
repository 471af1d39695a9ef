package engine

import (
	"context"
	"fmt"
	"time"

	"warden/internal/engine/counters"
)

// EvalContext bundles everything a rule may inspect for one event. The state
// pointer is owned by the pipeline's per-subject critical section; rules must
// not mutate it.
type EvalContext struct {
	Event    Event
	State    *SubjectState
	Counters counters.Store
	Now      time.Time
	Decay    time.Duration // violation decay window
}

// Rule evaluates one event against subject state and produces a verdict.
//
// Rules are pure with respect to their inputs except for window counting:
// a rate rule advances its counter even when it does not match, since
// counting must be exhaustive regardless of outcome.
type Rule interface {
	ID() string
	Evaluate(ctx context.Context, ec *EvalContext) (Verdict, error)
}

// ---- RateLimitRule ----

// RateLimitRule matches when the tumbling-window count for its event kind
// exceeds Threshold.
type RateLimitRule struct {
	RuleID    string
	Severity  int
	Kind      EventKind // which events this rule counts
	Threshold int
}

func (r *RateLimitRule) ID() string { return r.RuleID }

func (r *RateLimitRule) Evaluate(ctx context.Context, ec *EvalContext) (Verdict, error) {
	if ec.Event.Kind != r.Kind {
		return NoMatch(), nil
	}
	// Count first, unconditionally. The verdict never suppresses counting.
	n, err := ec.Counters.Record(ctx, ec.Event.Subject.Key(), r.Kind.Metric(), ec.Event.Timestamp)
	if err != nil {
		return NoMatch(), fmt.Errorf("rule %s: %w", r.RuleID, err)
	}
	if n <= r.Threshold {
		return NoMatch(), nil
	}
	return Verdict{
		Matched:  true,
		RuleID:   r.RuleID,
		Severity: r.Severity,
		Reason:   fmt.Sprintf("%s rate %d exceeds %d per window", r.Kind, n, r.Threshold),
	}, nil
}

// ---- ContentRule ----

// Predicate decides whether an event's content violates a rule. Predicates
// are supplied externally (keyword lists, link filters, classifier scores
// carried in the payload); the engine stays free of content analysis.
type Predicate func(ev Event) (matched bool, reason string)

// ContentRule matches when its predicate fires. Trusted and whitelisted
// subjects bypass content rules entirely.
type ContentRule struct {
	RuleID   string
	Severity int
	Check    Predicate
}

func (r *ContentRule) ID() string { return r.RuleID }

func (r *ContentRule) Evaluate(ctx context.Context, ec *EvalContext) (Verdict, error) {
	_ = ctx
	if r.Check == nil {
		return NoMatch(), fmt.Errorf("rule %s: nil predicate", r.RuleID)
	}
	if ec.State != nil && (ec.State.Trusted || ec.State.Whitelisted) {
		return NoMatch(), nil
	}
	matched, reason := r.Check(ec.Event)
	if !matched {
		return NoMatch(), nil
	}
	if reason == "" {
		reason = "content rule matched"
	}
	return Verdict{Matched: true, RuleID: r.RuleID, Severity: r.Severity, Reason: reason}, nil
}

// ---- RepeatOffenseRule ----

// RepeatOffenseRule matches when the subject has accumulated MaxCount or more
// non-decayed violations of WatchRuleID. It lets a chronic low-severity
// offender be escalated without waiting for the score table alone.
type RepeatOffenseRule struct {
	RuleID      string
	Severity    int
	WatchRuleID string
	MaxCount    int
}

func (r *RepeatOffenseRule) ID() string { return r.RuleID }

func (r *RepeatOffenseRule) Evaluate(ctx context.Context, ec *EvalContext) (Verdict, error) {
	_ = ctx
	if ec.State == nil {
		return NoMatch(), nil
	}
	n := ec.State.CountViolations(r.WatchRuleID, ec.Decay, ec.Now)
	if n < r.MaxCount {
		return NoMatch(), nil
	}
	return Verdict{
		Matched:  true,
		RuleID:   r.RuleID,
		Severity: r.Severity,
		Reason:   fmt.Sprintf("%d repeat offenses of %s within decay window", n, r.WatchRuleID),
	}, nil
}
