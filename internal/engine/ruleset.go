package engine

import (
	"context"
	"fmt"

	logx "warden/pkg/logx"
)

// RuleSet holds the configured rules in a fixed priority order.
//
// EvaluateAll runs EVERY rule, never short-circuiting: a rate rule's counting
// side effect must fire exactly once per event even when an earlier rule
// already matched. Matches are then resolved to a single verdict: highest
// severity wins, ties go to the earliest-configured rule.
type RuleSet struct {
	rules []Rule
	log   logx.Logger
}

func NewRuleSet(rules []Rule, log logx.Logger) (*RuleSet, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	seen := make(map[string]bool, len(rules))
	rateKinds := make(map[EventKind]string)
	for _, r := range rules {
		id := r.ID()
		if id == "" {
			return nil, fmt.Errorf("ruleset: rule with empty id")
		}
		if seen[id] {
			return nil, fmt.Errorf("ruleset: duplicate rule id %q", id)
		}
		seen[id] = true
		// Each rate rule records unconditionally, so a second one on the same
		// kind would double-count every event in its window.
		if rr, ok := r.(*RateLimitRule); ok {
			if prev, dup := rateKinds[rr.Kind]; dup {
				return nil, fmt.Errorf("ruleset: rate rules %q and %q both count %s events", prev, id, rr.Kind)
			}
			rateKinds[rr.Kind] = id
		}
	}
	return &RuleSet{rules: rules, log: log}, nil
}

func (rs *RuleSet) Len() int { return len(rs.rules) }

// EvaluateAll returns the resolved verdict for the event. A rule that fails
// to evaluate counts as no-match for that rule only; the failure is logged
// and the remaining rules still run.
func (rs *RuleSet) EvaluateAll(ctx context.Context, ec *EvalContext) Verdict {
	best := NoMatch()
	for _, r := range rs.rules {
		v, err := r.Evaluate(ctx, ec)
		if err != nil {
			ruleEvalErrors.WithLabelValues(r.ID()).Inc()
			rs.log.Warn("rule evaluation failed",
				logx.String("rule", r.ID()),
				logx.String("event", ec.Event.ID),
				logx.Err(err))
			continue
		}
		if !v.Matched {
			continue
		}
		ruleMatches.WithLabelValues(v.RuleID).Inc()
		// Strict greater-than keeps the earliest-configured rule on ties.
		if !best.Matched || v.Severity > best.Severity {
			best = v
		}
	}
	return best
}
