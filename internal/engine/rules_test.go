package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden/internal/engine/counters"
	logx "warden/pkg/logx"
)

func testCounters(t *testing.T) *counters.MemStore {
	t.Helper()
	cs, err := counters.NewMemStore(counters.Windows{
		"msg":  10 * time.Second,
		"join": time.Minute,
	})
	if err != nil {
		t.Fatalf("NewMemStore: %v", err)
	}
	return cs
}

func msgEvent(id string, at time.Time, text string) Event {
	return Event{
		ID:        id,
		Subject:   Subject{UserID: 1, ScopeID: 10},
		Kind:      EventMessage,
		Timestamp: at,
		Payload:   Payload{Text: text},
	}
}

func evalCtx(ev Event, st *SubjectState, cs counters.Store) *EvalContext {
	return &EvalContext{
		Event:    ev,
		State:    st,
		Counters: cs,
		Now:      ev.Timestamp,
		Decay:    time.Hour,
	}
}

func TestRateLimitRule(t *testing.T) {
	t.Parallel()

	cs := testCounters(t)
	rule := &RateLimitRule{RuleID: "flood", Severity: 2, Kind: EventMessage, Threshold: 3}
	ctx := context.Background()

	// Below the threshold nothing matches, but every event is counted.
	for i := 0; i < 3; i++ {
		ev := msgEvent("", t0.Add(time.Duration(i)*time.Second), "hi")
		v, err := rule.Evaluate(ctx, evalCtx(ev, nil, cs))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if v.Matched {
			t.Fatalf("matched at count %d, threshold is %d", i+1, rule.Threshold)
		}
	}

	// The fourth message in the window crosses the threshold.
	ev := msgEvent("", t0.Add(3*time.Second), "hi")
	v, err := rule.Evaluate(ctx, evalCtx(ev, nil, cs))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !v.Matched || v.RuleID != "flood" || v.Severity != 2 {
		t.Fatalf("verdict = %+v, want flood match", v)
	}

	// A new window starts the count over.
	ev = msgEvent("", t0.Add(25*time.Second), "hi")
	if v, _ := rule.Evaluate(ctx, evalCtx(ev, nil, cs)); v.Matched {
		t.Fatalf("matched across window boundary")
	}
}

func TestRateLimitRuleIgnoresOtherKinds(t *testing.T) {
	t.Parallel()

	cs := testCounters(t)
	rule := &RateLimitRule{RuleID: "join-flood", Severity: 1, Kind: EventJoin, Threshold: 1}
	ctx := context.Background()

	ev := msgEvent("", t0, "hi")
	if v, err := rule.Evaluate(ctx, evalCtx(ev, nil, cs)); err != nil || v.Matched {
		t.Fatalf("message event matched a join rule: %+v, %v", v, err)
	}
	// The mismatched event must not have advanced the join counter.
	if n, _ := cs.Peek(ctx, ev.Subject.Key(), "join", t0); n != 0 {
		t.Fatalf("join counter advanced by a message event: %d", n)
	}
}

func TestContentRule(t *testing.T) {
	t.Parallel()

	rule := &ContentRule{RuleID: "stopwords", Severity: 1, Check: KeywordPredicate([]string{"spam"})}
	ctx := context.Background()

	st := NewSubjectState(Subject{UserID: 1, ScopeID: 10}, t0)
	v, err := rule.Evaluate(ctx, evalCtx(msgEvent("e1", t0, "buy SPAM now"), st, nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !v.Matched || v.Reason == "" {
		t.Fatalf("verdict = %+v, want keyword match with reason", v)
	}

	if v, _ := rule.Evaluate(ctx, evalCtx(msgEvent("e2", t0, "hello"), st, nil)); v.Matched {
		t.Fatalf("clean text matched")
	}

	// Trusted subjects bypass content rules.
	st.Trusted = true
	if v, _ := rule.Evaluate(ctx, evalCtx(msgEvent("e3", t0, "buy spam now"), st, nil)); v.Matched {
		t.Fatalf("trusted subject matched a content rule")
	}

	broken := &ContentRule{RuleID: "broken", Severity: 1}
	if _, err := broken.Evaluate(ctx, evalCtx(msgEvent("e4", t0, "x"), nil, nil)); err == nil {
		t.Fatalf("nil predicate should error")
	}
}

func TestRepeatOffenseRule(t *testing.T) {
	t.Parallel()

	rule := &RepeatOffenseRule{RuleID: "chronic", Severity: 3, WatchRuleID: "stopwords", MaxCount: 2}
	ctx := context.Background()

	st := NewSubjectState(Subject{UserID: 1, ScopeID: 10}, t0)
	st.AddViolation(ViolationRecord{RuleID: "stopwords", At: t0, Severity: 1})

	ev := msgEvent("e1", t0.Add(time.Minute), "x")
	if v, _ := rule.Evaluate(ctx, evalCtx(ev, st, nil)); v.Matched {
		t.Fatalf("matched below max_count")
	}

	st.AddViolation(ViolationRecord{RuleID: "stopwords", At: t0.Add(time.Minute), Severity: 1})
	v, err := rule.Evaluate(ctx, evalCtx(msgEvent("e2", t0.Add(2*time.Minute), "x"), st, nil))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !v.Matched || v.Severity != 3 {
		t.Fatalf("verdict = %+v, want chronic match", v)
	}

	// Decayed watched violations no longer count.
	if v, _ := rule.Evaluate(ctx, evalCtx(msgEvent("e3", t0.Add(3*time.Hour), "x"), st, nil)); v.Matched {
		t.Fatalf("matched on decayed history")
	}
}

func TestPredicates(t *testing.T) {
	t.Parallel()

	score := func(v float64) *float64 { return &v }
	cases := []struct {
		name string
		pred Predicate
		ev   Event
		want bool
	}{
		{"keyword hit", KeywordPredicate([]string{"casino"}), Event{Payload: Payload{Text: "best CASINO site"}}, true},
		{"keyword miss", KeywordPredicate([]string{"casino"}), Event{Payload: Payload{Text: "chess club"}}, false},
		{"keyword empty text", KeywordPredicate([]string{"casino"}), Event{}, false},
		{"link blocklist hit", LinkPredicate(false, []string{"evil.example"}, nil), Event{Payload: Payload{Text: "see https://evil.example/page"}}, true},
		{"link blocklist miss", LinkPredicate(false, []string{"evil.example"}, nil), Event{Payload: Payload{Text: "see https://ok.example"}}, false},
		{"link block all", LinkPredicate(true, nil, nil), Event{Payload: Payload{Text: "www.anything.example/x"}}, true},
		{"link allowlist exempts", LinkPredicate(true, nil, []string{"ok.example"}), Event{Payload: Payload{Text: "https://ok.example:8080/page"}}, false},
		{"no link", LinkPredicate(true, nil, nil), Event{Payload: Payload{Text: "plain text"}}, false},
		{"score above", ScorePredicate(0.8), Event{Payload: Payload{Score: score(0.9)}}, true},
		{"score below", ScorePredicate(0.8), Event{Payload: Payload{Score: score(0.5)}}, false},
		{"score absent", ScorePredicate(0.8), Event{Payload: Payload{Text: "x"}}, false},
		{"forwarded", ForwardPredicate(), Event{Payload: Payload{Forwarded: true}}, true},
		{"not forwarded", ForwardPredicate(), Event{Payload: Payload{Text: "x"}}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, reason := tc.pred(tc.ev)
			if got != tc.want {
				t.Fatalf("matched = %v, want %v", got, tc.want)
			}
			if got && reason == "" {
				t.Fatalf("match without reason")
			}
		})
	}
}

// staticRule returns a fixed verdict or error; used to exercise resolution.
type staticRule struct {
	id      string
	verdict Verdict
	err     error
	calls   int
}

func (r *staticRule) ID() string { return r.id }

func (r *staticRule) Evaluate(ctx context.Context, ec *EvalContext) (Verdict, error) {
	r.calls++
	return r.verdict, r.err
}

func TestNewRuleSetValidatesIDs(t *testing.T) {
	t.Parallel()

	if _, err := NewRuleSet([]Rule{&staticRule{id: ""}}, logx.Nop()); err == nil {
		t.Fatalf("empty id accepted")
	}
	if _, err := NewRuleSet([]Rule{&staticRule{id: "a"}, &staticRule{id: "a"}}, logx.Nop()); err == nil {
		t.Fatalf("duplicate id accepted")
	}
}

// Two rate rules on one kind would each Record the same event, breaking the
// window counter's events-in-window equality.
func TestNewRuleSetRejectsDuplicateRateKinds(t *testing.T) {
	t.Parallel()

	_, err := NewRuleSet([]Rule{
		&RateLimitRule{RuleID: "flood-a", Severity: 1, Kind: EventMessage, Threshold: 5},
		&RateLimitRule{RuleID: "flood-b", Severity: 2, Kind: EventMessage, Threshold: 10},
	}, logx.Nop())
	if err == nil {
		t.Fatalf("two rate rules for one kind accepted")
	}

	// Distinct kinds stay fine.
	if _, err := NewRuleSet([]Rule{
		&RateLimitRule{RuleID: "flood", Severity: 1, Kind: EventMessage, Threshold: 5},
		&RateLimitRule{RuleID: "join-storm", Severity: 2, Kind: EventJoin, Threshold: 3},
	}, logx.Nop()); err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
}

func TestEvaluateAllRunsEveryRule(t *testing.T) {
	t.Parallel()

	match := func(id string, sev int) Verdict {
		return Verdict{Matched: true, RuleID: id, Severity: sev}
	}
	first := &staticRule{id: "first", verdict: match("first", 2)}
	failing := &staticRule{id: "failing", err: errors.New("boom")}
	low := &staticRule{id: "low", verdict: match("low", 1)}
	tied := &staticRule{id: "tied", verdict: match("tied", 2)}

	rs, err := NewRuleSet([]Rule{first, failing, low, tied}, logx.Nop())
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}

	v := rs.EvaluateAll(context.Background(), evalCtx(msgEvent("e1", t0, "x"), nil, nil))

	// Highest severity wins; the earliest-configured rule wins the tie.
	if v.RuleID != "first" || v.Severity != 2 {
		t.Fatalf("resolved = %+v, want first/2", v)
	}
	for _, r := range []*staticRule{first, failing, low, tied} {
		if r.calls != 1 {
			t.Fatalf("rule %s evaluated %d times", r.id, r.calls)
		}
	}
}

func TestEvaluateAllNoMatch(t *testing.T) {
	t.Parallel()

	rs, err := NewRuleSet([]Rule{&staticRule{id: "quiet"}}, logx.Nop())
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	if v := rs.EvaluateAll(context.Background(), evalCtx(msgEvent("e1", t0, "x"), nil, nil)); v.Matched {
		t.Fatalf("no-match set produced %+v", v)
	}
}
