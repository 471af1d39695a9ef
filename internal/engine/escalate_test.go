package engine

import (
	"testing"
	"time"
)

func testPolicy(t *testing.T) *EscalationPolicy {
	t.Helper()
	p, err := NewEscalationPolicy([]EscalationStep{
		{Threshold: 0, Action: ActionNone},
		{Threshold: 2, Action: ActionWarn},
		{Threshold: 5, Action: ActionMute},
		{Threshold: 9, Action: ActionBan},
	}, time.Hour)
	if err != nil {
		t.Fatalf("NewEscalationPolicy: %v", err)
	}
	return p
}

func TestNewEscalationPolicyRejectsMalformedTables(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		steps []EscalationStep
		decay time.Duration
	}{
		{"empty", nil, time.Hour},
		{"zero decay", []EscalationStep{{0, ActionNone}}, 0},
		{"invalid action", []EscalationStep{{0, ActionKind("smite")}}, time.Hour},
		{"negative threshold", []EscalationStep{{-1, ActionNone}}, time.Hour},
		{"equal thresholds", []EscalationStep{{0, ActionNone}, {0, ActionWarn}}, time.Hour},
		{"descending thresholds", []EscalationStep{{5, ActionWarn}, {2, ActionMute}}, time.Hour},
		{"de-escalating actions", []EscalationStep{{0, ActionMute}, {5, ActionWarn}}, time.Hour},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewEscalationPolicy(tc.steps, tc.decay); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestEscalationResolve(t *testing.T) {
	t.Parallel()

	p := testPolicy(t)
	st := NewSubjectState(Subject{UserID: 1, ScopeID: 10}, t0)
	st.AddViolation(ViolationRecord{RuleID: "a", At: t0, Severity: 3})

	now := t0.Add(10 * time.Minute)
	cases := []struct {
		name      string
		verdict   Verdict
		wantKind  ActionKind
		wantScore int
	}{
		{"history only", Verdict{Matched: true, RuleID: "b", Severity: 0}, ActionWarn, 3},
		{"crosses mute", Verdict{Matched: true, RuleID: "b", Severity: 2}, ActionMute, 5},
		{"crosses ban", Verdict{Matched: true, RuleID: "b", Severity: 6}, ActionBan, 9},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			kind, score := p.Resolve(st, tc.verdict, now)
			if kind != tc.wantKind || score != tc.wantScore {
				t.Fatalf("Resolve = (%s, %d), want (%s, %d)", kind, score, tc.wantKind, tc.wantScore)
			}
		})
	}
}

func TestEscalationResolveIgnoresDecayedHistory(t *testing.T) {
	t.Parallel()

	p := testPolicy(t)
	st := NewSubjectState(Subject{UserID: 1, ScopeID: 10}, t0)
	st.AddViolation(ViolationRecord{RuleID: "a", At: t0, Severity: 4})

	// Within the decay window the old record pushes the score to mute.
	kind, score := p.Resolve(st, Verdict{Matched: true, Severity: 2}, t0.Add(30*time.Minute))
	if kind != ActionMute || score != 6 {
		t.Fatalf("fresh history: (%s, %d), want (mute, 6)", kind, score)
	}

	// Past the decay window only the new verdict counts.
	kind, score = p.Resolve(st, Verdict{Matched: true, Severity: 2}, t0.Add(2*time.Hour))
	if kind != ActionWarn || score != 2 {
		t.Fatalf("decayed history: (%s, %d), want (warn, 2)", kind, score)
	}
}

func TestEscalationResolveNilState(t *testing.T) {
	t.Parallel()

	p := testPolicy(t)
	kind, score := p.Resolve(nil, Verdict{Matched: true, Severity: 2}, t0)
	if kind != ActionWarn || score != 2 {
		t.Fatalf("Resolve(nil state) = (%s, %d), want (warn, 2)", kind, score)
	}
}
