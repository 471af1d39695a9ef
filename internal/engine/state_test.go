package engine

import (
	"encoding/json"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestAddViolationClampsSkewedTimestamps(t *testing.T) {
	t.Parallel()

	st := NewSubjectState(Subject{UserID: 1, ScopeID: 10}, t0)
	st.AddViolation(ViolationRecord{RuleID: "a", At: t0.Add(time.Minute), Severity: 1})
	st.AddViolation(ViolationRecord{RuleID: "b", At: t0.Add(-time.Hour), Severity: 1})

	if got := st.Violations[1].At; got.Before(st.Violations[0].At) {
		t.Fatalf("history went backwards: %v before %v", got, st.Violations[0].At)
	}
}

func TestViolationDecay(t *testing.T) {
	t.Parallel()

	decay := time.Hour
	st := NewSubjectState(Subject{UserID: 1, ScopeID: 10}, t0)
	st.AddViolation(ViolationRecord{RuleID: "old", At: t0, Severity: 3})
	st.AddViolation(ViolationRecord{RuleID: "new", At: t0.Add(50 * time.Minute), Severity: 2})

	now := t0.Add(70 * time.Minute) // "old" is 70m stale, "new" 20m

	live := st.ActiveViolations(decay, now)
	if len(live) != 1 || live[0].RuleID != "new" {
		t.Fatalf("ActiveViolations = %+v, want only the recent record", live)
	}
	if got := st.ViolationScore(decay, now); got != 2 {
		t.Fatalf("ViolationScore = %d, want 2", got)
	}
	if got := st.CountViolations("old", decay, now); got != 0 {
		t.Fatalf("decayed record still counted: %d", got)
	}

	// The stored history is untouched; decay is read-time only.
	if len(st.Violations) != 2 {
		t.Fatalf("stored history mutated: %d records", len(st.Violations))
	}
}

func TestPenaltyActive(t *testing.T) {
	t.Parallel()

	exp := t0.Add(time.Hour)
	cases := []struct {
		name string
		p    *Penalty
		at   time.Time
		want bool
	}{
		{"nil penalty", nil, t0, false},
		{"no expiry", &Penalty{Kind: ActionBan, AppliedAt: t0}, t0.Add(1000 * time.Hour), true},
		{"before expiry", &Penalty{Kind: ActionMute, AppliedAt: t0, ExpiresAt: &exp}, t0.Add(30 * time.Minute), true},
		{"at expiry", &Penalty{Kind: ActionMute, AppliedAt: t0, ExpiresAt: &exp}, exp, false},
		{"after expiry", &Penalty{Kind: ActionMute, AppliedAt: t0, ExpiresAt: &exp}, exp.Add(time.Second), false},
		{"revoked", &Penalty{Kind: ActionMute, AppliedAt: t0, Revoked: true}, t0.Add(time.Minute), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.p.Active(tc.at); got != tc.want {
				t.Fatalf("Active(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestActivePenaltyLazyExpiry(t *testing.T) {
	t.Parallel()

	st := NewSubjectState(Subject{UserID: 1, ScopeID: 10}, t0)
	exp := t0.Add(time.Hour)
	st.setPenalty(&Penalty{Kind: ActionMute, AppliedAt: t0, ExpiresAt: &exp, SourceEventID: "ev-1"}, t0)

	if st.ActivePenalty(ActionMute, t0.Add(59*time.Minute)) == nil {
		t.Fatalf("penalty should be active before expiry")
	}
	if st.ActivePenalty(ActionMute, t0.Add(61*time.Minute)) != nil {
		t.Fatalf("penalty should read as expired")
	}
	// Nothing wrote to the record; expiry is observed, not stored.
	if st.Penalties[ActionMute] == nil {
		t.Fatalf("stored penalty was removed by a read")
	}
}

func TestCompactPrunesDeadRecords(t *testing.T) {
	t.Parallel()

	decay := time.Hour
	st := NewSubjectState(Subject{UserID: 1, ScopeID: 10}, t0)
	st.AddViolation(ViolationRecord{RuleID: "old", At: t0, Severity: 1})
	st.AddViolation(ViolationRecord{RuleID: "new", At: t0.Add(2 * time.Hour), Severity: 1})
	exp := t0.Add(time.Minute)
	st.setPenalty(&Penalty{Kind: ActionMute, AppliedAt: t0, ExpiresAt: &exp}, t0)
	st.setPenalty(&Penalty{Kind: ActionBan, AppliedAt: t0}, t0)

	now := t0.Add(2*time.Hour + time.Minute)
	before := st.View(decay, now)
	st.Compact(decay, now)
	after := st.View(decay, now)

	if len(st.Violations) != 1 || st.Violations[0].RuleID != "new" {
		t.Fatalf("violations after compact = %+v", st.Violations)
	}
	if _, ok := st.Penalties[ActionMute]; ok {
		t.Fatalf("expired penalty survived compact")
	}
	if _, ok := st.Penalties[ActionBan]; !ok {
		t.Fatalf("permanent penalty dropped by compact")
	}
	if before.Score != after.Score || len(before.ActivePenalties) != len(after.ActivePenalties) {
		t.Fatalf("compact changed observable state: %+v vs %+v", before, after)
	}
}

func TestSubjectStateJSONRoundTrip(t *testing.T) {
	t.Parallel()

	exp := t0.Add(time.Hour)
	st := NewSubjectState(Subject{UserID: 7, ScopeID: 42}, t0)
	st.AddViolation(ViolationRecord{RuleID: "flood", At: t0.Add(time.Minute), Severity: 2})
	st.setPenalty(&Penalty{Kind: ActionMute, AppliedAt: t0.Add(time.Minute), ExpiresAt: &exp, SourceEventID: "ev-9"}, t0.Add(time.Minute))
	st.Trusted = true

	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back SubjectState
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Subject != st.Subject || !back.Trusted {
		t.Fatalf("subject/trust lost: %+v", back)
	}
	if len(back.Violations) != 1 || back.Violations[0].RuleID != "flood" {
		t.Fatalf("violations lost: %+v", back.Violations)
	}
	p := back.Penalties[ActionMute]
	if p == nil || p.SourceEventID != "ev-9" || p.ExpiresAt == nil || !p.ExpiresAt.Equal(exp) {
		t.Fatalf("penalty lost: %+v", p)
	}
	now := t0.Add(30 * time.Minute)
	if st.ViolationScore(time.Hour, now) != back.ViolationScore(time.Hour, now) {
		t.Fatalf("score differs after round trip")
	}
	if back.ActivePenalty(ActionMute, now) == nil {
		t.Fatalf("penalty inactive after round trip")
	}
}
