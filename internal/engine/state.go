package engine

import (
	"time"
)

// ViolationRecord is one matched rule against a subject. History is
// append-only and timestamp-ordered; old entries decay lazily at read time.
type ViolationRecord struct {
	RuleID   string    `json:"rule_id"`
	At       time.Time `json:"at"`
	Severity int       `json:"severity"`
}

// Penalty tracks an applied punitive action. At most one active penalty per
// (subject, kind); re-applying the same kind extends ExpiresAt instead of
// stacking. A nil ExpiresAt means no natural expiry (typical for ban/kick).
type Penalty struct {
	Kind          ActionKind `json:"kind"`
	AppliedAt     time.Time  `json:"applied_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	SourceEventID string     `json:"source_event_id"`
	Revoked       bool       `json:"revoked,omitempty"`

	// Lapsed is set once the natural expiry has been recorded in the audit
	// trail, so the transition is audited exactly once.
	Lapsed bool `json:"lapsed,omitempty"`
}

// Active reports whether the penalty is in force at the given instant.
// Expiry is lazy: nothing flips a stored penalty to expired, readers just
// stop seeing it.
func (p *Penalty) Active(now time.Time) bool {
	if p == nil || p.Revoked {
		return false
	}
	if p.ExpiresAt == nil {
		return true
	}
	return now.Before(*p.ExpiresAt)
}

// SubjectState is the per-subject moderation record. Subjects are created
// lazily on first event and never explicitly destroyed.
//
// All mutation happens under the pipeline's per-subject serialization; the
// struct itself is not concurrency-safe.
type SubjectState struct {
	Subject    Subject                 `json:"subject"`
	Violations []ViolationRecord       `json:"violations,omitempty"`
	Penalties  map[ActionKind]*Penalty `json:"penalties,omitempty"`

	// Trust flags exempt a subject from content rules (rate rules still count).
	Trusted     bool `json:"trusted,omitempty"`
	Whitelisted bool `json:"whitelisted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewSubjectState(sub Subject, now time.Time) *SubjectState {
	return &SubjectState{
		Subject:   sub,
		Penalties: make(map[ActionKind]*Penalty),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddViolation appends to the history, clamping the timestamp so the history
// stays monotonically non-decreasing even if the transport delivers a skewed
// event time.
func (s *SubjectState) AddViolation(v ViolationRecord) {
	if n := len(s.Violations); n > 0 && v.At.Before(s.Violations[n-1].At) {
		v.At = s.Violations[n-1].At
	}
	s.Violations = append(s.Violations, v)
	s.UpdatedAt = v.At
}

// ActiveViolations returns the non-decayed slice of the history: entries
// newer than now-decay. Decay is a read-time computation; the stored history
// is untouched.
func (s *SubjectState) ActiveViolations(decay time.Duration, now time.Time) []ViolationRecord {
	if decay <= 0 {
		return s.Violations
	}
	cutoff := now.Add(-decay)
	// History is timestamp-ordered, so find the first live entry.
	for i, v := range s.Violations {
		if !v.At.Before(cutoff) {
			return s.Violations[i:]
		}
	}
	return nil
}

// ViolationScore sums the non-decayed severities.
func (s *SubjectState) ViolationScore(decay time.Duration, now time.Time) int {
	score := 0
	for _, v := range s.ActiveViolations(decay, now) {
		score += v.Severity
	}
	return score
}

// CountViolations counts non-decayed records for one rule.
func (s *SubjectState) CountViolations(ruleID string, decay time.Duration, now time.Time) int {
	n := 0
	for _, v := range s.ActiveViolations(decay, now) {
		if v.RuleID == ruleID {
			n++
		}
	}
	return n
}

// ActivePenalty returns the penalty of the given kind if it is still in
// force, nil otherwise.
func (s *SubjectState) ActivePenalty(kind ActionKind, now time.Time) *Penalty {
	p := s.Penalties[kind]
	if p.Active(now) {
		return p
	}
	return nil
}

func (s *SubjectState) setPenalty(p *Penalty, now time.Time) {
	if s.Penalties == nil {
		s.Penalties = make(map[ActionKind]*Penalty)
	}
	s.Penalties[p.Kind] = p
	s.UpdatedAt = now
}

// Compact physically drops decayed violations and dead penalties. Purely a
// memory/storage bound; ActiveViolations and ActivePenalty already ignore
// everything Compact removes.
func (s *SubjectState) Compact(decay time.Duration, now time.Time) {
	live := s.ActiveViolations(decay, now)
	if len(live) != len(s.Violations) {
		s.Violations = append([]ViolationRecord(nil), live...)
	}
	for kind, p := range s.Penalties {
		if !p.Active(now) {
			delete(s.Penalties, kind)
		}
	}
}

// PenaltyView is the read-only penalty snapshot exposed to dashboards.
type PenaltyView struct {
	Kind          ActionKind `json:"kind"`
	AppliedAt     time.Time  `json:"applied_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	SourceEventID string     `json:"source_event_id"`
}

// StateView is a consistent, copied snapshot of a subject's state.
type StateView struct {
	Subject         Subject           `json:"subject"`
	Score           int               `json:"score"`
	Violations      []ViolationRecord `json:"violations,omitempty"`
	ActivePenalties []PenaltyView     `json:"active_penalties,omitempty"`
	Trusted         bool              `json:"trusted,omitempty"`
	Whitelisted     bool              `json:"whitelisted,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// View snapshots the state with decay applied as of now.
func (s *SubjectState) View(decay time.Duration, now time.Time) StateView {
	v := StateView{
		Subject:     s.Subject,
		Score:       s.ViolationScore(decay, now),
		Violations:  append([]ViolationRecord(nil), s.ActiveViolations(decay, now)...),
		Trusted:     s.Trusted,
		Whitelisted: s.Whitelisted,
		UpdatedAt:   s.UpdatedAt,
	}
	for _, kind := range []ActionKind{ActionWarn, ActionMute, ActionKick, ActionBan} {
		if p := s.ActivePenalty(kind, now); p != nil {
			v.ActivePenalties = append(v.ActivePenalties, PenaltyView{
				Kind:          p.Kind,
				AppliedAt:     p.AppliedAt,
				ExpiresAt:     p.ExpiresAt,
				SourceEventID: p.SourceEventID,
			})
		}
	}
	return v
}
