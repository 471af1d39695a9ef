// Package engine implements the moderation core: rule evaluation, per-subject
// behavioral state, escalation, and exactly-once action dispatch.
//
// The engine is transport-agnostic. A platform adapter feeds it Events and an
// Executor collaborator performs the platform-side mute/kick/ban calls.
package engine

import (
	"fmt"
	"time"
)

type EventKind string

const (
	EventMessage  EventKind = "message"
	EventEdit     EventKind = "edit"
	EventJoin     EventKind = "join"
	EventReaction EventKind = "reaction"
)

// Metric returns the counter metric this event kind feeds.
func (k EventKind) Metric() string {
	switch k {
	case EventMessage:
		return "msg"
	case EventEdit:
		return "edit"
	case EventJoin:
		return "join"
	case EventReaction:
		return "react"
	default:
		return string(k)
	}
}

// Subject is the actor behavior is tracked against: a user within a scope.
// ScopeID is the chat for per-chat policies, or a guild/network id when one
// policy covers several chats.
type Subject struct {
	UserID  int64 `json:"user_id"`
	ScopeID int64 `json:"scope_id"`
}

// Key is the stable storage/lock key for the subject.
func (s Subject) Key() string {
	return fmt.Sprintf("%d/%d", s.UserID, s.ScopeID)
}

func (s Subject) String() string { return s.Key() }

// Payload carries the event content the rules can inspect. The engine never
// runs content analysis itself: classifier verdicts arrive pre-computed in
// Score.
type Payload struct {
	MessageID int      `json:"message_id,omitempty"`
	Text      string   `json:"text,omitempty"`
	Forwarded bool     `json:"forwarded,omitempty"`
	Score     *float64 `json:"score,omitempty"` // external classifier verdict, 0..1
}

// Event is one user-generated platform event. Immutable once created; the
// transport adapter is the producer.
type Event struct {
	ID        string    `json:"id"` // unique per platform event, used for idempotence
	Subject   Subject   `json:"subject"`
	ChannelID int64     `json:"channel_id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// Verdict is the outcome of evaluating one rule (or a resolved rule set)
// against an event. A no-match verdict carries no rule attribution and is
// never recorded.
type Verdict struct {
	Matched  bool
	RuleID   string
	Severity int
	Reason   string
}

// NoMatch is the zero verdict returned when no rule fires.
func NoMatch() Verdict { return Verdict{} }
