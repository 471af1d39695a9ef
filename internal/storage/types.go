package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory": in-process only, state is lost on restart
//   - "file": dependency-free file backend (json snapshot + jsonl journals)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry is one immutable moderation decision record. The dispatcher is
// the only writer; entries are append-only and never updated.
type AuditEntry struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	EventID    string    `json:"event_id"`
	SubjectKey string    `json:"subject_key"`
	RuleID     string    `json:"rule_id,omitempty"`
	Severity   int       `json:"severity,omitempty"`
	Score      int       `json:"score,omitempty"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason,omitempty"`
	ExecFailed bool      `json:"exec_failed,omitempty"`
}

// Store is the persistence surface the moderation core consumes.
//
// Subject state is an opaque blob keyed by subject: the core owns the schema
// and round-trips JSON through here. AuditByEvent is the dispatcher's
// idempotence guard; it must see every entry previously given to AppendAudit
// for the lifetime of the store.
type Store interface {
	LoadState(ctx context.Context, key string) ([]byte, bool, error)
	SaveState(ctx context.Context, key string, data []byte) error
	// ListStateKeys supports maintenance sweeps; order is unspecified.
	ListStateKeys(ctx context.Context) ([]string, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditByEvent(ctx context.Context, eventID string) (AuditEntry, bool, error)

	Close() error
}
