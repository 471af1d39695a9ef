// Package storage persists moderation state: per-subject records, the
// append-only audit trail, and the event-id index used for idempotence.
//
// The core treats this as a key-value interface; backends are interchangeable.
package storage
