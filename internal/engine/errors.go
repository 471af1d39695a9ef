package engine

import "errors"

var (
	// ErrNoActivePenalty is returned by Revoke when the subject has no
	// in-force penalty of the requested kind.
	ErrNoActivePenalty = errors.New("no active penalty of that kind")

	// ErrUnknownSubject is returned by read paths for subjects that have
	// never produced an event.
	ErrUnknownSubject = errors.New("unknown subject")
)
