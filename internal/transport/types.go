// Package transport defines the platform-neutral boundary between chat
// platforms and the moderation engine. Adapters translate platform updates
// into engine events and moderator commands; the engine never sees
// platform-specific types.
package transport

import (
	"context"

	"warden/internal/engine"
)

type UpdateKind string

const (
	UpdateEvent   UpdateKind = "event"
	UpdateCommand UpdateKind = "command"
)

// Update is one unit of work from the platform: either a user event for the
// pipeline or a moderator command.
type Update struct {
	Kind    UpdateKind
	Event   *engine.Event
	Command *Command
}

// Command is a moderator-issued instruction (revoke, trust, status). Only
// configured admins produce commands; everything else is an event.
type Command struct {
	Name    string // "revoke", "trust", "untrust", "status"
	Args    []string
	Subject engine.Subject // target subject, zero when not parseable
	FromID  int64
	ReplyTo ChatTarget
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is a platform connection. Start feeds updates into out until the
// context is canceled or Stop is called; SendText is used for command replies
// and public warnings.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
