package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"warden/internal/engine"
	"warden/internal/transport"
	logx "warden/pkg/logx"
)

// handleCommand services admin commands arriving over the transport. Replies
// are best effort; moderation state is the source of truth, not the chat.
func (a *App) handleCommand(ctx context.Context, cmd transport.Command) {
	log := a.log.With(
		logx.String("cmd", cmd.Name),
		logx.Int64("from", cmd.FromID),
		logx.String("subject", cmd.Subject.Key()))

	var reply string
	switch cmd.Name {
	case "revoke":
		reply = a.cmdRevoke(ctx, cmd)
	case "trust":
		reply = a.cmdTrust(ctx, cmd, true)
	case "untrust":
		reply = a.cmdTrust(ctx, cmd, false)
	case "status":
		reply = a.cmdStatus(ctx, cmd)
	default:
		return
	}
	log.Info("admin command handled")

	if reply == "" || cmd.ReplyTo.ChatID == 0 {
		return
	}
	if err := a.adapter.SendText(ctx, cmd.ReplyTo, reply, nil); err != nil {
		log.Warn("command reply failed", logx.Err(err))
	}
}

func (a *App) cmdRevoke(ctx context.Context, cmd transport.Command) string {
	if cmd.Subject.UserID == 0 {
		return "usage: /revoke <user_id|reply> [mute|ban|kick|warn]"
	}
	kind := engine.ActionMute
	for _, arg := range cmd.Args {
		if k, err := engine.ParseActionKind(arg); err == nil && k != engine.ActionNone {
			kind = k
			break
		}
	}
	reason := fmt.Sprintf("revoked by admin %d", cmd.FromID)
	entry, err := a.eng.current().Revoke(ctx, cmd.Subject, kind, reason)
	switch {
	case errors.Is(err, engine.ErrNoActivePenalty), errors.Is(err, engine.ErrUnknownSubject):
		return fmt.Sprintf("no active %s for %s", kind, cmd.Subject.Key())
	case err != nil:
		a.log.Warn("revoke failed", logx.Err(err))
		return "revoke failed: " + err.Error()
	}
	return fmt.Sprintf("revoked %s for %s (audit %s)", kind, cmd.Subject.Key(), entry.ID)
}

func (a *App) cmdTrust(ctx context.Context, cmd transport.Command, trusted bool) string {
	if cmd.Subject.UserID == 0 {
		return "usage: /" + cmd.Name + " <user_id|reply>"
	}
	if err := a.eng.current().SetTrust(ctx, cmd.Subject, trusted, false); err != nil {
		a.log.Warn("set trust failed", logx.Err(err))
		return cmd.Name + " failed: " + err.Error()
	}
	if trusted {
		return fmt.Sprintf("%s is now trusted; content rules no longer apply", cmd.Subject.Key())
	}
	return fmt.Sprintf("%s is no longer trusted", cmd.Subject.Key())
}

func (a *App) cmdStatus(ctx context.Context, cmd transport.Command) string {
	if cmd.Subject.UserID == 0 {
		return "usage: /status <user_id|reply>"
	}
	view, err := a.eng.current().SubjectState(ctx, cmd.Subject)
	if errors.Is(err, engine.ErrUnknownSubject) {
		return fmt.Sprintf("%s: no record", cmd.Subject.Key())
	}
	if err != nil {
		a.log.Warn("status failed", logx.Err(err))
		return "status failed: " + err.Error()
	}
	return formatStatus(view)
}

func formatStatus(v engine.StateView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: score %d, %d violation(s) in window", v.Subject.Key(), v.Score, len(v.Violations))
	if v.Trusted {
		b.WriteString(", trusted")
	}
	if v.Whitelisted {
		b.WriteString(", whitelisted")
	}
	if len(v.ActivePenalties) == 0 {
		b.WriteString("\nno active penalties")
		return b.String()
	}
	for _, p := range v.ActivePenalties {
		fmt.Fprintf(&b, "\n%s since %s", p.Kind, p.AppliedAt.Format(time.RFC3339))
		if p.ExpiresAt != nil {
			fmt.Fprintf(&b, ", expires %s", p.ExpiresAt.Format(time.RFC3339))
		}
	}
	return b.String()
}
