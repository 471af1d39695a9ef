package telegram

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"warden/internal/engine"
	"warden/internal/transport"
	logx "warden/pkg/logx"
)

// Executor enforces resolved actions against the Telegram API. All calls go
// through a shared rate limiter; Telegram throttles bots that burst
// moderation calls.
//
// Subjects must carry the chat in ScopeID. With a global scope there is no
// single chat to act in, so enforcement falls back to the event's channel via
// the warn notice only; restrict/ban calls need a chat-scoped subject.
type Executor struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger

	// Notify, when set, is used for the public warn notice.
	Notify func(ctx context.Context, to transport.ChatTarget, text string) error
}

func NewExecutor(a *Adapter, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		bot: a.bot,
		// 20 calls burst, sustained 1/s; well under Telegram's per-chat limits.
		limiter: rate.NewLimiter(rate.Limit(1), 20),
		log:     log,
		Notify: func(ctx context.Context, to transport.ChatTarget, text string) error {
			return a.SendText(ctx, to, text, nil)
		},
	}
}

func (e *Executor) Execute(ctx context.Context, sub engine.Subject, kind engine.ActionKind, duration time.Duration) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	chat := &tele.Chat{ID: sub.ScopeID}
	user := &tele.User{ID: sub.UserID}

	switch kind {
	case engine.ActionWarn:
		if e.Notify == nil {
			return nil
		}
		text := fmt.Sprintf("⚠️ user %d has been warned for violating chat rules", sub.UserID)
		return e.Notify(ctx, transport.ChatTarget{ChatID: sub.ScopeID}, text)

	case engine.ActionMute:
		member := &tele.ChatMember{User: user, Rights: tele.NoRights()}
		if duration > 0 {
			member.RestrictedUntil = time.Now().Add(duration).Unix()
		} else {
			member.RestrictedUntil = tele.Forever()
		}
		return e.bot.Restrict(chat, member)

	case engine.ActionKick:
		// Telegram has no single kick call: ban then lift the ban so the user
		// may rejoin.
		if err := e.bot.Ban(chat, &tele.ChatMember{User: user}); err != nil {
			return err
		}
		return e.bot.Unban(chat, user)

	case engine.ActionBan:
		member := &tele.ChatMember{User: user}
		if duration > 0 {
			member.RestrictedUntil = time.Now().Add(duration).Unix()
		}
		return e.bot.Ban(chat, member)

	default:
		return fmt.Errorf("cannot execute action %q", kind)
	}
}

func (e *Executor) Revoke(ctx context.Context, sub engine.Subject, kind engine.ActionKind) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	chat := &tele.Chat{ID: sub.ScopeID}
	user := &tele.User{ID: sub.UserID}

	switch kind {
	case engine.ActionWarn:
		return nil // nothing to undo platform-side
	case engine.ActionMute:
		return e.bot.Restrict(chat, &tele.ChatMember{User: user, Rights: tele.NoRestrictions()})
	case engine.ActionKick, engine.ActionBan:
		return e.bot.Unban(chat, user)
	default:
		return fmt.Errorf("cannot revoke action %q", kind)
	}
}
