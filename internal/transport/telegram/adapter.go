// Package telegram connects warden to Telegram via long polling. Incoming
// messages, edits, joins and reactions become engine events; slash commands
// from configured admins become moderator commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"warden/internal/engine"
	rtsup "warden/internal/runtime/supervisor"
	"warden/internal/transport"
	logx "warden/pkg/logx"
)

type Config struct {
	Token        string
	PollTimeout  time.Duration
	AdminUserIDs []int64

	// GlobalScope tracks a user across all chats under one subject instead of
	// one subject per (user, chat).
	GlobalScope bool
}

type Adapter struct {
	cfg    Config
	log    logx.Logger
	bot    *tele.Bot
	admins map[int64]bool

	out     atomic.Value // stores (chan<- transport.Update)
	runMu   sync.Mutex
	running bool

	// sup owns the adapter goroutines (poll loop, drop reporter); created on
	// Start, canceled on Stop.
	sup *rtsup.Supervisor

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop; reported periodically instead of per update.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b, admins: make(map[int64]bool, len(cfg.AdminUserIDs))}
	for _, id := range cfg.AdminUserIDs {
		a.admins[id] = true
	}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) subject(userID, chatID int64) engine.Subject {
	if a.cfg.GlobalScope {
		return engine.Subject{UserID: userID}
	}
	return engine.Subject{UserID: userID, ScopeID: chatID}
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		if cmd := a.parseCommand(m); cmd != nil {
			a.push(transport.Update{Kind: transport.UpdateCommand, Command: cmd})
			return nil
		}
		a.push(transport.Update{Kind: transport.UpdateEvent, Event: a.messageEvent(m, engine.EventMessage)})
		return nil
	})

	a.bot.Handle(tele.OnEdited, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		a.push(transport.Update{Kind: transport.UpdateEvent, Event: a.messageEvent(m, engine.EventEdit)})
		return nil
	})

	a.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		joined := m.UsersJoined
		if len(joined) == 0 && m.UserJoined != nil {
			joined = []tele.User{*m.UserJoined}
		}
		for i := range joined {
			u := &joined[i]
			ev := &engine.Event{
				ID:        fmt.Sprintf("j%d.%d.%d", m.Chat.ID, u.ID, m.Unixtime),
				Subject:   a.subject(u.ID, m.Chat.ID),
				ChannelID: m.Chat.ID,
				Kind:      engine.EventJoin,
				Timestamp: time.Unix(m.Unixtime, 0),
			}
			a.push(transport.Update{Kind: transport.UpdateEvent, Event: ev})
		}
		return nil
	})

	a.bot.Handle(tele.OnMessageReaction, func(c tele.Context) error {
		mr := c.Update().MessageReaction
		if mr == nil || mr.User == nil || mr.Chat == nil {
			return nil
		}
		ev := &engine.Event{
			ID:        fmt.Sprintf("r%d.%d.%d.%d", mr.Chat.ID, mr.MessageID, mr.User.ID, mr.DateUnixtime),
			Subject:   a.subject(mr.User.ID, mr.Chat.ID),
			ChannelID: mr.Chat.ID,
			Kind:      engine.EventReaction,
			Timestamp: time.Unix(mr.DateUnixtime, 0),
			Payload:   engine.Payload{MessageID: mr.MessageID},
		}
		a.push(transport.Update{Kind: transport.UpdateEvent, Event: ev})
		return nil
	})
}

func (a *Adapter) messageEvent(m *tele.Message, kind engine.EventKind) *engine.Event {
	prefix := "m"
	if kind == engine.EventEdit {
		prefix = "e"
	}
	ts := m.Unixtime
	if kind == engine.EventEdit && m.LastEdit > 0 {
		ts = m.LastEdit
	}
	return &engine.Event{
		// Telegram message ids are unique per chat; edits reuse the id, so the
		// edit timestamp keeps every revision distinct.
		ID:        fmt.Sprintf("%s%d.%d.%d", prefix, m.Chat.ID, m.ID, ts),
		Subject:   a.subject(m.Sender.ID, m.Chat.ID),
		ChannelID: m.Chat.ID,
		Kind:      kind,
		Timestamp: time.Unix(ts, 0),
		Payload: engine.Payload{
			MessageID: m.ID,
			Text:      m.Text,
			Forwarded: m.Origin != nil,
		},
	}
}

// parseCommand recognizes admin slash commands. Non-admin slash messages are
// ordinary events (rules may well want to count them).
func (a *Adapter) parseCommand(m *tele.Message) *transport.Command {
	if !strings.HasPrefix(m.Text, "/") || !a.admins[m.Sender.ID] {
		return nil
	}
	fields := strings.Fields(m.Text)
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "revoke", "trust", "untrust", "status":
	default:
		return nil
	}
	cmd := &transport.Command{
		Name:    name,
		Args:    fields[1:],
		FromID:  m.Sender.ID,
		ReplyTo: transport.ChatTarget{ChatID: m.Chat.ID, ThreadID: m.ThreadID},
	}
	// Target: an explicit user id argument, or the sender of the replied-to
	// message.
	if len(fields) > 1 {
		if uid, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			cmd.Subject = a.subject(uid, m.Chat.ID)
		}
	}
	if cmd.Subject.UserID == 0 && m.ReplyTo != nil && m.ReplyTo.Sender != nil {
		cmd.Subject = a.subject(m.ReplyTo.Sender.ID, m.Chat.ID)
	}
	return cmd
}

func (a *Adapter) push(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)",
					logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; run it under a restart loop so the
	// adapter self-heals if the poll loop exits unexpectedly.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// Keep shutdown snappy even if the long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

const textLimit = 4000

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if rs := []rune(text); len(rs) > textLimit {
		text = string(rs[:textLimit])
	}
	_, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	})
	return err
}
