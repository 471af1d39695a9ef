package telegram

import (
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"warden/internal/engine"
)

func testAdapter(global bool) *Adapter {
	return &Adapter{
		cfg:    Config{GlobalScope: global},
		admins: map[int64]bool{42: true},
	}
}

func TestMessageEventMapping(t *testing.T) {
	t.Parallel()

	a := testAdapter(false)
	m := &tele.Message{
		ID:       100,
		Chat:     &tele.Chat{ID: -500},
		Sender:   &tele.User{ID: 7},
		Text:     "hello",
		Unixtime: 1700000000,
	}

	ev := a.messageEvent(m, engine.EventMessage)
	if ev.ID != "m-500.100.1700000000" {
		t.Fatalf("id = %q", ev.ID)
	}
	if ev.Subject != (engine.Subject{UserID: 7, ScopeID: -500}) {
		t.Fatalf("subject = %+v", ev.Subject)
	}
	if ev.Kind != engine.EventMessage || ev.Payload.Text != "hello" || ev.Payload.Forwarded {
		t.Fatalf("event = %+v", ev)
	}
	if !ev.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp = %v", ev.Timestamp)
	}

	// Edits reuse the message id; the edit time keeps revisions distinct.
	m.LastEdit = 1700000050
	edit := a.messageEvent(m, engine.EventEdit)
	if edit.ID != "e-500.100.1700000050" || edit.Kind != engine.EventEdit {
		t.Fatalf("edit event = %+v", edit)
	}
	if edit.ID == ev.ID {
		t.Fatalf("edit event id collides with original message")
	}
}

func TestGlobalScopeSubject(t *testing.T) {
	t.Parallel()

	a := testAdapter(true)
	sub := a.subject(7, -500)
	if sub != (engine.Subject{UserID: 7}) {
		t.Fatalf("subject = %+v, want chat-independent", sub)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	a := testAdapter(false)
	chat := &tele.Chat{ID: -500}

	cases := []struct {
		name string
		msg  *tele.Message
		want *string // command name, nil when no command expected
	}{
		{
			name: "admin revoke with id",
			msg:  &tele.Message{Chat: chat, Sender: &tele.User{ID: 42}, Text: "/revoke 7 mute"},
			want: strp("revoke"),
		},
		{
			name: "bot-suffixed command",
			msg:  &tele.Message{Chat: chat, Sender: &tele.User{ID: 42}, Text: "/status@wardenbot 7"},
			want: strp("status"),
		},
		{
			name: "non-admin slash text is not a command",
			msg:  &tele.Message{Chat: chat, Sender: &tele.User{ID: 7}, Text: "/revoke 42 mute"},
			want: nil,
		},
		{
			name: "unknown command ignored",
			msg:  &tele.Message{Chat: chat, Sender: &tele.User{ID: 42}, Text: "/dance"},
			want: nil,
		},
		{
			name: "plain text",
			msg:  &tele.Message{Chat: chat, Sender: &tele.User{ID: 42}, Text: "hello"},
			want: nil,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cmd := a.parseCommand(tc.msg)
			if tc.want == nil {
				if cmd != nil {
					t.Fatalf("unexpected command %+v", cmd)
				}
				return
			}
			if cmd == nil || cmd.Name != *tc.want {
				t.Fatalf("command = %+v, want %q", cmd, *tc.want)
			}
		})
	}
}

func TestParseCommandTargets(t *testing.T) {
	t.Parallel()

	a := testAdapter(false)
	chat := &tele.Chat{ID: -500}

	cmd := a.parseCommand(&tele.Message{Chat: chat, Sender: &tele.User{ID: 42}, Text: "/trust 7"})
	if cmd == nil || cmd.Subject != (engine.Subject{UserID: 7, ScopeID: -500}) {
		t.Fatalf("explicit target: %+v", cmd)
	}

	// Replying to a message targets its sender.
	cmd = a.parseCommand(&tele.Message{
		Chat:    chat,
		Sender:  &tele.User{ID: 42},
		Text:    "/revoke mute",
		ReplyTo: &tele.Message{Sender: &tele.User{ID: 9}},
	})
	if cmd == nil || cmd.Subject != (engine.Subject{UserID: 9, ScopeID: -500}) {
		t.Fatalf("reply target: %+v", cmd)
	}
}

func strp(s string) *string { return &s }
