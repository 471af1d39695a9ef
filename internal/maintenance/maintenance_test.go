package maintenance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"warden/internal/engine"
	"warden/internal/engine/counters"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

func newPipeline(t *testing.T, cs *counters.MemStore) *engine.Pipeline {
	t.Helper()
	rules, err := engine.NewRuleSet([]engine.Rule{
		&engine.RateLimitRule{RuleID: "flood", Severity: 1, Kind: engine.EventMessage, Threshold: 1},
	}, logx.Nop())
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	policy, err := engine.NewEscalationPolicy([]engine.EscalationStep{
		{Threshold: 0, Action: engine.ActionNone},
	}, time.Hour)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	store := storage.NewMemStore()
	disp := engine.NewDispatcher(store, nil, nil, engine.DispatcherConfig{}, logx.Nop())
	return engine.NewPipeline(rules, policy, disp, store, cs, nil, logx.Nop())
}

func TestNewRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Schedule: "not a cron line"}, nil, nil, logx.Nop()); err == nil {
		t.Fatalf("expected schedule parse error")
	}
	if _, err := New(Config{Schedule: "@hourly"}, nil, nil, logx.Nop()); err != nil {
		t.Fatalf("descriptor schedule rejected: %v", err)
	}
}

func TestRunOnceSweeps(t *testing.T) {
	t.Parallel()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cs, err := counters.NewMemStore(counters.Windows{"msg": time.Minute})
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	pipe := newPipeline(t, cs)
	pipe.SetNow(func() time.Time { return base })

	ctx := context.Background()
	sub := engine.Subject{UserID: 1, ScopeID: 5}
	for i := 0; i < 3; i++ {
		_, err := pipe.Handle(ctx, engine.Event{
			ID:        fmt.Sprintf("ev-%d", i),
			Subject:   sub,
			Kind:      engine.EventMessage,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	// Long after decay everything is prunable.
	pipe.SetNow(func() time.Time { return base.Add(48 * time.Hour) })
	svc, err := New(Config{}, pipe, cs, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.RunOnce(ctx)

	view, err := pipe.SubjectState(ctx, sub)
	if err != nil {
		t.Fatalf("SubjectState: %v", err)
	}
	if len(view.Violations) != 0 {
		t.Fatalf("violations survived the sweep: %+v", view.Violations)
	}
	if n, _ := cs.Peek(ctx, sub.Key(), "msg", base.Add(time.Second)); n != 0 {
		t.Fatalf("stale counter bucket survived: %d", n)
	}
}
