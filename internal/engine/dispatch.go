package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/internal/eventbus"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

// Executor is the platform-facing collaborator that actually enforces an
// action (restrict/kick/ban API calls). Failures are recorded, never
// retried here; retry policy belongs to the executor itself.
type Executor interface {
	Execute(ctx context.Context, sub Subject, kind ActionKind, duration time.Duration) error
	Revoke(ctx context.Context, sub Subject, kind ActionKind) error
}

// DispatcherConfig carries the per-action natural durations. Zero means no
// natural expiry (the default for kick and ban).
type DispatcherConfig struct {
	Durations map[ActionKind]time.Duration
}

// Dispatcher applies resolved actions exactly once per triggering event and
// owns the audit trail: it is the only writer of AuditEntries.
//
// Per (subject, kind) the penalty moves none -> active -> expired. Expiry is
// lazy; Revoke forces it. Callers must hold the subject's serialization lock.
type Dispatcher struct {
	store storage.Store
	exec  Executor
	bus   eventbus.Bus
	log   logx.Logger
	cfg   DispatcherConfig
}

func NewDispatcher(store storage.Store, exec Executor, bus eventbus.Bus, cfg DispatcherConfig, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{store: store, exec: exec, bus: bus, log: log, cfg: cfg}
}

// Apply records the violation, applies (or extends) the penalty, invokes the
// executor once, and appends the audit entry.
//
// The returned bool is false when the event id was already dispatched; the
// previously written entry is returned unchanged in that case (idempotence).
func (d *Dispatcher) Apply(ctx context.Context, st *SubjectState, ev Event, verdict Verdict, kind ActionKind, score int) (storage.AuditEntry, bool, error) {
	now := ev.Timestamp

	// Idempotence guard: one applied action per triggering event, ever.
	if prev, ok, err := d.store.AuditByEvent(ctx, ev.ID); err != nil {
		return storage.AuditEntry{}, false, fmt.Errorf("audit lookup: %w", err)
	} else if ok {
		actionsDeduped.Inc()
		return prev, false, nil
	}

	st.AddViolation(ViolationRecord{RuleID: verdict.RuleID, At: now, Severity: verdict.Severity})

	var extended bool
	if kind != ActionNone {
		if p := st.ActivePenalty(kind, now); p != nil {
			// Anti-stacking: a repeat of an active kind extends the expiry
			// instead of creating a second penalty.
			if dur := d.cfg.Durations[kind]; dur > 0 {
				exp := now.Add(dur)
				p.ExpiresAt = &exp
			}
			st.UpdatedAt = now
			extended = true
		} else {
			np := &Penalty{Kind: kind, AppliedAt: now, SourceEventID: ev.ID}
			if dur := d.cfg.Durations[kind]; dur > 0 {
				exp := now.Add(dur)
				np.ExpiresAt = &exp
			}
			st.setPenalty(np, now)
		}
	}

	if err := d.saveState(ctx, st); err != nil {
		return storage.AuditEntry{}, false, err
	}

	// The platform call happens after the state mutation is committed; its
	// outcome still lands in the audit entry before the caller releases the
	// subject lock.
	var execErr error
	if kind != ActionNone && d.exec != nil {
		execErr = d.exec.Execute(ctx, st.Subject, kind, d.cfg.Durations[kind])
		if execErr != nil {
			executorFailures.WithLabelValues(string(kind)).Inc()
			d.log.Warn("action executor failed",
				logx.String("subject", st.Subject.Key()),
				logx.String("action", string(kind)),
				logx.Err(execErr))
		}
	}

	entry := storage.AuditEntry{
		ID:         uuid.NewString(),
		At:         now,
		EventID:    ev.ID,
		SubjectKey: st.Subject.Key(),
		RuleID:     verdict.RuleID,
		Severity:   verdict.Severity,
		Score:      score,
		Action:     string(kind),
		Reason:     verdict.Reason,
		ExecFailed: execErr != nil,
	}
	if err := d.store.AppendAudit(ctx, entry); err != nil {
		return storage.AuditEntry{}, false, fmt.Errorf("audit append: %w", err)
	}

	actionsTaken.WithLabelValues(string(kind)).Inc()
	d.publish(eventbus.TypeAction, entry)
	d.log.Info("action dispatched",
		logx.String("subject", st.Subject.Key()),
		logx.String("rule", verdict.RuleID),
		logx.String("action", string(kind)),
		logx.Int("score", score),
		logx.Bool("extended", extended),
		logx.Bool("exec_failed", execErr != nil))
	return entry, true, nil
}

// RevokePenalty forces an active penalty to expired now (manual override,
// e.g. moderator unmute) and appends its own audit entry.
func (d *Dispatcher) RevokePenalty(ctx context.Context, st *SubjectState, kind ActionKind, reason string, now time.Time) (storage.AuditEntry, error) {
	p := st.ActivePenalty(kind, now)
	if p == nil {
		return storage.AuditEntry{}, ErrNoActivePenalty
	}
	p.Revoked = true
	exp := now
	p.ExpiresAt = &exp
	st.UpdatedAt = now

	if err := d.saveState(ctx, st); err != nil {
		return storage.AuditEntry{}, err
	}

	var execErr error
	if d.exec != nil {
		execErr = d.exec.Revoke(ctx, st.Subject, kind)
		if execErr != nil {
			executorFailures.WithLabelValues("revoke_" + string(kind)).Inc()
			d.log.Warn("revoke executor failed",
				logx.String("subject", st.Subject.Key()),
				logx.String("action", string(kind)),
				logx.Err(execErr))
		}
	}

	entry := storage.AuditEntry{
		ID:         uuid.NewString(),
		At:         now,
		EventID:    "revoke-" + uuid.NewString(),
		SubjectKey: st.Subject.Key(),
		Action:     "revoke_" + string(kind),
		Reason:     reason,
		ExecFailed: execErr != nil,
	}
	if err := d.store.AppendAudit(ctx, entry); err != nil {
		return storage.AuditEntry{}, fmt.Errorf("audit append: %w", err)
	}

	actionsTaken.WithLabelValues(entry.Action).Inc()
	d.publish(eventbus.TypeRevoke, entry)
	d.log.Info("penalty revoked",
		logx.String("subject", st.Subject.Key()),
		logx.String("action", string(kind)),
		logx.String("reason", reason))
	return entry, nil
}

// NoteExpiries records the lazy active -> expired transition for penalties
// whose natural expiry has passed: the state is updated and one audit entry
// is appended per lapsed penalty. Revoked penalties were audited at revoke
// time and are skipped.
func (d *Dispatcher) NoteExpiries(ctx context.Context, st *SubjectState, now time.Time) error {
	var lapsed []*Penalty
	for _, p := range st.Penalties {
		if p.Revoked || p.Lapsed || p.ExpiresAt == nil || p.Active(now) {
			continue
		}
		p.Lapsed = true
		lapsed = append(lapsed, p)
	}
	if len(lapsed) == 0 {
		return nil
	}
	st.UpdatedAt = now
	if err := d.saveState(ctx, st); err != nil {
		return err
	}
	for _, p := range lapsed {
		entry := storage.AuditEntry{
			ID:         uuid.NewString(),
			At:         *p.ExpiresAt,
			EventID:    "expire-" + uuid.NewString(),
			SubjectKey: st.Subject.Key(),
			Action:     "expire_" + string(p.Kind),
			Reason:     "penalty expired",
		}
		if err := d.store.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("audit append: %w", err)
		}
		d.publish(eventbus.TypeExpire, entry)
		d.log.Debug("penalty lapsed",
			logx.String("subject", st.Subject.Key()),
			logx.String("action", string(p.Kind)))
	}
	return nil
}

func (d *Dispatcher) saveState(ctx context.Context, st *SubjectState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state marshal: %w", err)
	}
	if err := d.store.SaveState(ctx, st.Subject.Key(), b); err != nil {
		return fmt.Errorf("state save: %w", err)
	}
	return nil
}

func (d *Dispatcher) publish(typ string, entry storage.AuditEntry) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Entry: entry})
}
