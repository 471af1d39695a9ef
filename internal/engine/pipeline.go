package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/engine/counters"
	"warden/internal/storage"
	logx "warden/pkg/logx"
)

const lockStripes = 256

// LockTable holds the striped per-subject mutexes. It lives outside the
// Pipeline so that every pipeline generation built over one store shares the
// same stripes: a policy reload swaps the pipeline but must never let the old
// and new instance run the load-mutate-save cycle for one subject at once.
type LockTable struct {
	stripes [lockStripes]sync.Mutex
}

func NewLockTable() *LockTable { return &LockTable{} }

// For returns the stripe serializing the given subject.
func (t *LockTable) For(sub Subject) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sub.Key()))
	return &t.stripes[h.Sum32()%lockStripes]
}

// Pipeline orchestrates one event through rule evaluation, escalation and
// dispatch.
//
// Events for different subjects run in parallel; events for the same subject
// are strictly serialized by a striped lock keyed on the subject, so the
// escalation score always sees a consistent view of that subject's history.
type Pipeline struct {
	rules    *RuleSet
	policy   *EscalationPolicy
	disp     *Dispatcher
	store    storage.Store
	counters counters.Store
	log      logx.Logger
	nowfn    func() time.Time
	locks    *LockTable
}

// NewPipeline builds a pipeline. A nil locks table gets a fresh one; callers
// that rebuild pipelines over a shared store must pass the same table to
// every generation.
func NewPipeline(rules *RuleSet, policy *EscalationPolicy, disp *Dispatcher, store storage.Store, cnt counters.Store, locks *LockTable, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	if locks == nil {
		locks = NewLockTable()
	}
	return &Pipeline{
		rules:    rules,
		policy:   policy,
		disp:     disp,
		store:    store,
		counters: cnt,
		log:      log,
		nowfn:    time.Now,
		locks:    locks,
	}
}

// SetNow overrides the wall clock (tests).
func (p *Pipeline) SetNow(fn func() time.Time) { p.nowfn = fn }

func (p *Pipeline) lockFor(sub Subject) *sync.Mutex { return p.locks.For(sub) }

// Handle is the sole per-event entry point. It returns the audit entry for
// the decision taken; a store failure is a hard error since the pipeline
// cannot proceed without a consistent subject read.
func (p *Pipeline) Handle(ctx context.Context, ev Event) (storage.AuditEntry, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.nowfn()
	}
	start := p.nowfn()
	defer func() {
		eventProcessDuration.WithLabelValues(string(ev.Kind)).Observe(p.nowfn().Sub(start).Seconds())
	}()
	eventProcessCount.WithLabelValues(string(ev.Kind)).Inc()

	mu := p.lockFor(ev.Subject)
	mu.Lock()
	defer mu.Unlock()

	// Resends are answered with the original result before any counting or
	// state mutation happens.
	if prev, ok, err := p.store.AuditByEvent(ctx, ev.ID); err != nil {
		return storage.AuditEntry{}, fmt.Errorf("audit lookup: %w", err)
	} else if ok {
		return prev, nil
	}

	st, found, err := p.loadState(ctx, ev.Subject)
	if err != nil {
		return storage.AuditEntry{}, err
	}
	if found {
		if err := p.disp.NoteExpiries(ctx, st, ev.Timestamp); err != nil {
			return storage.AuditEntry{}, err
		}
	}

	ec := &EvalContext{
		Event:    ev,
		State:    st,
		Counters: p.counters,
		Now:      ev.Timestamp,
		Decay:    p.policy.Decay(),
	}
	verdict := p.rules.EvaluateAll(ctx, ec)
	if !verdict.Matched {
		// No rule fired: nothing beyond window counts is touched, and the
		// no-op entry is not persisted.
		return storage.AuditEntry{
			ID:         uuid.NewString(),
			At:         ev.Timestamp,
			EventID:    ev.ID,
			SubjectKey: ev.Subject.Key(),
			Action:     string(ActionNone),
		}, nil
	}

	kind, score := p.policy.Resolve(st, verdict, ev.Timestamp)
	entry, _, err := p.disp.Apply(ctx, st, ev, verdict, kind, score)
	return entry, err
}

// Revoke is the manual override path (moderator-issued unmute and similar).
func (p *Pipeline) Revoke(ctx context.Context, sub Subject, kind ActionKind, reason string) (storage.AuditEntry, error) {
	if !kind.Valid() || kind == ActionNone {
		return storage.AuditEntry{}, fmt.Errorf("cannot revoke action kind %q", kind)
	}
	mu := p.lockFor(sub)
	mu.Lock()
	defer mu.Unlock()

	st, found, err := p.loadState(ctx, sub)
	if err != nil {
		return storage.AuditEntry{}, err
	}
	if !found {
		return storage.AuditEntry{}, ErrUnknownSubject
	}
	now := p.nowfn()
	if err := p.disp.NoteExpiries(ctx, st, now); err != nil {
		return storage.AuditEntry{}, err
	}
	return p.disp.RevokePenalty(ctx, st, kind, reason, now)
}

// SubjectState returns a read-only snapshot with decay and lazy expiry
// applied as of now.
func (p *Pipeline) SubjectState(ctx context.Context, sub Subject) (StateView, error) {
	mu := p.lockFor(sub)
	mu.Lock()
	defer mu.Unlock()

	st, found, err := p.loadState(ctx, sub)
	if err != nil {
		return StateView{}, err
	}
	if !found {
		return StateView{}, ErrUnknownSubject
	}
	return st.View(p.policy.Decay(), p.nowfn()), nil
}

// SetTrust flags a subject as trusted and/or whitelisted, creating the
// subject record if needed. Trusted subjects bypass content rules.
func (p *Pipeline) SetTrust(ctx context.Context, sub Subject, trusted, whitelisted bool) error {
	mu := p.lockFor(sub)
	mu.Lock()
	defer mu.Unlock()

	st, _, err := p.loadState(ctx, sub)
	if err != nil {
		return err
	}
	st.Trusted = trusted
	st.Whitelisted = whitelisted
	st.UpdatedAt = p.nowfn()
	return p.disp.saveState(ctx, st)
}

// Compact physically prunes decayed violations and dead penalties across all
// stored subjects. Observable semantics are unchanged (decay and expiry are
// read-time computations); this only bounds storage growth.
func (p *Pipeline) Compact(ctx context.Context) (int, error) {
	keys, err := p.store.ListStateKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("state list: %w", err)
	}
	now := p.nowfn()
	compacted := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return compacted, ctx.Err()
		}
		sub, ok := parseSubjectKey(key)
		if !ok {
			continue
		}
		mu := p.lockFor(sub)
		mu.Lock()
		st, found, err := p.loadState(ctx, sub)
		if err == nil && found {
			// Audit a natural expiry before its penalty is pruned.
			err = p.disp.NoteExpiries(ctx, st, now)
		}
		if err == nil && found {
			before := len(st.Violations) + len(st.Penalties)
			st.Compact(p.policy.Decay(), now)
			if len(st.Violations)+len(st.Penalties) != before {
				err = p.disp.saveState(ctx, st)
				if err == nil {
					compacted++
				}
			}
		}
		mu.Unlock()
		if err != nil {
			p.log.Warn("compact failed for subject", logx.String("subject", key), logx.Err(err))
		}
	}
	return compacted, nil
}

func (p *Pipeline) loadState(ctx context.Context, sub Subject) (*SubjectState, bool, error) {
	b, found, err := p.store.LoadState(ctx, sub.Key())
	if err != nil {
		return nil, false, fmt.Errorf("state load: %w", err)
	}
	if !found {
		return NewSubjectState(sub, p.nowfn()), false, nil
	}
	var st SubjectState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, false, fmt.Errorf("state decode for %s: %w", sub.Key(), err)
	}
	if st.Penalties == nil {
		st.Penalties = make(map[ActionKind]*Penalty)
	}
	return &st, true, nil
}

func parseSubjectKey(key string) (Subject, bool) {
	var sub Subject
	if _, err := fmt.Sscanf(key, "%d/%d", &sub.UserID, &sub.ScopeID); err != nil {
		return Subject{}, false
	}
	return sub, true
}
