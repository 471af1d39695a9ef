package app

import (
	"fmt"
	"time"

	"warden/internal/config"
	"warden/internal/engine"
	"warden/internal/engine/counters"
	"warden/internal/storage"
)

// buildRules translates the validated rule configs into engine rules. Order
// is preserved; it is the severity tie-breaker.
func buildRules(rcs []config.RuleConfig) ([]engine.Rule, error) {
	rules := make([]engine.Rule, 0, len(rcs))
	for _, rc := range rcs {
		switch rc.Type {
		case "rate":
			rules = append(rules, &engine.RateLimitRule{
				RuleID:    rc.ID,
				Severity:  rc.Severity,
				Kind:      engine.EventKind(rc.Kind),
				Threshold: rc.Threshold,
			})
		case "content":
			pred, err := buildPredicate(rc)
			if err != nil {
				return nil, err
			}
			rules = append(rules, &engine.ContentRule{
				RuleID:   rc.ID,
				Severity: rc.Severity,
				Check:    pred,
			})
		case "repeat":
			rules = append(rules, &engine.RepeatOffenseRule{
				RuleID:      rc.ID,
				Severity:    rc.Severity,
				WatchRuleID: rc.Watch,
				MaxCount:    rc.MaxCount,
			})
		default:
			return nil, fmt.Errorf("rule %s: unknown type %q", rc.ID, rc.Type)
		}
	}
	return rules, nil
}

func buildPredicate(rc config.RuleConfig) (engine.Predicate, error) {
	switch rc.Predicate {
	case "keyword":
		return engine.KeywordPredicate(rc.Words), nil
	case "links":
		return engine.LinkPredicate(rc.BlockAll, rc.Blocklist, rc.Allowlist), nil
	case "score":
		return engine.ScorePredicate(rc.ScoreThreshold), nil
	case "forward":
		return engine.ForwardPredicate(), nil
	default:
		return nil, fmt.Errorf("rule %s: unknown predicate %q", rc.ID, rc.Predicate)
	}
}

func buildPolicy(m config.ModerationConfig) (*engine.EscalationPolicy, error) {
	decay, err := config.ParseDurationField("moderation.decay_window", m.DecayWindow)
	if err != nil {
		return nil, err
	}
	steps := make([]engine.EscalationStep, 0, len(m.Escalation))
	for i, st := range m.Escalation {
		kind, err := engine.ParseActionKind(st.Action)
		if err != nil {
			return nil, fmt.Errorf("moderation.escalation[%d]: %w", i, err)
		}
		steps = append(steps, engine.EscalationStep{Threshold: st.Score, Action: kind})
	}
	return engine.NewEscalationPolicy(steps, decay)
}

func buildWindows(m config.ModerationConfig) (counters.Windows, error) {
	w := make(counters.Windows, len(m.Windows))
	for metric, raw := range m.Windows {
		d, err := config.ParseDurationField("moderation.windows."+metric, raw)
		if err != nil {
			return nil, err
		}
		w[metric] = d
	}
	return w, nil
}

func buildDurations(m config.ModerationConfig) (map[engine.ActionKind]time.Duration, error) {
	out := make(map[engine.ActionKind]time.Duration, len(m.Durations))
	for action, raw := range m.Durations {
		kind, err := engine.ParseActionKind(action)
		if err != nil {
			return nil, fmt.Errorf("moderation.durations: %w", err)
		}
		d, err := config.ParseDurationField("moderation.durations."+action, raw)
		if err != nil {
			return nil, err
		}
		out[kind] = d
	}
	return out, nil
}

func buildCounters(cc config.CountersConfig, w counters.Windows) (counters.Store, error) {
	switch cc.Backend {
	case "", "memory":
		return counters.NewMemStore(w)
	case "redis":
		return counters.NewRedisStore(cc.RedisURL, w)
	default:
		return nil, fmt.Errorf("counters.backend: unknown backend %q", cc.Backend)
	}
}

// mapStorageConfig translates the optional storage section into the storage
// layer's config. A nil section means in-memory.
func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	out := storage.Config{Driver: sc.Driver, Path: sc.Path}
	if sc.BusyTimeout != "" {
		d, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = d
	}
	return out, nil
}
