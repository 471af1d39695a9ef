package config

import (
	"fmt"
	"strings"

	"warden/internal/engine"
)

var validEventKinds = map[string]bool{
	string(engine.EventMessage):  true,
	string(engine.EventEdit):     true,
	string(engine.EventJoin):     true,
	string(engine.EventReaction): true,
}

var validPredicates = map[string]bool{
	"keyword": true,
	"links":   true,
	"score":   true,
	"forward": true,
}

// Validate performs the structural checks that must fail at startup, never
// at event-handling time. The engine constructors repeat the deep invariants
// (escalation monotonicity, window positivity) when components are built.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return err
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Counters.Backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Counters.RedisURL) == "" {
			return fmt.Errorf("counters.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("counters.backend: unknown backend %q", c.Counters.Backend)
	}
	return c.Moderation.validate()
}

func (m *ModerationConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(m.Scope)) {
	case "", "chat", "global":
	default:
		return fmt.Errorf("moderation.scope: unknown scope %q", m.Scope)
	}

	d, err := ParseDurationField("moderation.decay_window", m.DecayWindow)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("moderation.decay_window must be positive")
	}

	for metric, raw := range m.Windows {
		w, err := ParseDurationField("moderation.windows."+metric, raw)
		if err != nil {
			return err
		}
		if w <= 0 {
			return fmt.Errorf("moderation.windows.%s must be positive", metric)
		}
	}

	for action, raw := range m.Durations {
		if _, err := engine.ParseActionKind(action); err != nil {
			return fmt.Errorf("moderation.durations: %w", err)
		}
		if _, err := ParseDurationField("moderation.durations."+action, raw); err != nil {
			return err
		}
	}

	if err := m.validateEscalation(); err != nil {
		return err
	}
	return m.validateRules()
}

func (m *ModerationConfig) validateEscalation() error {
	if len(m.Escalation) == 0 {
		return fmt.Errorf("moderation.escalation: at least one step is required")
	}
	for i, st := range m.Escalation {
		kind, err := engine.ParseActionKind(st.Action)
		if err != nil {
			return fmt.Errorf("moderation.escalation[%d]: %w", i, err)
		}
		if st.Score < 0 {
			return fmt.Errorf("moderation.escalation[%d]: negative score %d", i, st.Score)
		}
		if i == 0 {
			continue
		}
		prev := m.Escalation[i-1]
		if st.Score <= prev.Score {
			return fmt.Errorf("moderation.escalation: scores must be strictly increasing (%d after %d)", st.Score, prev.Score)
		}
		prevKind, _ := engine.ParseActionKind(prev.Action)
		if kind.Weight() < prevKind.Weight() {
			return fmt.Errorf("moderation.escalation: action %q cannot follow harsher %q", st.Action, prev.Action)
		}
	}
	return nil
}

func (m *ModerationConfig) validateRules() error {
	if len(m.Rules) == 0 {
		return fmt.Errorf("moderation.rules: at least one rule is required")
	}
	ids := make(map[string]bool, len(m.Rules))
	rateKinds := make(map[string]string)
	for i, r := range m.Rules {
		at := fmt.Sprintf("moderation.rules[%d]", i)
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("%s: id is required", at)
		}
		if ids[r.ID] {
			return fmt.Errorf("%s: duplicate id %q", at, r.ID)
		}
		ids[r.ID] = true
		if r.Severity < 1 {
			return fmt.Errorf("%s: severity must be >= 1", at)
		}

		switch r.Type {
		case "rate":
			if !validEventKinds[r.Kind] {
				return fmt.Errorf("%s: unknown event kind %q", at, r.Kind)
			}
			if r.Threshold < 1 {
				return fmt.Errorf("%s: threshold must be >= 1", at)
			}
			metric := engine.EventKind(r.Kind).Metric()
			if _, ok := m.Windows[metric]; !ok {
				return fmt.Errorf("%s: no window configured for metric %q", at, metric)
			}
			// A second rate rule on the same kind would record every event
			// twice on the shared counter.
			if prev, dup := rateKinds[r.Kind]; dup {
				return fmt.Errorf("%s: rate rule for kind %q already defined by %q", at, r.Kind, prev)
			}
			rateKinds[r.Kind] = r.ID
		case "content":
			if !validPredicates[r.Predicate] {
				return fmt.Errorf("%s: unknown predicate %q", at, r.Predicate)
			}
			if r.Predicate == "keyword" && len(r.Words) == 0 {
				return fmt.Errorf("%s: keyword predicate needs words", at)
			}
			if r.Predicate == "score" && (r.ScoreThreshold <= 0 || r.ScoreThreshold > 1) {
				return fmt.Errorf("%s: score_threshold must be in (0,1]", at)
			}
		case "repeat":
			if r.Watch == "" {
				return fmt.Errorf("%s: watch rule id is required", at)
			}
			if r.Watch == r.ID {
				return fmt.Errorf("%s: rule cannot watch itself", at)
			}
			if r.MaxCount < 1 {
				return fmt.Errorf("%s: max_count must be >= 1", at)
			}
		default:
			return fmt.Errorf("%s: unknown rule type %q", at, r.Type)
		}
	}

	// Repeat rules must reference a rule that actually exists.
	for i, r := range m.Rules {
		if r.Type == "repeat" && !ids[r.Watch] {
			return fmt.Errorf("moderation.rules[%d]: watch references unknown rule %q", i, r.Watch)
		}
	}
	return nil
}
