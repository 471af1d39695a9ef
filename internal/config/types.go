package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage selects the persistence backend for subject state and the
	// audit trail. Omitted means in-memory (state lost on restart).
	Storage *StorageConfig `json:"storage,omitempty"`

	// Counters selects the window-counter backend. Omitted means in-memory;
	// use redis when several processes must share rate state.
	Counters CountersConfig `json:"counters,omitempty"`

	Metrics     MetricsConfig     `json:"metrics,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// Moderation is the engine policy: rules, escalation table, windows.
	// It is validated at startup; malformed policy never reaches event
	// handling.
	Moderation ModerationConfig `json:"moderation"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserIDs may issue revoke/trust/status commands. Their ordinary
	// messages still run through the rules like anyone else's.
	AdminUserIDs []int64 `json:"admin_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./warden_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type CountersConfig struct {
	Backend  string `json:"backend,omitempty"` // "memory" (default) or "redis"
	RedisURL string `json:"redis_url,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9092"
}

// MaintenanceConfig controls the periodic compaction sweep. Compaction is an
// optimization only; disabling it never changes moderation behavior.
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron expression, default "*/30 * * * *"
}

type ModerationConfig struct {
	// Scope picks the subject granularity: "chat" tracks (user, chat) pairs,
	// "global" tracks a user across all chats.
	Scope string `json:"scope,omitempty"`

	// DecayWindow is how long a violation keeps counting toward the
	// escalation score. Go duration string, required.
	DecayWindow string `json:"decay_window"`

	// Windows maps counter metrics (msg, edit, join, react) to tumbling
	// window sizes. Every rate rule's metric must have a window.
	Windows map[string]string `json:"windows"`

	// Durations supplies natural expiries per action ("mute": "1h").
	// Actions without an entry never expire on their own.
	Durations map[string]string `json:"durations,omitempty"`

	// Escalation maps cumulative severity scores to actions. Scores must be
	// strictly increasing, actions non-decreasing in harshness.
	Escalation []EscalationStepConfig `json:"escalation"`

	// Rules run in the order given here; order is the tie-breaker when two
	// rules match with equal severity.
	Rules []RuleConfig `json:"rules"`
}

type EscalationStepConfig struct {
	Score  int    `json:"score"`
	Action string `json:"action"`
}

// RuleConfig is one rule definition. Type selects the variant and which of
// the remaining fields apply:
//
//   - "rate":    kind, threshold
//   - "content": predicate ("keyword"|"links"|"score"|"forward") plus
//     words / block_all+blocklist+allowlist / score_threshold
//   - "repeat":  watch (another rule id), max_count
type RuleConfig struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Severity int    `json:"severity"`

	Kind      string `json:"kind,omitempty"`
	Threshold int    `json:"threshold,omitempty"`

	Predicate      string   `json:"predicate,omitempty"`
	Words          []string `json:"words,omitempty"`
	BlockAll       bool     `json:"block_all,omitempty"`
	Blocklist      []string `json:"blocklist,omitempty"`
	Allowlist      []string `json:"allowlist,omitempty"`
	ScoreThreshold float64  `json:"score_threshold,omitempty"`

	Watch    string `json:"watch,omitempty"`
	MaxCount int    `json:"max_count,omitempty"`
}
