package config

import (
	"reflect"
	"sort"
	"strings"

	logx "warden/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminUserIDs, newCfg.Telegram.AdminUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminUserIDs)),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (nil means in-memory)
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	// Counters (never log redis credentials embedded in the URL)
	if strings.TrimSpace(oldCfg.Counters.Backend) != strings.TrimSpace(newCfg.Counters.Backend) ||
		strings.TrimSpace(oldCfg.Counters.RedisURL) != strings.TrimSpace(newCfg.Counters.RedisURL) {
		changed = append(changed, "counters")
		attrs = append(attrs,
			logx.String("counters.backend", strings.TrimSpace(newCfg.Counters.Backend)),
			logx.Bool("counters.redis_url_set", strings.TrimSpace(newCfg.Counters.RedisURL) != ""),
		)
	}

	// Metrics
	if oldCfg.Metrics.Enabled != newCfg.Metrics.Enabled ||
		strings.TrimSpace(oldCfg.Metrics.Addr) != strings.TrimSpace(newCfg.Metrics.Addr) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
		)
	}

	// Maintenance
	if oldCfg.Maintenance.Enabled != newCfg.Maintenance.Enabled ||
		strings.TrimSpace(oldCfg.Maintenance.Schedule) != strings.TrimSpace(newCfg.Maintenance.Schedule) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.schedule", strings.TrimSpace(newCfg.Maintenance.Schedule)),
		)
	}

	// Moderation (rules, windows, escalation). Summarize only; the full rule
	// set is rebuilt on commit anyway.
	if !reflect.DeepEqual(oldCfg.Moderation, newCfg.Moderation) {
		changed = append(changed, "moderation")
		attrs = append(attrs,
			logx.String("moderation.scope", strings.TrimSpace(newCfg.Moderation.Scope)),
			logx.String("moderation.decay_window", strings.TrimSpace(newCfg.Moderation.DecayWindow)),
			logx.Int("moderation.rule_count", len(newCfg.Moderation.Rules)),
			logx.Int("moderation.escalation_steps", len(newCfg.Moderation.Escalation)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
