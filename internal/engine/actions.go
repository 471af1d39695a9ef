package engine

import "fmt"

// ActionKind is a punitive action tier. Ordering matters: escalation tables
// must be non-decreasing in punitive weight.
type ActionKind string

const (
	ActionNone ActionKind = "none"
	ActionWarn ActionKind = "warn"
	ActionMute ActionKind = "mute"
	ActionKick ActionKind = "kick"
	ActionBan  ActionKind = "ban"
)

// Weight orders action kinds by harshness. Unknown kinds report -1.
func (k ActionKind) Weight() int {
	switch k {
	case ActionNone:
		return 0
	case ActionWarn:
		return 1
	case ActionMute:
		return 2
	case ActionKick:
		return 3
	case ActionBan:
		return 4
	default:
		return -1
	}
}

func (k ActionKind) Valid() bool { return k.Weight() >= 0 }

// ParseActionKind maps a config string to an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown action kind %q", s)
	}
	return k, nil
}
