package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Predicate constructors for the content rules shipped with the engine.
// These only look at what the transport already put in the payload; anything
// smarter (toxicity models etc.) should run upstream and arrive via
// Payload.Score.

var urlRegex = regexp.MustCompile(`(?i)(https?://|www\.)[\w\-._~:/?#\[\]@!$&'()*+,;=%]+`)

// KeywordPredicate matches when any configured word appears in the message
// text (case-insensitive substring, same behavior the stop-word lists had).
func KeywordPredicate(words []string) Predicate {
	lowered := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			lowered = append(lowered, w)
		}
	}
	return func(ev Event) (bool, string) {
		if ev.Payload.Text == "" {
			return false, ""
		}
		text := strings.ToLower(ev.Payload.Text)
		for _, w := range lowered {
			if strings.Contains(text, w) {
				return true, fmt.Sprintf("blocked word %q", w)
			}
		}
		return false, ""
	}
}

// LinkPredicate matches links by hostname. With blockAll set, every link
// outside the allowlist matches; otherwise only blocklisted hostnames do.
func LinkPredicate(blockAll bool, blocklist, allowlist []string) Predicate {
	blocked := hostSet(blocklist)
	allowed := hostSet(allowlist)
	return func(ev Event) (bool, string) {
		if ev.Payload.Text == "" {
			return false, ""
		}
		for _, link := range urlRegex.FindAllString(ev.Payload.Text, -1) {
			host := extractHostname(link)
			if allowed[host] {
				continue
			}
			if blockAll {
				return true, fmt.Sprintf("link %s not allowed", host)
			}
			if blocked[host] {
				return true, fmt.Sprintf("link %s is banned", host)
			}
		}
		return false, ""
	}
}

// ScorePredicate matches when the externally supplied classifier score meets
// the threshold. Events without a score never match.
func ScorePredicate(threshold float64) Predicate {
	return func(ev Event) (bool, string) {
		if ev.Payload.Score == nil {
			return false, ""
		}
		if *ev.Payload.Score < threshold {
			return false, ""
		}
		return true, fmt.Sprintf("classifier score %.2f >= %.2f", *ev.Payload.Score, threshold)
	}
}

// ForwardPredicate matches forwarded messages.
func ForwardPredicate() Predicate {
	return func(ev Event) (bool, string) {
		if !ev.Payload.Forwarded {
			return false, ""
		}
		return true, "forwarded message"
	}
}

func hostSet(hosts []string) map[string]bool {
	m := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			m[h] = true
		}
	}
	return m
}

func extractHostname(url string) string {
	cleaned := strings.ToLower(url)
	for _, prefix := range []string{"http://", "https://"} {
		cleaned = strings.TrimPrefix(cleaned, prefix)
	}
	cleaned, _, _ = strings.Cut(cleaned, "/")
	cleaned, _, _ = strings.Cut(cleaned, ":")
	return cleaned
}
