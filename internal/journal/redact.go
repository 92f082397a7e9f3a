package journal

import (
	"regexp"
	"strings"
)

// RedactedSentinel replaces any payload value judged sensitive.
const RedactedSentinel = "[REDACTED]"

// Keys matching any of these mark the value as sensitive regardless of
// content.
var sensitiveKeyPattern = regexp.MustCompile(
	`(?i)(password|passwd|secret|token|credential|api[_-]?key|access[_-]?key|private[_-]?key|auth)`)

// Value prefixes of common API keys and credentialed database URLs.
var sensitiveValuePrefixes = []string{
	"sk-",      // OpenAI-style secret keys
	"ghp_",     // GitHub personal tokens
	"gho_",     // GitHub OAuth tokens
	"xoxb-",    // Slack bot tokens
	"xoxp-",    // Slack user tokens
	"AKIA",     // AWS access key IDs
	"AIza",     // Google API keys
	"Bearer ",  // literal bearer headers pasted into payloads
	"postgres://",
	"postgresql://",
	"mysql://",
	"mongodb://",
	"mongodb+srv://",
	"redis://",
	"amqp://",
}

// Redact returns a copy of the payload with sensitive fields replaced by
// the sentinel, recursing through nested maps and slices. The input map
// is not modified.
func Redact(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if sensitiveKeyPattern.MatchString(k) {
			out[k] = RedactedSentinel
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}
		return out
	case string:
		if sensitiveString(val) {
			return RedactedSentinel
		}
		return val
	default:
		return v
	}
}

func sensitiveString(s string) bool {
	for _, prefix := range sensitiveValuePrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
