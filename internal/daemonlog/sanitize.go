package daemonlog

import (
	"strings"
	"unicode"
)

const (
	maxStringLen = 200
	maxDepth = 5
	maxKeys = 50
)

// SanitizeString strips control characters and truncates to maxStringLen
// so nothing a caller supplies can corrupt a log line or inflate it
// past a sane size.
func SanitizeString(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxStringLen {
			break
		}
	}
	out := b.String()
	if len(out) > maxStringLen {
		out = out[:maxStringLen]
	}
	return out
}

// SanitizeValue recursively sanitizes a value intended for a log field
// or audit record: strings are cleaned per SanitizeString, maps and
// slices are capped at maxDepth levels and maxKeys entries per level.
func SanitizeValue(v interface{}) interface{} {
	return sanitizeDepth(v, 0)
}

func sanitizeDepth(v interface{}, depth int) interface{} {
	if depth >= maxDepth {
		return "<max depth exceeded>"
	}

	switch val := v.(type) {
	case string:
		return SanitizeString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		count := 0
		for k, v := range val {
			if count >= maxKeys {
				out["<truncated>"] = true
				break
			}
			out[SanitizeString(k)] = sanitizeDepth(v, depth+1)
			count++
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for i, item := range val {
			if i >= maxKeys {
				out = append(out, "<truncated>")
				break
			}
			out = append(out, sanitizeDepth(item, depth+1))
		}
		return out
	default:
		return v
	}
}

// SanitizeFields applies SanitizeValue to every value in fields,
// suitable for audit.Log.Record payloads and zap.SugaredLogger calls
// that forward caller-controlled data.
func SanitizeFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[SanitizeString(k)] = sanitizeDepth(v, 1)
	}
	return out
}

// Recorder is satisfied by *audit.Log. Declared here, rather than
// imported from internal/audit, so this package stays a leaf with no
// dependency on the audit package.
type Recorder interface {
	Record(event string, fields map[string]interface{}) error
}

// SanitizingRecorder wraps a Recorder so every event name and field
// value passes through SanitizeString/SanitizeFields before reaching
// the underlying log, keeping caller-controlled request data (service
// names, project paths, user agents) out of audit.log unsanitized.
type SanitizingRecorder struct {
	next Recorder
}

// NewSanitizingRecorder wraps next in a SanitizingRecorder.
func NewSanitizingRecorder(next Recorder) SanitizingRecorder {
	return SanitizingRecorder{next: next}
}

// Record sanitizes event and fields, then forwards to the wrapped Recorder.
func (s SanitizingRecorder) Record(event string, fields map[string]interface{}) error {
	return s.next.Record(SanitizeString(event), SanitizeFields(fields))
}
