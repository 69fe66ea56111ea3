package tool

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeArgs parses a tool-call arguments string into a map. Streaming
// aggregation can truncate or pad the JSON, so a failed strict parse gets one
// repair pass (close unterminated strings and brackets, drop trailing
// garbage) before the arguments are rejected as malformed.
func DecodeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	repaired := repairJSON(raw)
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %s", truncate(raw, 120))
	}
	return args, nil
}

// repairJSON makes a best-effort pass over damaged object text: it starts at
// the first '{', keeps only the balanced prefix and appends the closers still
// open when the input ends mid-value.
func repairJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return raw
	}
	raw = raw[start:]

	var stack []byte
	inString := false
	escaped := false
	end := len(raw)

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				end = i + 1
				i = len(raw) // drop anything after the balanced close
			}
		}
	}

	out := raw[:end]
	if inString {
		out += `"`
	}
	// Unterminated values commonly end on a dangling comma or colon.
	trimmed := strings.TrimRight(out, " \t\n")
	if strings.HasSuffix(trimmed, ",") {
		out = strings.TrimSuffix(trimmed, ",")
	} else if strings.HasSuffix(trimmed, ":") {
		out = trimmed + "null"
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out += "}"
		} else {
			out += "]"
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
