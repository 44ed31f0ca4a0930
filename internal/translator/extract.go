package translator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var thinkTagPattern = regexp.MustCompile(`(?s)^\s*<think>.*?</think>\s*`)

// extractJSON pulls the first balanced JSON object out of a model reply that
// may wrap it in markdown fences, reasoning tags or prose.
func extractJSON(response string) (string, error) {
	cleaned := thinkTagPattern.ReplaceAllString(response, "")
	cleaned = stripFences(cleaned)

	for offset := 0; offset < len(cleaned); {
		start := strings.IndexByte(cleaned[offset:], '{')
		if start < 0 {
			break
		}
		start += offset
		if candidate, ok := balancedObject(cleaned[start:]); ok && json.Valid([]byte(candidate)) {
			return candidate, nil
		}
		offset = start + 1
	}
	return "", fmt.Errorf("no JSON object found in model reply")
}

func stripFences(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func balancedObject(s string) (string, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}
