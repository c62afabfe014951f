package workflow

import (
	"fmt"
	"strings"
)

const maxAssistantHistoryChars = 500

// FormatHistory renders the last limit messages as "User: ..." and
// "Assistant: ..." lines. Long assistant replies are truncated. A limit of
// zero or less keeps every message.
func FormatHistory(messages []Message, limit int) string {
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	var sb strings.Builder
	for _, msg := range messages {
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		switch strings.ToLower(msg.Role) {
		case "user":
			fmt.Fprintf(&sb, "User: %s\n", content)
		case "assistant":
			if len(content) > maxAssistantHistoryChars {
				content = content[:maxAssistantHistoryChars] + "..."
			}
			fmt.Fprintf(&sb, "Assistant: %s\n", content)
		}
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
