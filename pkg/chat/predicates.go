package chat

import "github.com/MrWong99/chatstream/pkg/types"

// ContinueFunc decides, after a round completed normally or a tool result was
// added, whether another round should start without a new user message.
type ContinueFunc func(messages []types.Message) bool

// LastMessageIsToolResult continues whenever the log ends with a tool message.
func LastMessageIsToolResult(messages []types.Message) bool {
	return len(messages) > 0 && messages[len(messages)-1].Role == types.RoleTool
}

// LastAssistantMessageIsCompleteWithToolCalls continues once the most recent
// assistant message requested at least one tool call and every one of those
// calls has been answered by a later tool message.
func LastAssistantMessageIsCompleteWithToolCalls(messages []types.Message) bool {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(messages[last].ToolCalls) == 0 {
		return false
	}

	answered := make(map[string]bool)
	for _, m := range messages[last+1:] {
		if m.Role == types.RoleTool {
			answered[m.ToolCallID] = true
		}
	}
	for _, tc := range messages[last].ToolCalls {
		if !answered[tc.ID] {
			return false
		}
	}
	return true
}
