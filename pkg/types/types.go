// Package types defines the shared types used across all chatstream packages.
//
// These types form the lingua franca between the SSE decoder, the delta
// accumulator, the conversation store, the orchestrator, and tool executors.
// Their JSON form is the OpenAI chat-completion wire shape so that a message log
// can be posted to a completion endpoint without conversion.
package types

import (
	"encoding/json"
	"fmt"
)

// Role tags the author of a [Message].
type Role string

// Roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// ToolCallType is the only tool call type the wire protocol defines.
const ToolCallType = "function"

// Message is a single entry in the conversation log.
//
// Messages are immutable once appended, with the exception of the trailing
// assistant message, which the orchestrator replaces wholesale while a response
// is streaming.
type Message struct {
	// Role is the author of the message.
	Role Role

	// Content is the text content. It is empty while an assistant message has
	// not received any text yet, and is encoded as JSON null in that case.
	Content string

	// ToolCalls contains the tool invocations requested by an assistant message,
	// in the order the server indexed them.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is [RoleTool], identifying which tool call this
	// message answers.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier. It may arrive after the first
	// fragment of the call while streaming.
	ID string `json:"id"`

	// Type is always [ToolCallType].
	Type string `json:"type"`

	// Function carries the function name and its JSON-encoded arguments.
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function part of a [ToolCall].
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// IsComplete reports whether every field needed to execute the call has
// arrived: id, function name, and arguments.
func (tc ToolCall) IsComplete() bool {
	return tc.ID != "" && tc.Function.Name != "" && tc.Function.Arguments != ""
}

// ToolDefinition describes a tool that can be offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in the request).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// MarshalJSON encodes d in the OpenAI "tools" array element shape.
func (d ToolDefinition) MarshalJSON() ([]byte, error) {
	params := d.Parameters
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return json.Marshal(map[string]any{
		"type": ToolCallType,
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  params,
		},
	})
}

// wireMessage is the JSON shape of a [Message].
type wireMessage struct {
	Role       Role       `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// MarshalJSON implements [json.Marshaler]. Empty content is encoded as null.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Role:       m.Role,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if m.Content != "" {
		content := m.Content
		w.Content = &content
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements [json.Unmarshaler]. A null content decodes to "".
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		Role:       w.Role,
		ToolCalls:  w.ToolCalls,
		ToolCallID: w.ToolCallID,
	}
	if w.Content != nil {
		m.Content = *w.Content
	}
	return nil
}

// Clone returns a deep copy of m so that the copy's ToolCalls slice does not
// alias the original.
func (m Message) Clone() Message {
	if m.ToolCalls != nil {
		m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return m
}

// Status is the request status of a conversation session.
type Status int

const (
	// StatusReady means no round is in flight; a new message may be sent.
	StatusReady Status = iota

	// StatusSubmitted means a request has been issued and the response headers
	// have not arrived yet.
	StatusSubmitted

	// StatusStreaming means the response body is being consumed.
	StatusStreaming

	// StatusError means the last round failed; the error is available from the
	// store's error facet.
	StatusError
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusSubmitted:
		return "submitted"
	case StatusStreaming:
		return "streaming"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsInFlight reports whether a round is in progress.
func (s Status) IsInFlight() bool {
	return s == StatusSubmitted || s == StatusStreaming
}
