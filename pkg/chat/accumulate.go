package chat

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/openai/openai-go"

	"github.com/MrWong99/chatstream/pkg/types"
)

// DecodeChunk parses one SSE payload as a streaming chat-completion chunk.
func DecodeChunk(raw json.RawMessage) (openai.ChatCompletionChunk, error) {
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return openai.ChatCompletionChunk{}, fmt.Errorf("chat: decode chunk: %w", err)
	}
	return chunk, nil
}

// Accumulator folds streamed chunks into one assistant message.
//
// Text deltas are concatenated. Tool-call fragments are merged by their
// index: the id is overwritten by any non-empty fragment, while the function
// name and arguments are appended, since both are themselves streamed in
// pieces. Fragments for different indices may interleave freely.
//
// An Accumulator is used by one round and is not safe for concurrent use.
type Accumulator struct {
	text  strings.Builder
	calls map[int]*types.ToolCall
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*types.ToolCall)}
}

// Add merges the first choice of chunk. Chunks without choices, such as
// trailing usage reports, are ignored.
func (a *Accumulator) Add(chunk openai.ChatCompletionChunk) {
	if len(chunk.Choices) == 0 {
		return
	}
	delta := chunk.Choices[0].Delta
	a.text.WriteString(delta.Content)

	for _, frag := range delta.ToolCalls {
		idx := int(frag.Index)
		tc, ok := a.calls[idx]
		if !ok {
			tc = &types.ToolCall{Type: types.ToolCallType}
			a.calls[idx] = tc
		}
		if frag.ID != "" {
			tc.ID = frag.ID
		}
		tc.Function.Name += frag.Function.Name
		tc.Function.Arguments += frag.Function.Arguments
	}
}

// Message returns a fresh snapshot of the assistant message accumulated so
// far. ToolCalls is nil until at least one fragment arrived and is ordered by
// ascending index.
func (a *Accumulator) Message() types.Message {
	msg := types.Message{
		Role:    types.RoleAssistant,
		Content: a.text.String(),
	}
	for _, idx := range a.indices() {
		msg.ToolCalls = append(msg.ToolCalls, *a.calls[idx])
	}
	return msg
}

// Complete returns the tool calls whose id, name, and arguments have all
// arrived, ordered by ascending index.
func (a *Accumulator) Complete() []types.ToolCall {
	var out []types.ToolCall
	for _, idx := range a.indices() {
		if tc := a.calls[idx]; tc.IsComplete() {
			out = append(out, *tc)
		}
	}
	return out
}

func (a *Accumulator) indices() []int {
	return slices.Sorted(maps.Keys(a.calls))
}
