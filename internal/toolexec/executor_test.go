package toolexec_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/chatstream/internal/toolexec"
	"github.com/MrWong99/chatstream/pkg/chat"
	"github.com/MrWong99/chatstream/pkg/chat/mock"
	"github.com/MrWong99/chatstream/pkg/types"
)

func newExecutor(t *testing.T) *toolexec.Executor {
	t.Helper()
	x := toolexec.New(toolexec.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { _ = x.Close() })
	return x
}

// startServer runs an in-memory MCP server with the tools added by register
// and returns the client end of its transport.
func startServer(t *testing.T, register func(*mcpsdk.Server)) mcpsdk.Transport {
	t.Helper()
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "test-server", Version: "test"}, nil)
	register(server)

	serverTransport, clientTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		session, err := server.Connect(ctx, serverTransport, nil)
		ready <- err
		if err != nil {
			return
		}
		<-ctx.Done()
		_ = session.Close()
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		if err := <-ready; err != nil {
			t.Errorf("server connect failed: %v", err)
		}
	})
	return clientTransport
}

func diceTools(server *mcpsdk.Server) {
	server.AddTool(&mcpsdk.Tool{
		Name:        "roll",
		Description: "Roll a die",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sides": map[string]any{"type": "integer"},
			},
			"required": []any{"sides"},
		},
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var in struct {
			Sides int `json:"sides"`
		}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return nil, err
			}
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: fmt.Sprintf("rolled d%d", in.Sides)}},
		}, nil
	})

	server.AddTool(&mcpsdk.Tool{
		Name:        "broken",
		Description: "Always fails",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "dice are missing"}},
			IsError: true,
		}, nil
	})
}

func toolNames(defs []types.ToolDefinition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

func TestConnect_ImportsTools(t *testing.T) {
	t.Parallel()
	x := newExecutor(t)

	if err := x.Connect(context.Background(), "dice", startServer(t, diceTools)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	defs := x.Tools()
	if diff := cmp.Diff([]string{"broken", "roll"}, toolNames(defs)); diff != "" {
		t.Fatalf("tool names mismatch (-want +got):\n%s", diff)
	}
	roll := defs[1]
	if roll.Description != "Roll a die" || roll.Parameters["type"] != "object" {
		t.Errorf("roll definition = %+v", roll)
	}
	if _, ok := roll.Parameters["properties"].(map[string]any); !ok {
		t.Errorf("roll parameters lost properties: %v", roll.Parameters)
	}
}

func TestConnect_ReplacesServerTools(t *testing.T) {
	t.Parallel()
	x := newExecutor(t)
	ctx := context.Background()

	if err := x.Connect(ctx, "dice", startServer(t, diceTools)); err != nil {
		t.Fatalf("Connect #1: %v", err)
	}
	ping := func(s *mcpsdk.Server) {
		s.AddTool(&mcpsdk.Tool{
			Name:        "ping",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		}, func(context.Context, *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pong"}}}, nil
		})
	}
	if err := x.Connect(ctx, "dice", startServer(t, ping)); err != nil {
		t.Fatalf("Connect #2: %v", err)
	}

	if diff := cmp.Diff([]string{"ping"}, toolNames(x.Tools())); diff != "" {
		t.Errorf("tool names mismatch (-want +got):\n%s", diff)
	}
	res, err := x.Execute(ctx, "ping", "")
	if err != nil || res.Content != "pong" {
		t.Errorf("Execute(ping) = %+v, %v", res, err)
	}
}

func TestExecute(t *testing.T) {
	t.Parallel()
	x := newExecutor(t)
	ctx := context.Background()
	if err := x.Connect(ctx, "dice", startServer(t, diceTools)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tests := []struct {
		name    string
		tool    string
		args    string
		want    toolexec.Result
		wantErr string
	}{
		{name: "success", tool: "roll", args: `{"sides":20}`, want: toolexec.Result{Content: "rolled d20"}},
		{name: "tool error", tool: "broken", args: "{}", want: toolexec.Result{Content: "dice are missing", IsError: true}},
		{name: "unknown tool", tool: "teleport", args: "{}", wantErr: "not found"},
		{name: "invalid arguments", tool: "roll", args: `{"sides":`, wantErr: "invalid arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := x.Execute(ctx, tt.tool, tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Execute error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegisterBuiltin(t *testing.T) {
	t.Parallel()
	x := newExecutor(t)
	ctx := context.Background()

	if err := x.RegisterBuiltin(toolexec.Builtin{
		Handler: func(context.Context, string) (string, error) { return "", nil },
	}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := x.RegisterBuiltin(toolexec.Builtin{Definition: types.ToolDefinition{Name: "nil"}}); err == nil {
		t.Error("expected error for nil handler")
	}

	echo := toolexec.Builtin{
		Definition: types.ToolDefinition{Name: "echo"},
		Handler:    func(_ context.Context, args string) (string, error) { return args, nil },
	}
	fail := toolexec.Builtin{
		Definition: types.ToolDefinition{Name: "fail"},
		Handler:    func(context.Context, string) (string, error) { return "", errors.New("always fails") },
	}
	for _, b := range []toolexec.Builtin{echo, fail} {
		if err := x.RegisterBuiltin(b); err != nil {
			t.Fatalf("RegisterBuiltin(%s): %v", b.Definition.Name, err)
		}
	}

	if got, err := x.Execute(ctx, "echo", `{"a":1}`); err != nil || got.Content != `{"a":1}` || got.IsError {
		t.Errorf("Execute(echo) = %+v, %v", got, err)
	}
	if got, err := x.Execute(ctx, "fail", "{}"); err != nil || !got.IsError || got.Content != "always fails" {
		t.Errorf("Execute(fail) = %+v, %v", got, err)
	}
}

func TestRegisterServer_Validation(t *testing.T) {
	t.Parallel()
	x := newExecutor(t)

	tests := []struct {
		name string
		cfg  toolexec.ServerConfig
	}{
		{"empty name", toolexec.ServerConfig{Transport: toolexec.TransportStdio, Command: "srv"}},
		{"stdio without command", toolexec.ServerConfig{Name: "a", Transport: toolexec.TransportStdio}},
		{"http without url", toolexec.ServerConfig{Name: "a", Transport: toolexec.TransportStreamableHTTP}},
		{"unknown transport", toolexec.ServerConfig{Name: "a", Transport: "carrier-pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := x.RegisterServer(context.Background(), tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRequestBody(t *testing.T) {
	t.Parallel()
	x := newExecutor(t)

	body, err := x.RequestBody(context.Background())
	if err != nil || body != nil {
		t.Fatalf("RequestBody with no tools = %v, %v; want nil", body, err)
	}

	_ = x.RegisterBuiltin(toolexec.Builtin{
		Definition: types.ToolDefinition{Name: "echo", Description: "echo args"},
		Handler:    func(_ context.Context, args string) (string, error) { return args, nil },
	})
	body, err = x.RequestBody(context.Background())
	if err != nil {
		t.Fatalf("RequestBody: %v", err)
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"tools":[{"function":{"description":"echo args","name":"echo","parameters":{"type":"object"}},"type":"function"}]}`
	if string(data) != want {
		t.Errorf("body = %s\nwant %s", data, want)
	}
}

func TestHandleToolCall_FeedsResultsBack(t *testing.T) {
	t.Parallel()
	x := newExecutor(t)
	if err := x.Connect(context.Background(), "dice", startServer(t, diceTools)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	f := &mock.Fetcher{Responses: []mock.Response{
		{Chunks: []any{
			mock.ToolCall(0, "c1", "roll", `{"sides":6}`),
			mock.ToolCall(1, "c2", "broken", `{}`),
		}},
		{Chunks: []any{mock.Text("One die rolled, the other went missing.")}},
	}}
	c := chat.New(chat.Transport{
		API:   chat.Static("http://chat.test/api/chat"),
		Body:  chat.Computed(x.RequestBody),
		Fetch: f,
	},
		chat.WithLogger(slog.New(slog.DiscardHandler)),
		chat.WithToolCallHandler(x.HandleToolCall),
		chat.WithAutoContinue(chat.LastAssistantMessageIsCompleteWithToolCalls),
	)

	if err := c.SendText(context.Background(), "roll for me"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	c.Wait()

	if f.CallCount() != 2 {
		t.Fatalf("fetch calls = %d, want 2", f.CallCount())
	}
	for i := range 2 {
		if tools, ok := f.Call(i).Payload["tools"].([]any); !ok || len(tools) != 2 {
			t.Errorf("request %d tools = %v", i, f.Call(i).Payload["tools"])
		}
	}

	results := map[string]string{}
	for _, m := range c.Messages() {
		if m.Role == types.RoleTool {
			results[m.ToolCallID] = m.Content
		}
	}
	want := map[string]string{
		"c1": "rolled d6",
		"c2": `{"error":"dice are missing"}`,
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("tool results mismatch (-want +got):\n%s", diff)
	}
	ms := c.Messages()
	if last := ms[len(ms)-1]; last.Role != types.RoleAssistant || last.Content != "One die rolled, the other went missing." {
		t.Errorf("last message = %+v", last)
	}
}

func TestHandleToolCall_RequiresSession(t *testing.T) {
	t.Parallel()
	x := newExecutor(t)

	err := x.HandleToolCall(context.Background(), types.ToolCall{ID: "c1", Function: types.FunctionCall{Name: "roll", Arguments: "{}"}})
	if err == nil {
		t.Error("expected error without a chat session in context")
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	x := newExecutor(t)
	ctx := context.Background()

	if err := x.Ping(ctx); err != nil {
		t.Fatalf("Ping without servers = %v", err)
	}
	if err := x.Connect(ctx, "dice", startServer(t, diceTools)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := x.Ping(ctx); err != nil {
		t.Errorf("Ping connected server = %v", err)
	}
}
