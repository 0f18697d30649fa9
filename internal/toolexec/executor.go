// Package toolexec executes the tool calls a chat session reports.
//
// An [Executor] connects to MCP servers via stdio or streamable-HTTP
// transports using the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk), keeps a concurrent-safe catalogue
// of the tools they expose alongside in-process builtins, and bridges complete
// tool calls back into the conversation.
//
// Typical usage:
//
//	x := toolexec.New()
//	defer x.Close()
//
//	err := x.RegisterServer(ctx, toolexec.ServerConfig{
//	    Name:      "dice",
//	    Transport: toolexec.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-dice-server",
//	})
//
//	c := chat.New(chat.Transport{
//	    API:  chat.Static("http://localhost:8080/api/chat"),
//	    Body: chat.Computed(x.RequestBody),
//	}, chat.WithToolCallHandler(x.HandleToolCall))
package toolexec

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/chatstream/internal/observe"
	"github.com/MrWong99/chatstream/pkg/chat"
	"github.com/MrWong99/chatstream/pkg/types"
)

// toolEntry holds the metadata for a single registered tool.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// Executor runs tools on behalf of a chat session.
//
// The zero value is NOT usable; create instances with [New].
type Executor struct {
	mu       sync.RWMutex
	tools    map[string]toolEntry             // key: tool name
	sessions map[string]*mcpsdk.ClientSession // key: server name

	// client is reused across all server connections.
	client *mcpsdk.Client
	log    *slog.Logger
}

// Option configures an [Executor].
type Option func(*Executor)

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New creates and returns a ready-to-use Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		tools:    make(map[string]toolEntry),
		sessions: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "chatstream-toolexec", Version: "1.0.0"},
			nil,
		),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. A server registered again under the same name replaces the
// old connection and its tools.
//
// For [TransportStdio], cfg.Command is split on spaces into executable and
// arguments and cfg.Env is appended to the inherited environment.
func (e *Executor) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("toolexec: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("toolexec: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for _, k := range slices.Sorted(maps.Keys(cfg.Env)) {
				cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolexec: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return fmt.Errorf("toolexec: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	return e.Connect(ctx, cfg.Name, transport)
}

// Connect opens a session over transport and imports the server's tools
// under name.
func (e *Executor) Connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := e.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolexec: connect to server %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolexec: list tools for server %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.sessions[name]; ok {
		_ = old.Close()
		for toolName, t := range e.tools {
			if t.serverName == name {
				delete(e.tools, toolName)
			}
		}
	}
	e.sessions[name] = session

	for _, t := range discovered {
		e.tools[t.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: name,
		}
	}
	e.log.Info("mcp server connected", "server", name, "tools", len(discovered))
	return nil
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Tools returns the definitions of every registered tool, sorted by name.
func (e *Executor) Tools() []types.ToolDefinition {
	e.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(e.tools))
	for _, t := range e.tools {
		defs = append(defs, t.def)
	}
	e.mu.RUnlock()

	slices.SortFunc(defs, func(a, b types.ToolDefinition) int { return cmp.Compare(a.Name, b.Name) })
	return defs
}

// RequestBody returns the request body fragment advertising the current tool
// catalogue, or nil when no tool is registered. It fits [chat.Computed], so
// servers connected later are picked up on the next round.
func (e *Executor) RequestBody(context.Context) (map[string]any, error) {
	defs := e.Tools()
	if len(defs) == 0 {
		return nil, nil
	}
	return map[string]any{"tools": defs}, nil
}

// Execute calls the named tool with JSON-encoded args.
//
// A tool that reports failure yields a Result with IsError set and a nil
// error. A Go error is returned only for unknown tools, malformed arguments,
// and transport or protocol failures.
func (e *Executor) Execute(ctx context.Context, name, args string) (Result, error) {
	e.mu.RLock()
	entry, ok := e.tools[name]
	var session *mcpsdk.ClientSession
	if ok && entry.builtinFn == nil {
		session = e.sessions[entry.serverName]
	}
	e.mu.RUnlock()

	if !ok {
		return Result{}, fmt.Errorf("toolexec: tool %q not found", name)
	}

	ctx, span := observe.StartSpan(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.server", entry.serverName),
	))
	defer span.End()

	var (
		res Result
		err error
	)
	if entry.builtinFn != nil {
		res = executeBuiltin(ctx, entry, args)
	} else {
		res, err = executeMCP(ctx, session, name, args)
	}

	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case res.IsError:
		span.SetStatus(codes.Error, "tool reported an error")
	}
	observe.LoggerFrom(ctx, e.log).Debug("tool executed", "tool", name, "is_error", res.IsError, "err", err)
	return res, err
}

func executeMCP(ctx context.Context, session *mcpsdk.ClientSession, name, args string) (Result, error) {
	if session == nil {
		return Result{}, fmt.Errorf("toolexec: no session for tool %q", name)
	}

	var argsMap map[string]any
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return Result{}, fmt.Errorf("toolexec: invalid arguments for tool %q: %w", name, err)
		}
	}

	callResult, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return Result{}, fmt.Errorf("toolexec: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return Result{Content: sb.String(), IsError: callResult.IsError}, nil
}

// HandleToolCall is a [chat.ToolCallHandler]. It executes call and reports
// the outcome to the originating session with [chat.Chat.AddToolResult].
// Failures are reported to the model as {"error": "..."} so the conversation
// can proceed.
func (e *Executor) HandleToolCall(ctx context.Context, call types.ToolCall) error {
	c, ok := chat.FromContext(ctx)
	if !ok {
		return errors.New("toolexec: context carries no chat session")
	}
	res, err := e.Execute(ctx, call.Function.Name, call.Function.Arguments)

	var result any = res.Content
	switch {
	case err != nil:
		result = map[string]string{"error": err.Error()}
	case res.IsError:
		result = map[string]string{"error": res.Content}
	}
	if addErr := c.AddToolResult(ctx, chat.ToolResult{ToolCallID: call.ID, Result: result}); addErr != nil {
		return errors.Join(err, addErr)
	}
	return err
}

// Ping checks every connected server and returns the joined failures.
func (e *Executor) Ping(ctx context.Context) error {
	e.mu.RLock()
	sessions := maps.Clone(e.sessions)
	e.mu.RUnlock()

	var errs []error
	for _, name := range slices.Sorted(maps.Keys(sessions)) {
		if err := sessions[name].Ping(ctx, nil); err != nil {
			errs = append(errs, fmt.Errorf("toolexec: ping server %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close shuts down all server connections and clears the catalogue. After
// Close returns the Executor must not be used again.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for name, s := range e.sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("toolexec: close server %q: %w", name, err))
		}
		delete(e.sessions, name)
	}
	e.tools = make(map[string]toolEntry)
	return errors.Join(errs...)
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
