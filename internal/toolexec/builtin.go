package toolexec

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/chatstream/pkg/types"
)

// builtinServerName is the pseudo server name used for in-process tools.
const builtinServerName = "builtin"

// Builtin is a tool implemented as a Go function that runs in-process.
//
// Builtins bypass the MCP protocol: Execute calls Handler directly. They are
// otherwise indistinguishable from server tools in the catalogue.
type Builtin struct {
	// Definition is the tool's public descriptor advertised to the model.
	Definition types.ToolDefinition

	// Handler is invoked with the JSON-encoded arguments of the call.
	// Returning a non-nil error marks the result as an error.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin registers an in-process tool. A tool with the same name is
// replaced.
func (e *Executor) RegisterBuiltin(tool Builtin) error {
	if tool.Definition.Name == "" {
		return errors.New("toolexec: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("toolexec: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[tool.Definition.Name] = toolEntry{
		def:        tool.Definition,
		serverName: builtinServerName,
		builtinFn:  tool.Handler,
	}
	return nil
}

func executeBuiltin(ctx context.Context, entry toolEntry, args string) Result {
	out, err := entry.builtinFn(ctx, args)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}
	}
	return Result{Content: out}
}
