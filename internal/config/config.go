// Package config provides the configuration schema, loader, and hot-reload
// watcher for the chatstream client.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/chatstream/internal/toolexec"
	"github.com/MrWong99/chatstream/pkg/chat"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. The empty level maps to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AutoContinue selects the predicate deciding whether a follow-up round starts
// without a new user message.
type AutoContinue string

const (
	// AutoContinueOff never continues automatically.
	AutoContinueOff AutoContinue = "off"

	// AutoContinueToolResult continues whenever the log ends with a tool result.
	AutoContinueToolResult AutoContinue = "tool-result"

	// AutoContinueToolCallsComplete continues once every tool call of the last
	// assistant message has a result.
	AutoContinueToolCallsComplete AutoContinue = "tool-calls-complete"
)

// IsValid reports whether a is a recognised mode. The empty mode is valid and
// means off.
func (a AutoContinue) IsValid() bool {
	switch a {
	case "", AutoContinueOff, AutoContinueToolResult, AutoContinueToolCallsComplete:
		return true
	}
	return false
}

// Func returns the continuation predicate for a, or nil when it is off.
func (a AutoContinue) Func() chat.ContinueFunc {
	switch a {
	case AutoContinueToolResult:
		return chat.LastMessageIsToolResult
	case AutoContinueToolCallsComplete:
		return chat.LastAssistantMessageIsCompleteWithToolCalls
	}
	return nil
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Transport  TransportConfig  `yaml:"transport"`
	Chat       ChatConfig       `yaml:"chat"`
	Resilience ResilienceConfig `yaml:"resilience"`
	MCP        MCPConfig        `yaml:"mcp"`
}

// ServerConfig holds logging and telemetry settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`
}

// TransportConfig describes the completion endpoint. Every field except
// Timeout is re-read on each round, so edits take effect without a restart.
type TransportConfig struct {
	// API is the endpoint URL the conversation is posted to.
	API string `yaml:"api"`

	// FallbackAPIs are tried in order when API is unreachable or answers 5xx.
	FallbackAPIs []string `yaml:"fallback_apis"`

	// Headers are sent with every request.
	Headers map[string]string `yaml:"headers"`

	// HeaderEnv maps header names to environment variables whose current
	// value is sent as that header, e.g. Authorization: CHAT_TOKEN. Unset
	// variables are skipped.
	HeaderEnv map[string]string `yaml:"header_env"`

	// Credentials is one of "omit", "same-origin" (default) or "include".
	Credentials string `yaml:"credentials"`

	// Body holds extra top-level fields merged into every request payload.
	Body map[string]any `yaml:"body"`

	// Timeout bounds connection establishment and response headers, never the
	// streamed body. Zero means no timeout. Changes require a restart.
	Timeout time.Duration `yaml:"timeout"`
}

// ChatConfig holds session behaviour. Changes require a restart.
type ChatConfig struct {
	// SessionID fixes the session id. Empty generates a random one.
	SessionID string `yaml:"session_id"`

	// MaxRounds caps the rounds one message may trigger, including automatic
	// continuations. Zero uses the default of 10; negative removes the cap.
	MaxRounds int `yaml:"max_rounds"`

	AutoContinue AutoContinue `yaml:"auto_continue"`

	// SingleFlight rejects a send while another round is in flight.
	SingleFlight bool `yaml:"single_flight"`
}

// RoundLimit returns the round cap to pass to [chat.WithMaxRounds].
func (c ChatConfig) RoundLimit() int {
	switch {
	case c.MaxRounds == 0:
		return chat.DefaultMaxRounds
	case c.MaxRounds < 0:
		return 0
	}
	return c.MaxRounds
}

// ResilienceConfig tunes the per-endpoint circuit breakers.
type ResilienceConfig struct {
	// MaxFailures opens an endpoint's breaker after this many consecutive
	// failures. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before probing again.
	// Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// MCPConfig lists the tools offered to the model: Model Context Protocol
// servers to connect to and in-process builtins to enable.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`

	// Builtins names in-process tools, e.g. roll_dice or current_time.
	Builtins []string `yaml:"builtins"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport toolexec.Transport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio".
	Env map[string]string `yaml:"env"`
}

// ServerConfig converts s into the executor's connection settings.
func (s MCPServerConfig) ServerConfig() toolexec.ServerConfig {
	return toolexec.ServerConfig{
		Name:      s.Name,
		Transport: s.Transport,
		Command:   s.Command,
		URL:       s.URL,
		Env:       s.Env,
	}
}
