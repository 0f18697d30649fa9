package config_test

import (
	"log/slog"
	"reflect"
	"testing"

	"github.com/MrWong99/chatstream/internal/config"
	"github.com/MrWong99/chatstream/internal/toolexec"
	"github.com/MrWong99/chatstream/pkg/chat"
)

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	for in, want := range map[config.LogLevel]slog.Level{
		"":              slog.LevelInfo,
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
	} {
		if got := in.Level(); got != want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", in, got, want)
		}
	}
}

func TestAutoContinue_Func(t *testing.T) {
	t.Parallel()
	tests := []struct {
		mode config.AutoContinue
		want chat.ContinueFunc
	}{
		{"", nil},
		{config.AutoContinueOff, nil},
		{config.AutoContinueToolResult, chat.LastMessageIsToolResult},
		{config.AutoContinueToolCallsComplete, chat.LastAssistantMessageIsCompleteWithToolCalls},
	}
	for _, tt := range tests {
		got := tt.mode.Func()
		if reflect.ValueOf(got).Pointer() != reflect.ValueOf(tt.want).Pointer() {
			t.Errorf("AutoContinue(%q).Func() returned the wrong predicate", tt.mode)
		}
	}
	if config.AutoContinue("sometimes").IsValid() {
		t.Error(`AutoContinue("sometimes").IsValid() = true`)
	}
}

func TestChatConfig_RoundLimit(t *testing.T) {
	t.Parallel()
	for in, want := range map[int]int{0: chat.DefaultMaxRounds, -1: 0, 3: 3} {
		if got := (config.ChatConfig{MaxRounds: in}).RoundLimit(); got != want {
			t.Errorf("RoundLimit(max_rounds=%d) = %d, want %d", in, got, want)
		}
	}
}

func TestMCPServerConfig_ServerConfig(t *testing.T) {
	t.Parallel()
	in := config.MCPServerConfig{
		Name:      "dice",
		Transport: toolexec.TransportStdio,
		Command:   "dice-server --fast",
		Env:       map[string]string{"SEED": "1"},
	}
	want := toolexec.ServerConfig{
		Name:      "dice",
		Transport: toolexec.TransportStdio,
		Command:   "dice-server --fast",
		Env:       map[string]string{"SEED": "1"},
	}
	if got := in.ServerConfig(); !reflect.DeepEqual(got, want) {
		t.Errorf("ServerConfig() = %+v, want %+v", got, want)
	}
}
