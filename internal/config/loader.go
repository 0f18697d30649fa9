package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/chatstream/internal/toolexec"
	"github.com/MrWong99/chatstream/internal/toolexec/builtins"
	"github.com/MrWong99/chatstream/pkg/chat"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if cfg.Transport.API == "" {
		errs = append(errs, errors.New("transport.api is required"))
	} else if err := checkEndpoint(cfg.Transport.API); err != nil {
		errs = append(errs, fmt.Errorf("transport.api: %w", err))
	}
	for i, api := range cfg.Transport.FallbackAPIs {
		if err := checkEndpoint(api); err != nil {
			errs = append(errs, fmt.Errorf("transport.fallback_apis[%d]: %w", i, err))
		}
	}
	if _, err := chat.ParseCredentials(cfg.Transport.Credentials); err != nil {
		errs = append(errs, fmt.Errorf("transport.credentials: %w", err))
	}
	for name, env := range cfg.Transport.HeaderEnv {
		if name == "" || env == "" {
			errs = append(errs, fmt.Errorf("transport.header_env: header %q must map to a variable name", name))
		}
	}
	if cfg.Transport.Timeout < 0 {
		errs = append(errs, fmt.Errorf("transport.timeout %s must not be negative", cfg.Transport.Timeout))
	}

	// Chat
	if !cfg.Chat.AutoContinue.IsValid() {
		errs = append(errs, fmt.Errorf("chat.auto_continue %q is invalid; valid values: off, tool-result, tool-calls-complete", cfg.Chat.AutoContinue))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	// MCP servers
	namesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			namesSeen[srv.Name] = i
		}
		if !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == toolexec.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == toolexec.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	for i, name := range cfg.MCP.Builtins {
		if _, ok := builtins.ByName(name); !ok {
			errs = append(errs, fmt.Errorf("mcp.builtins[%d] %q is unknown; valid values: %s", i, name, strings.Join(builtins.Names(), ", ")))
		}
	}

	return errors.Join(errs...)
}

// checkEndpoint reports whether raw is an absolute http(s) URL.
func checkEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http or https URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
