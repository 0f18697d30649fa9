package toolexec

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP tool server.
type ServerConfig struct {
	// Name identifies the server in logs and must be unique per executor.
	Name string

	Transport Transport

	// Command is the executable with optional space-separated arguments,
	// used when Transport is [TransportStdio].
	Command string

	// URL is the endpoint used when Transport is [TransportStreamableHTTP].
	URL string

	// Env holds additional environment variables for the stdio subprocess.
	Env map[string]string
}

// Result is the outcome of one tool execution.
type Result struct {
	// Content is the concatenated text content returned by the tool.
	Content string

	// IsError is true when the tool reported an application-level failure.
	IsError bool
}
