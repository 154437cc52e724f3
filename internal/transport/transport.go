// Package transport builds mcp-go clients for configured tool servers.
package transport

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
)

const defaultHTTPTimeout = 180 * time.Second

// Options describe one client to build.
type Options struct {
	Server *config.ServerConfig
	UserID string
	// Vars are the user's values for the server's custom_user_vars.
	Vars map[string]string
	// TokenStore enables OAuth on HTTP transports.
	TokenStore transport.TokenStore
	HTTPClient *http.Client
	// TraceHTTP logs every request and response at debug level.
	TraceHTTP bool
	Logger    *zap.Logger
}

// NewClient creates an unstarted mcp-go client for opts.Server.
func NewClient(opts Options) (*client.Client, error) {
	if opts.Server == nil {
		return nil, fmt.Errorf("no server config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("transport")

	if missing := MissingVars(opts.Server, opts.Vars); len(missing) > 0 {
		return nil, &MissingVarsError{Server: opts.Server.Name, Names: missing}
	}
	server := ResolveServer(opts.Server, opts.UserID, opts.Vars)

	switch DetermineTransportType(server) {
	case config.ProtocolStdio:
		return createStdioClient(server, logger)
	case config.ProtocolSSE:
		return createSSEClient(server, opts, logger)
	default:
		return createHTTPClient(server, opts, logger)
	}
}

// DetermineTransportType determines the transport type based on URL and config
func DetermineTransportType(server *config.ServerConfig) string {
	switch server.Protocol {
	case config.ProtocolHTTP:
		return config.ProtocolStreamableHTTP
	case "", "auto":
	default:
		return server.Protocol
	}
	if server.Command != "" {
		return config.ProtocolStdio
	}
	return config.ProtocolStreamableHTTP
}

func (o Options) httpClient(server *config.ServerConfig, logger *zap.Logger) *http.Client {
	if o.HTTPClient != nil && !o.TraceHTTP {
		return o.HTTPClient
	}
	timeout := server.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	base := http.DefaultTransport
	if o.HTTPClient != nil {
		timeout = o.HTTPClient.Timeout
		if o.HTTPClient.Transport != nil {
			base = o.HTTPClient.Transport
		}
	}
	if o.TraceHTTP {
		base = NewLoggingTransport(base, logger)
	}
	return &http.Client{Timeout: timeout, Transport: base}
}

func (o Options) oauthConfig(server *config.ServerConfig, httpClient *http.Client) transport.OAuthConfig {
	cfg := transport.OAuthConfig{
		TokenStore:  o.TokenStore,
		PKCEEnabled: true,
		HTTPClient:  httpClient,
	}
	if server.OAuth != nil {
		cfg.ClientID = server.OAuth.ClientID
		cfg.ClientSecret = server.OAuth.ClientSecret
		cfg.RedirectURI = server.OAuth.RedirectURI
		cfg.Scopes = server.OAuth.Scopes
	}
	return cfg
}

func createHTTPClient(server *config.ServerConfig, opts Options, logger *zap.Logger) (*client.Client, error) {
	if server.URL == "" {
		return nil, fmt.Errorf("no URL specified for HTTP transport")
	}
	httpClient := opts.httpClient(server, logger)

	options := []transport.StreamableHTTPCOption{
		transport.WithHTTPBasicClient(httpClient),
	}
	if len(server.Headers) > 0 {
		options = append(options, transport.WithHTTPHeaders(server.Headers))
	}
	if opts.TokenStore != nil {
		options = append(options, transport.WithHTTPOAuth(opts.oauthConfig(server, httpClient)))
	}

	logger.Debug("creating streamable HTTP client",
		zap.String("server", server.Name),
		zap.String("url", server.URL),
		zap.Int("header_count", len(server.Headers)),
		zap.Bool("oauth", opts.TokenStore != nil))

	httpTransport, err := transport.NewStreamableHTTP(server.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP transport: %w", err)
	}
	return client.NewClient(httpTransport), nil
}

func createSSEClient(server *config.ServerConfig, opts Options, logger *zap.Logger) (*client.Client, error) {
	if server.URL == "" {
		return nil, fmt.Errorf("no URL specified for SSE transport")
	}
	httpClient := opts.httpClient(server, logger)

	options := []transport.ClientOption{
		transport.WithHTTPClient(httpClient),
	}
	if len(server.Headers) > 0 {
		options = append(options, transport.WithHeaders(server.Headers))
	}
	if opts.TokenStore != nil {
		options = append(options, transport.WithOAuth(opts.oauthConfig(server, httpClient)))
	}

	logger.Debug("creating SSE client",
		zap.String("server", server.Name),
		zap.String("url", server.URL),
		zap.Bool("oauth", opts.TokenStore != nil))

	sseTransport, err := transport.NewSSE(server.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE transport: %w", err)
	}
	return client.NewClient(sseTransport), nil
}

func createStdioClient(server *config.ServerConfig, logger *zap.Logger) (*client.Client, error) {
	command, args := server.Command, server.Args
	if len(args) == 0 {
		if parts := ParseCommand(command); len(parts) > 1 {
			command, args = parts[0], parts[1:]
		}
	}
	if command == "" {
		return nil, fmt.Errorf("no command specified for stdio transport")
	}

	logger.Debug("creating stdio client",
		zap.String("server", server.Name),
		zap.String("command", command),
		zap.Strings("args", args))

	return client.NewClient(transport.NewStdio(command, BuildEnv(server.Env), args...)), nil
}

// inheritedEnv lists the variables a stdio server inherits from this process.
var inheritedEnv = []string{"PATH", "HOME", "USER", "LANG", "TMPDIR", "SHELL", "SystemRoot", "APPDATA"}

// BuildEnv returns a minimal environment for a stdio server: a few inherited
// variables plus the server's own env entries, which take precedence.
func BuildEnv(extra map[string]string) []string {
	env := make(map[string]string, len(inheritedEnv)+len(extra))
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	for k, v := range extra {
		env[k] = v
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// ParseCommand parses a command string into command and arguments
func ParseCommand(cmd string) []string {
	var result []string
	var current []rune
	var quoteChar rune

	flush := func() {
		if len(current) > 0 {
			result = append(result, string(current))
			current = current[:0]
		}
	}
	for _, r := range cmd {
		switch {
		case quoteChar != 0 && r == quoteChar:
			quoteChar = 0
		case quoteChar == 0 && (r == '"' || r == '\''):
			quoteChar = r
		case quoteChar == 0 && r == ' ':
			flush()
		default:
			current = append(current, r)
		}
	}
	flush()
	return result
}
