package upstream

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat/internal/transport"
)

// ClientRequest describes the client a factory must build.
type ClientRequest struct {
	Server *config.ServerConfig
	UserID string
	Vars   map[string]string
}

// ClientFactory builds an unstarted MCP client.
type ClientFactory func(ctx context.Context, req ClientRequest) (MCPClient, error)

// SecretExpander resolves secret references in a server config.
type SecretExpander interface {
	ExpandServer(ctx context.Context, server *config.ServerConfig) (*config.ServerConfig, error)
}

// FactoryOptions configures NewTransportFactory.
type FactoryOptions struct {
	// Tokens enables OAuth for user connections to servers that require it.
	Tokens *oauth.TokenManager
	// Secrets, when set, expands ${env:..} and ${keyring:..} references.
	Secrets    SecretExpander
	HTTPClient *http.Client
	TraceHTTP  bool
	Logger     *zap.Logger
}

// NewTransportFactory returns the production factory backed by internal/transport.
func NewTransportFactory(opts FactoryOptions) ClientFactory {
	return func(ctx context.Context, req ClientRequest) (MCPClient, error) {
		server := req.Server
		if opts.Secrets != nil {
			expanded, err := opts.Secrets.ExpandServer(ctx, server)
			if err != nil {
				return nil, err
			}
			server = expanded
		}
		topts := transport.Options{
			Server:     server,
			UserID:     req.UserID,
			Vars:       req.Vars,
			HTTPClient: opts.HTTPClient,
			TraceHTTP:  opts.TraceHTTP,
			Logger:     opts.Logger,
		}
		if opts.Tokens != nil && server.RequiresOAuth && req.UserID != "" {
			topts.TokenStore = opts.Tokens.TokenStoreFor(req.UserID, server.Name)
		}
		c, err := transport.NewClient(topts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
