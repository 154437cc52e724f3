// Package toolcall invokes a tool on a tool server on behalf of a user and
// normalizes the result for the chat layer. Authorization challenges suspend
// the call until the user finishes the OAuth flow.
package toolcall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/smart-mcp-proxy/mcpchat/internal/config"
	"github.com/smart-mcp-proxy/mcpchat/internal/logs"
	"github.com/smart-mcp-proxy/mcpchat/internal/oauth"
	"github.com/smart-mcp-proxy/mcpchat/internal/registry"
	"github.com/smart-mcp-proxy/mcpchat/internal/transport"
	"github.com/smart-mcp-proxy/mcpchat/internal/upstream"
)

// DefaultCallTimeout bounds one attempt: connection resolution plus the call.
const DefaultCallTimeout = 2 * time.Minute

var tracer = otel.Tracer("github.com/smart-mcp-proxy/mcpchat/internal/toolcall")

// Outcome classifies how a call ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeToolError     Outcome = "tool_error"
	OutcomeFailed        Outcome = "failed"
	OutcomeAuthCancelled Outcome = "auth_cancelled"
	OutcomeAuthTimeout   Outcome = "auth_timeout"
	OutcomeAuthFailed    Outcome = "auth_failed"
	OutcomeCancelled     Outcome = "cancelled"
)

// Resolver yields connections that can serve a tool. *upstream.Manager satisfies it.
type Resolver interface {
	ResolveTool(ctx context.Context, req upstream.GetConnectionRequest, toolName string) (*upstream.Connection, error)
	DisconnectUserConnection(userID, serverName string) error
}

// ConfigSource looks up server configuration. *registry.Registry satisfies it.
type ConfigSource interface {
	GetServerConfig(ctx context.Context, name, userID string) (*registry.ServerEntry, error)
}

// Authorizer starts OAuth flows. *oauth.Authorizer satisfies it.
type Authorizer interface {
	StartAuthorization(ctx context.Context, userID string, server *config.ServerConfig) (*oauth.AuthorizationRequest, error)
}

// Flows waits on and aborts OAuth flows. *oauth.FlowManager satisfies it.
type Flows interface {
	WaitForFlow(ctx context.Context, flowID, purpose string) (any, error)
	FailFlow(flowID, purpose string, cause error) error
}

// Observer receives one observation per finished call.
type Observer interface {
	ObserveToolCall(serverName, toolName string, outcome Outcome, duration time.Duration)
}

// AuthPrompt tells the caller where to send the user.
type AuthPrompt struct {
	ServerName string    `json:"server_name"`
	FlowID     string    `json:"flow_id"`
	AuthURL    string    `json:"auth_url"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Request describes one tool invocation.
type Request struct {
	UserID     string
	ServerName string
	ToolName   string
	// Arguments is a map, a JSON string or any free-form value.
	Arguments any
	Vars      map[string]string
	Format    Format

	// OnAuthStart is called once the user must authorize; the call then
	// blocks until the flow ends.
	OnAuthStart func(AuthPrompt)
	// OnAuthEnd is called after a successful authorization, before the retry.
	OnAuthEnd func()
}

// Result is the normalized (content, artifacts) pair.
type Result struct {
	// Content is a string or []ContentPart, depending on Request.Format.
	Content   any        `json:"content"`
	Artifacts *Artifacts `json:"artifacts,omitempty"`
	Outcome   Outcome    `json:"outcome"`
}

// Pair returns the result as a two-element [content, artifacts] array.
func (r *Result) Pair() [2]any {
	var artifacts any
	if r.Artifacts != nil {
		artifacts = r.Artifacts
	}
	return [2]any{r.Content, artifacts}
}

// Options configures a Pipeline.
type Options struct {
	CallTimeout time.Duration
	Observer    Observer
}

// Pipeline runs tool calls.
type Pipeline struct {
	resolver    Resolver
	configs     ConfigSource
	authorizer  Authorizer
	flows       Flows
	callTimeout time.Duration
	observer    Observer
	logger      *zap.Logger
}

// New creates a pipeline. authorizer and flows may be nil, in which case
// authorization errors are reported as failures.
func New(resolver Resolver, configs ConfigSource, authorizer Authorizer, flows Flows, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	return &Pipeline{
		resolver:    resolver,
		configs:     configs,
		authorizer:  authorizer,
		flows:       flows,
		callTimeout: opts.CallTimeout,
		observer:    opts.Observer,
		logger:      logger.Named("toolcall"),
	}
}

// Call invokes the tool. Tool, transport and authorization failures are
// returned as an error message in Result.Content. The error return is
// non-nil only when ctx is cancelled.
func (p *Pipeline) Call(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "toolcall.call")
	defer span.End()
	span.SetAttributes(
		attribute.String("mcp.server", req.ServerName),
		attribute.String("mcp.tool", req.ToolName),
	)

	logger := logs.ForServer(p.logger, req.ServerName, req.UserID).With(zap.String("tool", req.ToolName))

	parsed := ParseArgs(req.Arguments, FieldFor(req.ToolName))
	if parsed.Kind != ArgsParsed {
		logger.Debug("tool arguments were not a JSON object",
			zap.Stringer("kind", parsed.Kind),
			zap.String("field", parsed.Field))
	}

	result, err := p.run(ctx, req, parsed.Arguments(), logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.observe(req, OutcomeCancelled, start)
		return nil, err
	}
	span.SetAttributes(attribute.String("mcp.outcome", string(result.Outcome)))
	if result.Outcome != OutcomeSuccess {
		span.SetStatus(codes.Error, string(result.Outcome))
	}
	p.observe(req, result.Outcome, start)
	return result, nil
}

func (p *Pipeline) observe(req Request, outcome Outcome, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveToolCall(req.ServerName, req.ToolName, outcome, time.Since(start))
	}
}

func (p *Pipeline) run(ctx context.Context, req Request, args map[string]any, logger *zap.Logger) (*Result, error) {
	var (
		forceNew       bool
		authorized     bool
		transportRetry bool
	)
	for {
		out, err := p.attempt(ctx, req, args, forceNew)
		if err == nil {
			content, artifacts := FormatResult(out, req.Format)
			outcome := OutcomeSuccess
			if out != nil && out.IsError {
				outcome = OutcomeToolError
			}
			return &Result{Content: content, Artifacts: artifacts, Outcome: outcome}, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tool call %s on %s: %w", req.ToolName, req.ServerName, context.Cause(ctx))
		}

		switch {
		case oauth.IsAuthError(err) && !authorized && p.authorizer != nil && p.flows != nil:
			authorized = true
			logger.Info("tool server requires authorization", zap.Error(err))
			outcome, aerr := p.authorize(ctx, req, logger)
			if aerr != nil {
				if ctx.Err() != nil {
					return nil, fmt.Errorf("tool call %s on %s: %w", req.ToolName, req.ServerName, aerr)
				}
				return p.failure(req, outcome, aerr), nil
			}
			if req.OnAuthEnd != nil {
				req.OnAuthEnd()
			}
			if derr := p.resolver.DisconnectUserConnection(req.UserID, req.ServerName); derr != nil {
				logger.Debug("dropping pre-authorization connection", zap.Error(derr))
			}
			forceNew = true

		case retryable(err) && !transportRetry:
			transportRetry = true
			logger.Warn("transport error, retrying with a new connection", zap.Error(err))
			forceNew = true

		default:
			logger.Error("tool call failed", zap.Error(err))
			return p.failure(req, OutcomeFailed, err), nil
		}
	}
}

// retryable reports errors a fresh connection may cure. ErrNotConnected
// comes from a connection that was replaced or closed while in hand.
func retryable(err error) bool {
	return errors.Is(err, upstream.ErrNotConnected) || transport.IsTransportError(err)
}

// attempt resolves a connection and calls the tool once.
func (p *Pipeline) attempt(ctx context.Context, req Request, args map[string]any, forceNew bool) (*mcp.CallToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	conn, err := p.resolver.ResolveTool(ctx, upstream.GetConnectionRequest{
		ServerName: req.ServerName,
		UserID:     req.UserID,
		Vars:       req.Vars,
		ForceNew:   forceNew,
	}, req.ToolName)
	if err != nil {
		return nil, err
	}
	return conn.CallTool(ctx, req.ToolName, args)
}

// authorize starts (or joins) the user's flow for the server and waits for it.
// If ctx ends first the flow is failed as aborted so no waiter is left behind.
func (p *Pipeline) authorize(ctx context.Context, req Request, logger *zap.Logger) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "toolcall.authorize")
	defer span.End()

	entry, err := p.configs.GetServerConfig(ctx, req.ServerName, req.UserID)
	if err != nil {
		return OutcomeAuthFailed, err
	}
	authReq, err := p.authorizer.StartAuthorization(ctx, req.UserID, entry.Config)
	if err != nil {
		return OutcomeAuthFailed, err
	}
	span.SetAttributes(attribute.String("oauth.flow_id", authReq.FlowID))

	if req.OnAuthStart != nil {
		req.OnAuthStart(AuthPrompt{
			ServerName: req.ServerName,
			FlowID:     authReq.FlowID,
			AuthURL:    authReq.AuthURL,
			ExpiresAt:  authReq.ExpiresAt,
		})
	}

	stop := context.AfterFunc(ctx, func() {
		_ = p.flows.FailFlow(authReq.FlowID, oauth.PurposeAuthorize, oauth.ErrFlowAborted)
	})
	defer stop()

	_, err = p.flows.WaitForFlow(ctx, authReq.FlowID, oauth.PurposeAuthorize)
	if err == nil {
		logger.Info("authorization completed, retrying tool call", zap.String("flow_id", authReq.FlowID))
		return OutcomeSuccess, nil
	}
	if ctx.Err() != nil {
		// The AfterFunc may not have run yet; fail the flow before returning.
		_ = p.flows.FailFlow(authReq.FlowID, oauth.PurposeAuthorize, oauth.ErrFlowAborted)
		return OutcomeCancelled, fmt.Errorf("%w: %w", oauth.ErrFlowAborted, context.Cause(ctx))
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch {
	case errors.Is(err, oauth.ErrFlowCancelled):
		return OutcomeAuthCancelled, err
	case errors.Is(err, oauth.ErrFlowTimeout):
		return OutcomeAuthTimeout, err
	default:
		return OutcomeAuthFailed, err
	}
}

// failure renders err as assistant-visible text.
func (p *Pipeline) failure(req Request, outcome Outcome, err error) *Result {
	var msg string
	switch outcome {
	case OutcomeAuthCancelled:
		msg = fmt.Sprintf("Authorization for %s was cancelled. The tool %s was not run.", req.ServerName, req.ToolName)
	case OutcomeAuthTimeout:
		msg = fmt.Sprintf("Authorization for %s timed out. The tool %s was not run.", req.ServerName, req.ToolName)
	case OutcomeAuthFailed:
		msg = fmt.Sprintf("Authorization for %s failed: %v", req.ServerName, err)
	default:
		msg = fmt.Sprintf("Error calling tool %s on %s: %v", req.ToolName, req.ServerName, err)
	}
	content, artifacts := Coerce(msg, req.Format)
	return &Result{Content: content, Artifacts: artifacts, Outcome: outcome}
}
