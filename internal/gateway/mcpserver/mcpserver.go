// Package mcpserver exposes credential resolution to MCP clients over
// streamable HTTP. Tools resolve a tenant account's credential, bind it to
// the call's context, and act under that identity; no tool ever returns
// credential material.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/costq/tenantcreds/internal/account"
	"github.com/costq/tenantcreds/internal/credentials"
	"github.com/costq/tenantcreds/internal/observability"
	"github.com/costq/tenantcreds/internal/storage"
	"github.com/costq/tenantcreds/internal/sts"
)

// Config configures the MCP gateway.
type Config struct {
	ListenAddr   string // e.g., ":8081"
	EndpointPath string // Default: "/mcp".

	Metrics *observability.MetricsCollector // nil = metrics disabled.
	Tracer  trace.Tracer                    // nil = tracing disabled.
}

func (c Config) endpointPath() string {
	if c.EndpointPath != "" {
		return c.EndpointPath
	}
	return "/mcp"
}

// Server is the MCP gateway.
type Server struct {
	config   Config
	store    storage.Store
	resolver *credentials.Resolver
	logger   *slog.Logger

	httpServer *http.Server

	// whoAmI is swapped in tests; the default asks the real broker.
	whoAmI func(ctx context.Context) (*sts.CallerIdentity, error)
}

// NewServer creates an MCP gateway.
func NewServer(cfg Config, store storage.Store, resolver *credentials.Resolver, logger *slog.Logger) *Server {
	return &Server{
		config:   cfg,
		store:    store,
		resolver: resolver,
		logger:   logger,
		whoAmI:   sts.WhoAmI,
	}
}

// Start launches the MCP server and blocks until it exits or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mcpServer := server.NewMCPServer(
		"tenantcreds",
		"v0.1.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	mcpServer.AddTool(mcp.Tool{
		Name:        "list_accounts",
		Description: "List the tenant AWS accounts registered with this service",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, s.handleListAccounts)

	mcpServer.AddTool(mcp.Tool{
		Name:        "aws_whoami",
		Description: "Resolve a tenant account's credential and report the AWS identity it authenticates as",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"account_id": map[string]any{
					"type":        "string",
					"description": "AWS account number of the registered tenant account",
				},
			},
			Required: []string{"account_id"},
		},
	}, s.handleWhoAmI)

	streamableServer := server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath(s.config.endpointPath()),
	)

	var handler http.Handler = streamableServer
	if s.config.Metrics != nil || s.config.Tracer != nil {
		handler = observability.HTTPMetricsMiddleware(s.config.Metrics, s.config.Tracer, handler)
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("mcp gateway starting",
		slog.String("addr", s.config.ListenAddr),
		slog.String("endpoint", s.config.endpointPath()),
	)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the MCP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("mcp gateway stopping")
	return s.httpServer.Shutdown(ctx)
}

// accountSummary is the per-account entry returned by list_accounts.
type accountSummary struct {
	AccountID string `json:"account_id"`
	Alias     string `json:"alias"`
	Region    string `json:"region"`
	AuthType  string `json:"auth_type"`
}

func (s *Server) handleListAccounts(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recs, err := s.store.Accounts().List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "mcp list_accounts failed", slog.Any("error", err))
		return mcp.NewToolResultError("failed to list accounts"), nil
	}

	summaries := make([]accountSummary, len(recs))
	for i, rec := range recs {
		summaries[i] = accountSummary{
			AccountID: rec.AccountID,
			Alias:     rec.Alias,
			Region:    rec.Region,
			AuthType:  string(rec.AuthType),
		}
	}
	return mcp.NewToolResultStructuredOnly(map[string]any{"accounts": summaries}), nil
}

// whoAmIArgs holds the arguments for aws_whoami.
type whoAmIArgs struct {
	AccountID string `json:"account_id"`
}

func (s *Server) handleWhoAmI(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args whoAmIArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse arguments: %v", err)), nil
	}
	if args.AccountID == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	cred, err := s.resolver.Resolve(ctx, args.AccountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("account %s is not registered", args.AccountID)), nil
		}
		s.logger.ErrorContext(ctx, "mcp credential resolution failed",
			slog.String("account_id", args.AccountID),
			slog.Any("error", err),
		)
		return mcp.NewToolResultError("credential resolution failed"), nil
	}

	id, err := s.whoAmI(credentials.BindWithRefresh(ctx, cred, s.resolver))
	if err != nil {
		s.logger.ErrorContext(ctx, "mcp identity check failed",
			slog.String("account_id", args.AccountID),
			slog.Any("error", err),
		)
		return mcp.NewToolResultError("identity check failed"), nil
	}

	return mcp.NewToolResultStructuredOnly(map[string]any{
		"account_id":     cred.AccountID,
		"alias":          cred.Alias,
		"auth_type":      string(cred.AuthType),
		"caller_account": id.Account,
		"caller_arn":     id.ARN,
	}), nil
}
