package cmd

import (
	"context"
	"log/slog"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
)

// connectMCPServers connects to every configured MCP server and bridges
// its tools into registry, grounded on
// vanducng-goclaw/internal/mcp/manager_connect.go's connectServer/
// createClient: stdio clients auto-start, streamable-http clients need an
// explicit Start before the Initialize handshake. A server that fails to
// connect only logs a warning — it never blocks the rest of startup.
func connectMCPServers(ctx context.Context, cfg *config.Config, registry *tools.Registry) {
	for _, srv := range cfg.Tools.MCPServers {
		if err := connectMCPServer(ctx, srv, registry); err != nil {
			slog.Warn("mcp: server connect failed", "server", srv.Name, "error", err)
		}
	}
}

func connectMCPServer(ctx context.Context, srv config.MCPServerConfig, registry *tools.Registry) error {
	client, err := newMCPClient(srv)
	if err != nil {
		return err
	}

	if srv.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return err
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "agentcore", Version: Version}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return err
	}

	prefix := srv.ToolPrefix
	if prefix == "" {
		prefix = srv.Name + "."
	}
	names, err := tools.DiscoverAndRegister(ctx, client, registry, prefix)
	if err != nil {
		_ = client.Close()
		return err
	}
	slog.Info("mcp: server connected", "server", srv.Name, "transport", srv.Transport, "tools", len(names))
	return nil
}

func newMCPClient(srv config.MCPServerConfig) (*mcpclient.Client, error) {
	switch srv.Transport {
	case "", "stdio":
		envSlice := make([]string, 0, len(srv.Env))
		for k, v := range srv.Env {
			envSlice = append(envSlice, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(srv.Command, envSlice, srv.Args...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(srv.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(srv.Headers))
		}
		return mcpclient.NewStreamableHttpClient(srv.URL, opts...)
	default:
		return nil, &unsupportedTransportError{srv.Transport}
	}
}

type unsupportedTransportError struct{ transport string }

func (e *unsupportedTransportError) Error() string {
	return "mcp: unsupported transport " + e.transport
}
