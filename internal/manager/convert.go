package manager

import (
	"github.com/nugget/mcpvisor/internal/config"
	"github.com/nugget/mcpvisor/internal/connwatch"
	"github.com/nugget/mcpvisor/internal/mcp"
)

// ServerConfigs converts the loaded configuration into one
// mcp.ServerConfig per server, in file order. An unknown transport
// leaves Transport nil, which StartServer rejects.
func ServerConfigs(cfg *config.Config) []mcp.ServerConfig {
	out := make([]mcp.ServerConfig, 0, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		sc := mcp.ServerConfig{
			Name:           s.Name,
			Enabled:        s.Enabled,
			IncludeTools:   s.IncludeTools,
			ExcludeTools:   s.ExcludeTools,
			RequestTimeout: cfg.MCP.RequestTimeout,
		}

		switch s.Transport {
		case config.TransportStdio:
			if s.Stdio != nil {
				sc.Transport = &mcp.StdioConfig{
					Command: s.Stdio.Command,
					Args:    s.Stdio.Args,
					Env:     s.Stdio.Env,
					Cwd:     s.Stdio.Cwd,
				}
			}
		case config.TransportHTTP:
			if s.HTTP != nil {
				sc.Transport = &mcp.HTTPConfig{
					URL:     s.HTTP.URL,
					Headers: s.HTTP.Headers,
					Auth:    convertAuth(s.HTTP.Auth),
					Timeout: s.HTTP.Timeout,
					Retries: s.HTTP.Retries,
				}
			}
		case config.TransportSSE:
			if s.SSE != nil {
				sc.Transport = &mcp.SSEConfig{
					URL:        s.SSE.URL,
					MessageURL: s.SSE.MessageURL,
					Headers:    s.SSE.Headers,
					Auth:       convertAuth(s.SSE.Auth),
					Timeout:    s.SSE.Timeout,
					Retries:    s.SSE.Retries,
					Reconnect: connwatch.BackoffConfig{
						InitialDelay: s.SSE.Reconnect.InitialDelay,
						MaxDelay:     s.SSE.Reconnect.MaxDelay,
						MaxRetries:   s.SSE.Reconnect.MaxAttempts,
					},
				}
			}
		}
		out = append(out, sc)
	}
	return out
}

func convertAuth(a *config.AuthConfig) *mcp.Auth {
	if a == nil {
		return nil
	}
	return &mcp.Auth{
		Type:       mcp.AuthType(a.Type),
		Token:      a.Token,
		TokenEnv:   a.TokenEnv,
		HeaderName: a.HeaderName,
	}
}
