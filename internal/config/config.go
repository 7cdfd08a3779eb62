// Package config handles mcpvisor configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcpvisor/config.yaml, /etc/mcpvisor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpvisor", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpvisor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Transport names accepted in ServerConfig.Transport.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultPort           = 8390
	DefaultRequestTimeout = 30 * time.Second
	DefaultInitTimeout    = 30 * time.Second
	DefaultHTTPRetries    = 3
	DefaultTopicPrefix    = "mcpvisor"
	DefaultPublishSec     = 60
)

// Config holds all mcpvisor configuration.
type Config struct {
	LogLevel  string       `yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error" jsonschema:"enum=trace,enum=debug,enum=info,enum=warn,enum=error"`
	LogFormat string       `yaml:"log_format,omitempty" validate:"omitempty,oneof=text json" jsonschema:"enum=text,enum=json"`
	Listen    ListenConfig `yaml:"listen,omitempty"`
	MQTT      MQTTConfig   `yaml:"mqtt,omitempty"`
	MCP       MCPConfig    `yaml:"mcp"`
}

// ListenConfig defines the status API server settings. A negative port
// disables the API.
type ListenConfig struct {
	Address string `yaml:"address,omitempty"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port,omitempty" validate:"lte=65535"`
}

// Enabled reports whether the status API should be started.
func (c ListenConfig) Enabled() bool {
	return c.Port > 0
}

// MQTTConfig defines the optional MQTT state publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker,omitempty" validate:"omitempty,url" jsonschema:"description=Broker URL such as mqtt://host:1883"`
	Username           string `yaml:"username,omitempty"`
	Password           string `yaml:"password,omitempty"`
	TopicPrefix        string `yaml:"topic_prefix,omitempty" validate:"omitempty,excludesall=#+"`
	PublishIntervalSec int    `yaml:"publish_interval_sec,omitempty" validate:"gte=0"`
	ClientID           string `yaml:"client_id,omitempty"`
	DiscoveryPrefix    string `yaml:"discovery_prefix,omitempty" validate:"omitempty,excludesall=#+" jsonschema:"description=Home Assistant discovery prefix; empty disables discovery"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// PublishInterval returns the periodic republish interval.
func (c MQTTConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalSec) * time.Second
}

// MCPConfig holds the MCP client settings and the server list.
type MCPConfig struct {
	RequestTimeout time.Duration  `yaml:"request_timeout,omitempty" jsonschema:"description=Per-request timeout as a Go duration"`
	InitTimeout    time.Duration  `yaml:"init_timeout,omitempty"`
	HealthInterval time.Duration  `yaml:"health_interval,omitempty" jsonschema:"description=Background health check interval; 0 disables"`
	ServersFile    string         `yaml:"servers_file,omitempty" jsonschema:"description=Optional mcpServers JSON file to import"`
	Servers        []ServerConfig `yaml:"servers" validate:"unique=Name,dive"`
}

// ServerConfig describes one MCP server. Exactly the section matching
// Transport is used; the others are ignored.
type ServerConfig struct {
	Name         string       `yaml:"name" validate:"required,max=64,servername" jsonschema:"required,pattern=^[A-Za-z0-9_-]+$"`
	Transport    string       `yaml:"transport" validate:"required,oneof=stdio http sse" jsonschema:"required,enum=stdio,enum=http,enum=sse"`
	Enabled      *bool        `yaml:"enabled,omitempty"`
	Stdio        *StdioConfig `yaml:"stdio,omitempty" validate:"required_if=Transport stdio"`
	HTTP         *HTTPConfig  `yaml:"http,omitempty" validate:"required_if=Transport http"`
	SSE          *SSEConfig   `yaml:"sse,omitempty" validate:"required_if=Transport sse"`
	IncludeTools []string     `yaml:"include_tools,omitempty"`
	ExcludeTools []string     `yaml:"exclude_tools,omitempty"`
}

// IsEnabled reports whether the server should be started. Servers are
// enabled unless explicitly disabled.
func (s ServerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// StdioConfig launches a server as a child process.
type StdioConfig struct {
	Command string            `yaml:"command" validate:"required" jsonschema:"required"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Cwd     string            `yaml:"cwd,omitempty"`
}

// HTTPConfig reaches a server with one POST per message.
type HTTPConfig struct {
	URL     string            `yaml:"url" validate:"required,http_url" jsonschema:"required"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Auth    *AuthConfig       `yaml:"auth,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Retries int               `yaml:"retries,omitempty" validate:"gte=0,lte=10"`
}

// SSEConfig reaches a server over a server-sent event stream, posting
// outbound messages to the endpoint the stream announces.
type SSEConfig struct {
	URL        string            `yaml:"url" validate:"required,http_url" jsonschema:"required"`
	MessageURL string            `yaml:"message_url,omitempty" jsonschema:"description=POST target used until the stream announces one"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Auth       *AuthConfig       `yaml:"auth,omitempty"`
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
	Retries    int               `yaml:"retries,omitempty" validate:"gte=0,lte=10"`
	Reconnect  ReconnectConfig   `yaml:"reconnect,omitempty"`
}

// ReconnectConfig paces SSE stream reconnects.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay,omitempty"`
	MaxAttempts  int           `yaml:"max_attempts,omitempty" validate:"gte=0"`
}

// AuthConfig attaches credentials to http and sse requests.
type AuthConfig struct {
	Type       string `yaml:"type" validate:"required,oneof=bearer apikey oauth" jsonschema:"required,enum=bearer,enum=apikey,enum=oauth"`
	Token      string `yaml:"token,omitempty"`
	TokenEnv   string `yaml:"token_env,omitempty" jsonschema:"description=Environment variable read on every request"`
	HeaderName string `yaml:"header_name,omitempty" jsonschema:"description=Header for apikey auth (default X-API-Key)"`
}

// Load reads configuration from a YAML file, imports any servers_file,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, completes and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.MCP.ServersFile != "" {
		imported, err := ImportServersFile(expandHome(cfg.MCP.ServersFile))
		if err != nil {
			return nil, err
		}
		cfg.MCP.Servers = mergeServers(cfg.MCP.Servers, imported)
	}

	cfg.applyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: DefaultPort},
		MCP: MCPConfig{
			RequestTimeout: DefaultRequestTimeout,
			InitTimeout:    DefaultInitTimeout,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.MCP.RequestTimeout <= 0 {
		c.MCP.RequestTimeout = DefaultRequestTimeout
	}
	if c.MCP.InitTimeout <= 0 {
		c.MCP.InitTimeout = DefaultInitTimeout
	}
	if c.MQTT.Configured() {
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = DefaultTopicPrefix
		}
		if c.MQTT.PublishIntervalSec == 0 {
			c.MQTT.PublishIntervalSec = DefaultPublishSec
		}
	}
	for i := range c.MCP.Servers {
		s := &c.MCP.Servers[i]
		s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
		if s.HTTP != nil && s.HTTP.Retries == 0 {
			s.HTTP.Retries = DefaultHTTPRetries
		}
		if s.SSE != nil && s.SSE.Retries == 0 {
			s.SSE.Retries = DefaultHTTPRetries
		}
	}
}

// Server returns the named server entry.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.MCP.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// ErrNoServers is returned by callers that require at least one server.
var ErrNoServers = errors.New("no MCP servers configured")

// mergeServers appends imported entries whose names are not already
// defined inline. Inline entries win.
func mergeServers(inline, imported []ServerConfig) []ServerConfig {
	seen := make(map[string]bool, len(inline))
	for _, s := range inline {
		seen[s.Name] = true
	}
	for _, s := range imported {
		if !seen[s.Name] {
			inline = append(inline, s)
			seen[s.Name] = true
		}
	}
	return inline
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
