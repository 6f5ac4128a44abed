// Package config provides unified configuration for the werkstatt server.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (WERKSTATT_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import "time"

// Config holds all configuration for the werkstatt server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Storage       StorageConfig       `yaml:"storage"`
	Auth          AuthConfig          `yaml:"auth"`
	MCP           MCPConfig           `yaml:"mcp"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // default: 8080
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 360s, must cover the longest execution
}

// SandboxConfig holds the execution engine knobs shared by every sandbox
// provider, plus the provider-specific sections. The duration and size
// knobs map onto the engine tunables; zero selects the engine default.
type SandboxConfig struct {
	ExecTimeout      time.Duration `yaml:"exec_timeout"`       // per-execution default, engine default: 30s
	ExecTimeoutMax   time.Duration `yaml:"exec_timeout_max"`   // hard cap on per-tool timeouts, engine default: 300s
	DefaultVCPUs     int           `yaml:"default_vcpus"`      // engine default: 1
	PoolTTL          time.Duration `yaml:"pool_ttl"`           // warm sandbox max age, engine default: 10m
	PoolMaxUses      int           `yaml:"pool_max_uses"`      // executions before rebuild, engine default: 50
	SweepInterval    time.Duration `yaml:"sweep_interval"`     // pool sweep period, engine default: 60s
	MaxOutputBytes   int64         `yaml:"max_output_bytes"`   // combined stdout+stderr cap, engine default: 1 MiB
	QueueWaitTimeout time.Duration `yaml:"queue_wait_timeout"` // concurrency gate wait, engine default: 30s

	Native NativeConfig `yaml:"native"`
	Remote RemoteConfig `yaml:"remote"`
}

// NativeConfig holds settings for the local-process sandbox provider.
type NativeConfig struct {
	// BaseDir is the parent directory for sandbox workspaces.
	// Empty uses the system temp directory.
	BaseDir string `yaml:"base_dir"`

	NodeBin string `yaml:"node_bin"` // default: "node" (resolved through PATH)
	NPMBin  string `yaml:"npm_bin"`  // default: "npm"
}

// RemoteConfig selects how remote micro-VM sandboxes are provisioned.
type RemoteConfig struct {
	// Provider is "cloud" (hosted provider HTTP API), "kubernetes"
	// (agent-sandbox claims in a cluster), or empty to disable the
	// remote variant. Tools that request a remote sandbox fail with a
	// configuration error when disabled.
	Provider string `yaml:"provider"`

	// BaseURL is the hosted provider endpoint. Required for provider "cloud".
	BaseURL string `yaml:"base_url"`

	// Kubernetes provisioner settings, used for provider "kubernetes".
	Template     string        `yaml:"template"`      // SandboxTemplate name, default: "werkstatt-sandbox"
	Namespace    string        `yaml:"namespace"`     // default: "default"
	ReadyTimeout time.Duration `yaml:"ready_timeout"` // claim readiness wait, default: 120s
}

// StorageConfig holds state management settings.
type StorageConfig struct {
	Type          string         `yaml:"type"`           // "memory" or "postgres", default: "memory"
	MaxExecutions int            `yaml:"max_executions"` // memory store retention cap, default: 10000
	Postgres      PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type         string         `yaml:"type"`           // "none", "apikey", or "jwt", default: "none"
	APIKeys      []APIKeyConfig `yaml:"api_keys"`       // API key entries for type=apikey
	JWT          JWTConfig      `yaml:"jwt"`            // settings for type=jwt
	RateLimitRPM int            `yaml:"rate_limit_rpm"` // per-subject requests per minute, 0 disables
}

// APIKeyConfig describes a single API key entry. TeamID and ProjectID
// become the caller's default sandbox tenancy.
type APIKeyConfig struct {
	Key         string `yaml:"key"`
	KeyFile     string `yaml:"key_file"` // _file variant for key
	Subject     string `yaml:"subject"`
	TeamID      string `yaml:"team_id"`
	ProjectID   string `yaml:"project_id"`
	ServiceTier string `yaml:"service_tier"`
}

// JWTConfig holds JWT validation settings.
type JWTConfig struct {
	Issuer   string `yaml:"issuer"`   // expected iss claim; empty skips the check
	Audience string `yaml:"audience"` // expected aud claim; empty skips the check
	JWKSURL  string `yaml:"jwks_url"` // key set endpoint, required for type=jwt
}

// MCPConfig holds the Model Context Protocol server surface, which
// exposes registered function tools to MCP clients.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/mcp"
}

// Defaults returns a Config with all default values filled in. Sandbox
// engine knobs stay zero here; the engine fills its own defaults so the
// values live in one place.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 360 * time.Second,
		},
		Sandbox: SandboxConfig{
			Native: NativeConfig{
				NodeBin: "node",
				NPMBin:  "npm",
			},
			Remote: RemoteConfig{
				Template:     "werkstatt-sandbox",
				Namespace:    "default",
				ReadyTimeout: 120 * time.Second,
			},
		},
		Storage: StorageConfig{
			Type:          "memory",
			MaxExecutions: 10000,
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		MCP: MCPConfig{
			Enabled: true,
			Path:    "/mcp",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
