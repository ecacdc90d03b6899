package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every option the server consumes at startup.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Auth      AuthConfig                `koanf:"auth"`
	Cache     CacheConfig               `koanf:"cache"`
	Queries   QueriesConfig             `koanf:"queries"`
	Databases map[string]DatabaseConfig `koanf:"databases"`
}

// ServerConfig collects the bootstrap knobs owned by the server lifecycle.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuthConfig carries the bearer-token verification material. The client
// secret is stored base64 encoded, matching how identity providers hand it
// out.
type AuthConfig struct {
	ClientID              string `koanf:"clientId"`
	ClientSecret          string `koanf:"clientSecret"`
	CallerCacheTTLSeconds int    `koanf:"callerCacheTtlSeconds"`
}

// SecretBytes decodes the configured client secret into the raw signing key.
func (a AuthConfig) SecretBytes() ([]byte, error) {
	if strings.TrimSpace(a.ClientSecret) == "" {
		return nil, errors.New("config: auth.clientSecret required")
	}
	decoded, err := base64.StdEncoding.DecodeString(a.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("config: auth.clientSecret is not valid base64: %w", err)
	}
	return decoded, nil
}

// CallerCacheTTL returns the caller identity cache lifetime.
func (a AuthConfig) CallerCacheTTL() time.Duration {
	return time.Duration(a.CallerCacheTTLSeconds) * time.Second
}

// CacheConfig selects the cache backend and the response cache policy.
type CacheConfig struct {
	Backend    string `koanf:"backend"`
	TTLSeconds int    `koanf:"ttlSeconds"`
	// PrivateActions lists action names whose cached responses must be
	// partitioned per caller.
	PrivateActions []string         `koanf:"privateActions"`
	Guard          GuardConfig      `koanf:"guard"`
	Redis          RedisCacheConfig `koanf:"redis"`
}

// TTL returns the default response cache lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// GuardConfig gates the duplicate-request guard.
type GuardConfig struct {
	Enabled    bool `koanf:"enabled"`
	TTLSeconds int  `koanf:"ttlSeconds"`
}

// TTL returns how long an in-flight marker may outlive a crashed request.
func (g GuardConfig) TTL() time.Duration {
	return time.Duration(g.TTLSeconds) * time.Second
}

type RedisCacheConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// QueriesConfig announces where named query templates are sourced and how
// long a single execution may run.
type QueriesConfig struct {
	Dir             string `koanf:"dir"`
	DefaultDatabase string `koanf:"defaultDatabase"`
	TimeoutSeconds  int    `koanf:"timeoutSeconds"`
}

// Timeout returns the per-query execution deadline.
func (q QueriesConfig) Timeout() time.Duration {
	return time.Duration(q.TimeoutSeconds) * time.Second
}

// DatabaseConfig describes one PostgreSQL pool.
type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	MaxConns int    `koanf:"maxConns"`
	MinConns int    `koanf:"minConns"`
}

// DSN renders the pool configuration as a pgx connection string.
func (d DatabaseConfig) DSN() string {
	port := d.Port
	if port <= 0 {
		port = 5432
	}
	parts := []string{
		fmt.Sprintf("host=%s", d.Host),
		fmt.Sprintf("port=%d", port),
		fmt.Sprintf("dbname=%s", d.Name),
	}
	if d.User != "" {
		parts = append(parts, fmt.Sprintf("user=%s", d.User))
	}
	if d.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", d.Password))
	}
	if d.MaxConns > 0 {
		parts = append(parts, fmt.Sprintf("pool_max_conns=%d", d.MaxConns))
	}
	if d.MinConns > 0 {
		parts = append(parts, fmt.Sprintf("pool_min_conns=%d", d.MinConns))
	}
	return strings.Join(parts, " ")
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Auth.CallerCacheTTLSeconds < 0 {
		return fmt.Errorf("config: auth.callerCacheTtlSeconds invalid: %d", c.Auth.CallerCacheTTLSeconds)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: cache.ttlSeconds invalid: %d", c.Cache.TTLSeconds)
	}
	if c.Cache.Guard.TTLSeconds < 0 {
		return fmt.Errorf("config: cache.guard.ttlSeconds invalid: %d", c.Cache.Guard.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	if strings.TrimSpace(c.Queries.Dir) == "" {
		return errors.New("config: queries.dir required")
	}
	if c.Queries.TimeoutSeconds < 0 {
		return fmt.Errorf("config: queries.timeoutSeconds invalid: %d", c.Queries.TimeoutSeconds)
	}
	for name, db := range c.Databases {
		if strings.TrimSpace(db.Host) == "" {
			return fmt.Errorf("config: databases.%s.host required", name)
		}
		if strings.TrimSpace(db.Name) == "" {
			return fmt.Errorf("config: databases.%s.name required", name)
		}
	}
	if len(c.Databases) > 0 {
		if _, ok := c.Databases[c.Queries.DefaultDatabase]; !ok {
			return fmt.Errorf("config: queries.defaultDatabase %q is not a configured database", c.Queries.DefaultDatabase)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values used when file and environment
// leave an option unset.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Auth: AuthConfig{
			CallerCacheTTLSeconds: 600,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			TTLSeconds: 600,
			Guard: GuardConfig{
				Enabled:    false,
				TTLSeconds: 10,
			},
		},
		Queries: QueriesConfig{
			Dir:             "./queries",
			DefaultDatabase: "main",
			TimeoutSeconds:  30,
		},
	}
}
