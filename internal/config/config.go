// Package config loads gateway configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	AuthService AuthServiceConfig `koanf:"auth_service"`
	GlobalLimit LimitConfig       `koanf:"global_limit"`
	Routes      []RouteConfig     `koanf:"routes"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit"`
	AccessLog   AccessLogConfig   `koanf:"accesslog"`
	// JWTSecret is consumed by the auth stub only; the gateway itself
	// never inspects token contents.
	JWTSecret string `koanf:"jwt_secret"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type AuthServiceConfig struct {
	URL           string        `koanf:"url"`
	VerifyTimeout time.Duration `koanf:"verify_timeout"`
}

// LimitConfig is a fixed-window rate limit policy.
type LimitConfig struct {
	Window  time.Duration `koanf:"window"`
	Max     int           `koanf:"max"`
	Message string        `koanf:"message"`
}

// RouteConfig maps a public path prefix to a backend service.
type RouteConfig struct {
	Name   string `koanf:"name"`
	Prefix string `koanf:"prefix"`
	Target string `koanf:"target"`
	// TargetPrefix is prepended to the stripped path before forwarding.
	// The auth route uses it to map /api/auth/login to /auth/login.
	TargetPrefix string      `koanf:"target_prefix"`
	AuthRequired bool        `koanf:"auth_required"`
	Limit        LimitConfig `koanf:"limit"`
}

type RateLimitConfig struct {
	Store         string        `koanf:"store"` // memory or redis
	Redis         RedisConfig   `koanf:"redis"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type AccessLogConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration from path (a missing file is not an error)
// and applies GATEWAY_-prefixed environment variables on top. Double
// underscores in variable names map to key separators, e.g.
// GATEWAY_SERVER__PORT overrides server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider("GATEWAY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "GATEWAY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	applyDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	expandEnvVars(&cfg)

	if len(cfg.Routes) == 0 {
		cfg.Routes = DefaultRoutes(cfg.AuthService.URL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	defaults := map[string]interface{}{
		"server.port":                 3001,
		"auth_service.url":            "http://auth-service:3002",
		"auth_service.verify_timeout": "5s",
		"global_limit.window":         "15m",
		"global_limit.max":            1000,
		"global_limit.message":        "Too many requests",
		"ratelimit.store":             "memory",
		"ratelimit.sweep_interval":    "5m",
		"accesslog.path":              "./data/accesslog.db",
	}
	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}
}

// DefaultRoutes returns the route table used when none is configured.
// The values mirror the deployment this gateway fronts: the auth service
// plus the users, products, and orders services, each with its own
// ceiling. The auth route has the tightest limit since it guards
// unauthenticated login traffic.
func DefaultRoutes(authURL string) []RouteConfig {
	return []RouteConfig{
		{
			Name:         "auth",
			Prefix:       "/api/auth",
			Target:       authURL,
			TargetPrefix: "/auth",
			AuthRequired: false,
			Limit:        LimitConfig{Window: 15 * time.Minute, Max: 100, Message: "Too many authentication attempts"},
		},
		{
			Name:         "users",
			Prefix:       "/api/users",
			Target:       "http://localhost:4000",
			AuthRequired: true,
			Limit:        LimitConfig{Window: 15 * time.Minute, Max: 500, Message: "Too many requests to user service"},
		},
		{
			Name:         "products",
			Prefix:       "/api/products",
			Target:       "http://localhost:4001",
			AuthRequired: true,
			Limit:        LimitConfig{Window: 15 * time.Minute, Max: 300},
		},
		{
			Name:         "orders",
			Prefix:       "/api/orders",
			Target:       "http://localhost:4002",
			AuthRequired: true,
			Limit:        LimitConfig{Window: 15 * time.Minute, Max: 200},
		},
	}
}

// Validate checks the invariants the rest of the gateway relies on:
// route names and prefixes are present and unique, prefixes are rooted,
// and targets are set.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	seenPrefix := make(map[string]string, len(c.Routes))
	seenName := make(map[string]bool, len(c.Routes))
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.Name == "" {
			return fmt.Errorf("route %d: name required", i)
		}
		if seenName[r.Name] {
			return fmt.Errorf("route %q: duplicate name", r.Name)
		}
		seenName[r.Name] = true
		if !strings.HasPrefix(r.Prefix, "/") || r.Prefix == "/" {
			return fmt.Errorf("route %q: prefix must start with / and not be the root", r.Name)
		}
		r.Prefix = strings.TrimRight(r.Prefix, "/")
		if other, ok := seenPrefix[r.Prefix]; ok {
			return fmt.Errorf("route %q: prefix %s already used by route %q", r.Name, r.Prefix, other)
		}
		seenPrefix[r.Prefix] = r.Name
		if r.Target == "" {
			return fmt.Errorf("route %q: target required", r.Name)
		}
	}
	return nil
}

// expandEnvVars replaces ${VAR} references in string fields with the
// value of the corresponding environment variable. Unset variables are
// left as-is so misconfigurations stay visible.
func expandEnvVars(cfg *Config) {
	cfg.AuthService.URL = expandString(cfg.AuthService.URL)
	cfg.JWTSecret = expandString(cfg.JWTSecret)
	cfg.RateLimit.Redis.Addr = expandString(cfg.RateLimit.Redis.Addr)
	cfg.RateLimit.Redis.Password = expandString(cfg.RateLimit.Redis.Password)
	for i := range cfg.Routes {
		cfg.Routes[i].Target = expandString(cfg.Routes[i].Target)
	}
}

func expandString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
