package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	// DefaultDotEnv is read from the working directory when present.
	DefaultDotEnv = ".env"
)

// Config holds everything the agent reads at startup.
// 🛡️ Nothing here changes after Load; the process restarts to pick up new values.
type Config struct {
	Environment string
	Port        string
	LogLevel    slog.Level

	// Sites on disk
	DeployPath       string
	ActivationPolicy domain.ActivationPolicy
	ServeUser        string
	ServeGroup       string

	// Runtime backend
	Runtime             string // auto, docker or system
	NginxSitesAvailable string
	NginxSitesEnabled   string
	DockerNetwork       string
	DockerImage         string

	// Artifact limits
	FetchTimeout     time.Duration
	MaxArtifactSize  int64
	MaxExtractedSize int64

	// 🛡️ Zero-Trust Identity: at least one source is required in production
	PlatformURL   string
	TokenCacheTTL time.Duration
	JWTSecret     string
	AgentID       string
	TokenHash     string
	// SigningSecret enables HMAC signatures on deploy and restart bodies.
	SigningSecret string

	// Persistence. DatabaseURL takes precedence over the file audit log.
	AuditLogPath string
	DatabaseURL  string

	AllowedOrigins  []string
	GRPCSocket      string
	MonitorInterval time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
}

// HasAuthSource reports whether any way of verifying agent tokens is configured.
func (c *Config) HasAuthSource() bool {
	return c.PlatformURL != "" || c.JWTSecret != "" || c.TokenHash != ""
}

// Load reads the optional YAML file at path, then .env, then the process
// environment. Later sources win. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	return load(path, DefaultDotEnv, os.LookupEnv)
}

type lookupFunc func(key string) (string, bool)

func load(yamlPath, dotEnvPath string, lookupEnv lookupFunc) (*Config, error) {
	values := map[string]string{}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", yamlPath, err)
		}
	}

	if dotEnvPath != "" {
		dotEnv, err := godotenv.Read(dotEnvPath)
		switch {
		case err == nil:
			for k, v := range dotEnv {
				values[k] = v
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read %s: %w", dotEnvPath, err)
		}
	}

	r := reader{values: values, lookupEnv: lookupEnv}

	cfg := &Config{
		Environment:         r.get("AGENT_ENV", EnvProduction),
		Port:                r.get("AGENT_PORT", "3001"),
		DeployPath:          r.get("DEPLOY_PATH", "/var/www/sites"),
		ServeUser:           r.get("SERVE_USER", ""),
		ServeGroup:          r.get("SERVE_GROUP", ""),
		Runtime:             strings.ToLower(r.get("RUNTIME", "auto")),
		NginxSitesAvailable: r.get("NGINX_CONFIG_PATH", "/etc/nginx/sites-available"),
		NginxSitesEnabled:   r.get("NGINX_SITES_ENABLED", "/etc/nginx/sites-enabled"),
		DockerNetwork:       r.get("DOCKER_NETWORK", "sirka-network"),
		DockerImage:         r.get("DOCKER_IMAGE", "nginx:alpine"),
		PlatformURL:         strings.TrimRight(r.get("PLATFORM_URL", ""), "/"),
		JWTSecret:           r.get("AGENT_JWT_SECRET", ""),
		AgentID:             r.get("AGENT_ID", ""),
		TokenHash:           r.get("AGENT_TOKEN_HASH", ""),
		SigningSecret:       r.get("AGENT_SIGNING_SECRET", ""),
		AuditLogPath:        r.get("AUDIT_LOG_PATH", "/var/log/sirka-agent/audit.log"),
		DatabaseURL:         r.get("DATABASE_URL", ""),
		GRPCSocket:          r.get("AGENT_GRPC_SOCKET", "/run/sirka-agent/agent.sock"),
	}

	if _, _, err := domain.ParseBackendKind(cfg.Runtime); err != nil {
		r.fail(err)
	}

	policy, err := domain.ParseActivationPolicy(r.get("ACTIVATION_POLICY", string(domain.PolicyAtomicSwap)))
	if err != nil {
		r.fail(fmt.Errorf("ACTIVATION_POLICY: %w", err))
	}
	cfg.ActivationPolicy = policy

	if err := cfg.LogLevel.UnmarshalText([]byte(r.get("LOG_LEVEL", "info"))); err != nil {
		r.fail(fmt.Errorf("LOG_LEVEL: %w", err))
	}

	cfg.TokenCacheTTL = r.duration("TOKEN_CACHE_TTL", 5*time.Minute)
	cfg.FetchTimeout = r.duration("FETCH_TIMEOUT", 300*time.Second)
	cfg.MonitorInterval = r.duration("MONITOR_INTERVAL", time.Minute)
	cfg.MaxArtifactSize = r.size("MAX_ARTIFACT_SIZE", "100MB")
	cfg.MaxExtractedSize = r.size("MAX_EXTRACTED_SIZE", "1GB")
	cfg.RateLimitRPS = r.float("RATE_LIMIT_RPS", 10)
	cfg.RateLimitBurst = r.int("RATE_LIMIT_BURST", 20)

	if origins := r.get("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	// 🛡️ Zero-Trust: Fail Fast when nothing can verify a token
	if cfg.Environment == EnvProduction && !cfg.HasAuthSource() {
		r.fail(errors.New("no agent authentication configured: set PLATFORM_URL, AGENT_JWT_SECRET or AGENT_TOKEN_HASH"))
	}

	if len(r.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(r.errs...))
	}
	return cfg, nil
}

// reader resolves a key against the environment first and the file values second,
// collecting parse errors so every bad key is reported at once.
type reader struct {
	values    map[string]string
	lookupEnv lookupFunc
	errs      []error
}

func (r *reader) get(key, fallback string) string {
	if value, exists := r.lookupEnv(key); exists {
		return value
	}
	if value, exists := r.values[key]; exists {
		return value
	}
	return fallback
}

func (r *reader) fail(err error) {
	r.errs = append(r.errs, err)
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	raw := r.get(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		r.fail(fmt.Errorf("%s: want a positive duration like 30s or 5m, got %q", key, raw))
		return fallback
	}
	return d
}

func (r *reader) size(key, fallback string) int64 {
	raw := r.get(key, fallback)
	n, err := humanize.ParseBytes(raw)
	if err != nil || n == 0 {
		r.fail(fmt.Errorf("%s: want a size like 100MB, got %q", key, raw))
		n, _ = humanize.ParseBytes(fallback)
	}
	return int64(n)
}

func (r *reader) float(key string, fallback float64) float64 {
	raw := r.get(key, "")
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		r.fail(fmt.Errorf("%s: want a non-negative number, got %q", key, raw))
		return fallback
	}
	return f
}

func (r *reader) int(key string, fallback int) int {
	raw := r.get(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		r.fail(fmt.Errorf("%s: want a non-negative integer, got %q", key, raw))
		return fallback
	}
	return n
}
