// Package config loads the declarative JSON configuration for the control
// plane: the set of SQL and KV clouds, environment-driven runtime knobs, and
// the ${VAR} / ${SECRET:name:key} substitution applied to the raw JSON
// before it is unmarshalled.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"fanoutctl/internal/domain"
)

// CloudsDocument is the top-level shape of the declarative JSON config.
type CloudsDocument struct {
	Primary    domain.CloudConfig   `json:"primary"`
	Secondary  []domain.CloudConfig `json:"secondary"`
	KVClouds   []domain.CloudConfig `json:"kvClouds"`
}

// Runtime holds the environment-driven knobs from §6.5, plus the HTTP/TLS
// and logging settings the teacher's config carries for every deployment.
type Runtime struct {
	ListenAddr        string
	TLSCertFile       string
	TLSKeyFile        string
	AllowInsecureHTTP bool
	LogLevel          string
	Env               string

	RedisHost               string
	RedisPort               int
	RedisClusterMode        bool
	RedisExecutionTTLSec    int
	MaxQueryTimeoutMs       int
	StatementTimeoutMs      int
	SessionTTLSec           int

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	JWTSecret          string
	ReauthPasswordHash string

	Warnings []string
}

// Config is the fully loaded, validated configuration: cloud topology plus
// runtime knobs.
type Config struct {
	Clouds  CloudsDocument
	Runtime Runtime
}

// SlogLevel maps Runtime.LogLevel to an slog.Level.
func (r *Runtime) SlogLevel() slog.Level {
	switch strings.ToLower(r.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction reports whether the server is running in production mode.
func (r *Runtime) IsProduction() bool {
	return strings.EqualFold(r.Env, "production")
}

// RedisIsLocal reports whether the shared store's Redis host points at this
// machine, the one case where the in-memory fallback tier is permitted.
func (r *Runtime) RedisIsLocal() bool {
	return r.RedisHost == "localhost" || r.RedisHost == "127.0.0.1"
}

// Load reads the declarative JSON cloud config from path, applies ${VAR} /
// ${SECRET:name:key} substitution, unmarshals it, loads the runtime knobs
// from the environment, and validates both.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	substituted, err := substitute(string(raw))
	if err != nil {
		return nil, fmt.Errorf("substitute config %s: %w", path, err)
	}

	var doc CloudsDocument
	if err := json.Unmarshal([]byte(substituted), &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validateClouds(&doc); err != nil {
		return nil, err
	}

	rt := LoadRuntimeFromEnv()

	return &Config{Clouds: doc, Runtime: rt}, nil
}

// validateClouds enforces §6.2: the primary cloud and every secondary SQL
// cloud must carry the full db_configs shape; KV clouds need only a seed
// host/port.
func validateClouds(doc *CloudsDocument) error {
	if doc.Primary.CloudName == "" {
		return fmt.Errorf("config: primary.cloudName is required")
	}
	if err := validateSQLCloud(doc.Primary); err != nil {
		return fmt.Errorf("config: primary cloud %q: %w", doc.Primary.CloudName, err)
	}
	for _, c := range doc.Secondary {
		if err := validateSQLCloud(c); err != nil {
			return fmt.Errorf("config: secondary cloud %q: %w", c.CloudName, err)
		}
	}
	for _, c := range doc.KVClouds {
		if c.CloudName == "" || c.Host == "" || c.Port == 0 {
			return fmt.Errorf("config: kv cloud %q missing cloudName/host/port", c.CloudName)
		}
	}
	return nil
}

func validateSQLCloud(c domain.CloudConfig) error {
	if len(c.DBConfigs) == 0 {
		return fmt.Errorf("db_configs must contain at least one database")
	}
	for _, db := range c.DBConfigs {
		if db.Name == "" || db.Host == "" || db.Port == 0 || db.User == "" ||
			db.Password == "" || db.Database == "" || len(db.Schemas) == 0 || db.DefaultSchema == "" {
			return fmt.Errorf("db_config %q is missing a required field", db.Name)
		}
	}
	return nil
}

var substitutionPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substitute replaces every ${VAR} with the environment variable VAR and
// every ${SECRET:name:key} with the contents of /secrets/<name>/<key>.
func substitute(raw string) (string, error) {
	var firstErr error
	out := substitutionPattern.ReplaceAllStringFunc(raw, func(m string) string {
		if firstErr != nil {
			return m
		}
		inner := substitutionPattern.FindStringSubmatch(m)[1]
		if strings.HasPrefix(inner, "SECRET:") {
			parts := strings.SplitN(strings.TrimPrefix(inner, "SECRET:"), ":", 2)
			if len(parts) != 2 {
				firstErr = fmt.Errorf("malformed ${SECRET:name:key} reference %q", m)
				return m
			}
			val, err := readSecret(parts[0], parts[1])
			if err != nil {
				firstErr = err
				return m
			}
			return val
		}
		return os.Getenv(inner)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// readSecretRoot is overridable in tests; production always mounts secrets
// under /secrets.
var readSecretRoot = "/secrets"

func readSecret(name, key string) (string, error) {
	path := fmt.Sprintf("%s/%s/%s", readSecretRoot, name, key)
	b, err := os.ReadFile(path) //nolint:gosec // path is built from trusted config, not end-user input
	if err != nil {
		return "", fmt.Errorf("read secret %s/%s: %w", name, key, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// LoadRuntimeFromEnv loads the §6.5 environment-driven runtime knobs, with
// defaults matching the spec.
func LoadRuntimeFromEnv() Runtime {
	rt := Runtime{
		ListenAddr:       os.Getenv("LISTEN_ADDR"),
		TLSCertFile:      os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:       os.Getenv("TLS_KEY_FILE"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		Env:              os.Getenv("ENV"),
		RedisHost:        os.Getenv("REDIS_HOST"),
		RedisClusterMode: strings.EqualFold(os.Getenv("REDIS_CLUSTER_MODE"), "true"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		ReauthPasswordHash: os.Getenv("REAUTH_PASSWORD_HASH"),
	}

	rt.RedisPort = intEnvDefault("REDIS_PORT", 6379)
	rt.RedisExecutionTTLSec = intEnvDefault("REDIS_EXECUTION_TTL_SECONDS", 300)
	rt.MaxQueryTimeoutMs = intEnvDefault("MAX_QUERY_TIMEOUT_MS", 300_000)
	rt.StatementTimeoutMs = intEnvDefault("STATEMENT_TIMEOUT_MS", 300_000)
	rt.SessionTTLSec = intEnvDefault("SESSION_TTL_SECONDS", 0)

	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			rt.RateLimitRPS = f
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rt.RateLimitBurst = n
		}
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		rt.CORSAllowedOrigins = origins
	}
	if strings.EqualFold(os.Getenv("ALLOW_INSECURE_HTTP"), "true") {
		rt.AllowInsecureHTTP = true
	}

	if rt.ListenAddr == "" {
		rt.ListenAddr = ":8080"
	}
	if rt.LogLevel == "" {
		rt.LogLevel = "info"
	}
	if rt.RedisHost == "" {
		rt.RedisHost = "localhost"
		rt.Warnings = append(rt.Warnings, "REDIS_HOST not set — defaulting to localhost, the in-memory execution store fallback will be used")
	}
	if rt.RateLimitRPS == 0 {
		rt.RateLimitRPS = 100
	}
	if rt.RateLimitBurst == 0 {
		rt.RateLimitBurst = 200
	}
	if len(rt.CORSAllowedOrigins) == 0 {
		rt.CORSAllowedOrigins = []string{"*"}
	}
	if rt.JWTSecret == "" {
		rt.JWTSecret = "dev-secret-change-in-production"
		rt.Warnings = append(rt.Warnings, "JWT_SECRET not set — using an insecure development default")
	}
	if rt.ReauthPasswordHash == "" {
		rt.Warnings = append(rt.Warnings, "REAUTH_PASSWORD_HASH not set — dangerous-verb password re-auth will always fail closed")
	}

	return rt
}

func intEnvDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// LoadDotEnv reads a .env file and sets any variables not already in the
// environment. Lines must be in KEY=VALUE format. Comments (#) and blank
// lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = stripQuotes(value)
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
