package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/seismicgear/annex/pkg/policy"
)

// Config holds all configuration for the Annex server core. Everything is
// read once at bootstrap; policy knobs become the first policy version.
type Config struct {
	// Server identity
	ServerSlug  string
	ServerLabel string

	// Listeners
	ListenAddr  string
	MetricsAddr string

	// Durable store
	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Zero-knowledge plane
	ZKVerifyingKeyPath string

	// Key management
	DataDir        string
	Ed25519KeyPath string // optional override; defaults under DataDir

	// Operation deadlines
	RegisterTimeout  time.Duration
	VerifyTimeout    time.Duration
	HandshakeTimeout time.Duration

	// Policy bootstrap
	PolicyPath string // optional YAML overlay

	LogLevel string
}

// Load reads configuration from environment variables.
//
// Required variables have no defaults: DB_PATH and ZK_VERIFYING_KEY_PATH
// must be explicitly set. Call Validate() after Load().
func Load() (*Config, error) {
	cfg := &Config{
		ServerSlug:  getEnv("SERVER_SLUG", "default"),
		ServerLabel: getEnv("SERVER_LABEL", "Annex Server"),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		DBPath:            getEnv("DB_PATH", ""),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		ZKVerifyingKeyPath: getEnv("ZK_VERIFYING_KEY_PATH", ""),

		DataDir:        getEnv("DATA_DIR", "./data"),
		Ed25519KeyPath: getEnv("ED25519_KEY_PATH", ""),

		RegisterTimeout:  getEnvDuration("REGISTER_TIMEOUT", 5*time.Second),
		VerifyTimeout:    getEnvDuration("VERIFY_TIMEOUT", 20*time.Second),
		HandshakeTimeout: getEnvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),

		PolicyPath: getEnv("SERVER_POLICY_PATH", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	var errs []string
	if c.DBPath == "" {
		errs = append(errs, "DB_PATH is required but not set")
	}
	if c.ZKVerifyingKeyPath == "" {
		errs = append(errs, "ZK_VERIFYING_KEY_PATH is required but not set")
	}
	if c.ServerSlug == "" {
		errs = append(errs, "SERVER_SLUG must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// BootstrapPolicy builds the initial policy snapshot: defaults, then the
// optional YAML overlay, then SERVER_POLICY_* environment overrides.
func (c *Config) BootstrapPolicy() (*policy.Policy, error) {
	p := policy.Default()
	if c.PolicyPath != "" {
		loaded, err := policy.LoadFile(c.PolicyPath)
		if err != nil {
			return nil, err
		}
		p = loaded
	}

	p.RateLimit.Registration = getEnvInt("SERVER_POLICY_REGISTRATION_LIMIT", p.RateLimit.Registration)
	p.RateLimit.Verification = getEnvInt("SERVER_POLICY_VERIFICATION_LIMIT", p.RateLimit.Verification)
	p.RateLimit.Default = getEnvInt("SERVER_POLICY_DEFAULT_LIMIT", p.RateLimit.Default)
	p.FederationEnabled = getEnvBool("SERVER_POLICY_FEDERATION_ENABLED", p.FederationEnabled)
	p.VoiceEnabled = getEnvBool("SERVER_POLICY_VOICE_ENABLED", p.VoiceEnabled)
	p.DefaultRetentionDays = getEnvInt("SERVER_POLICY_RETENTION_DAYS", p.DefaultRetentionDays)
	p.MaxMembers = getEnvInt("SERVER_POLICY_MAX_MEMBERS", p.MaxMembers)
	p.MaxTransferScope = getEnv("SERVER_POLICY_MAX_TRANSFER_SCOPE", p.MaxTransferScope)
	p.FederationRehandshakeMinSeconds = getEnvInt("SERVER_POLICY_REHANDSHAKE_MIN_SECONDS", p.FederationRehandshakeMinSeconds)
	p.FederationFreshnessSeconds = getEnvInt("SERVER_POLICY_FRESHNESS_SECONDS", p.FederationFreshnessSeconds)
	p.AgentMinAlignmentScore = getEnvFloat("SERVER_POLICY_AGENT_MIN_ALIGNMENT_SCORE", p.AgentMinAlignmentScore)
	if v := getEnv("SERVER_POLICY_PRINCIPLES", ""); v != "" {
		p.Principles = splitList(v)
	}
	if v := getEnv("SERVER_POLICY_PROHIBITED_ACTIONS", ""); v != "" {
		p.ProhibitedActions = splitList(v)
	}
	if v := getEnv("SERVER_POLICY_AGENT_REQUIRED_CAPABILITIES", ""); v != "" {
		p.AgentRequiredCapabilities = splitList(v)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
