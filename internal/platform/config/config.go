package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration so main stays lean. Every
// field has a default suitable for local development.
type Config struct {
	Addr          string
	JWTSigningKey string

	PostgresDSN  string
	RedisURL     string
	KafkaBrokers []string
	AuditTopic   string

	Watcher WatcherConfig
	Anchor  AnchorConfig
	Rules   RulesConfig
	Plan    PlanConfig
}

// WatcherConfig controls the law-change and housekeeping sweeps.
type WatcherConfig struct {
	Interval            time.Duration // law-change sweep cadence
	ExpirySweepInterval time.Duration // proposal expiry sweep cadence
	CheckinPeriodDays   int           // quiet days before a periodic check-in
	MaterialFields      []string      // rule fields that warrant a trigger
}

// AnchorConfig controls anchor submission, polling, and spend. When
// ProviderURL is empty the local in-memory provider is used.
type AnchorConfig struct {
	ProviderURL    string
	ProviderAPIKey string
	DailyBudgetUSD float64
	SubmitCostUSD  float64
	RetryBase      time.Duration
	RetryCap       time.Duration
	MaxAttempts    int
	SubmitTimeout  time.Duration
	PollTimeout    time.Duration
	PollInterval   time.Duration
	Workers        int
}

// RulesConfig controls the rule catalogue read cache.
type RulesConfig struct {
	CacheTTL time.Duration
}

// PlanConfig controls document rendering.
type PlanConfig struct {
	RenderTimeout time.Duration
}

// DefaultMaterialFields are the rule attributes whose change always
// warrants a law-change trigger.
var DefaultMaterialFields = []string{
	"notarisation_required",
	"witnesses_required",
	"remote_notary_allowed",
	"esign_allowed",
	"pet_trust_allowed",
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	cfg := Config{
		Addr:          envString("HEIRLOOM_ADDR", ":8080"),
		JWTSigningKey: envString("HEIRLOOM_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		PostgresDSN:   os.Getenv("HEIRLOOM_POSTGRES_DSN"),
		RedisURL:      os.Getenv("HEIRLOOM_REDIS_URL"),
		AuditTopic:    envString("HEIRLOOM_AUDIT_TOPIC", "heirloom.audit"),
		Watcher: WatcherConfig{
			Interval:            envDuration("HEIRLOOM_WATCHER_INTERVAL", 24*time.Hour),
			ExpirySweepInterval: envDuration("HEIRLOOM_PROPOSAL_EXPIRY_SWEEP_INTERVAL", time.Hour),
			CheckinPeriodDays:   envInt("HEIRLOOM_CHECKIN_PERIOD_DAYS", 335),
			MaterialFields:      envList("HEIRLOOM_MATERIAL_FIELD_SET", DefaultMaterialFields),
		},
		Anchor: AnchorConfig{
			ProviderURL:    os.Getenv("HEIRLOOM_ANCHOR_PROVIDER_URL"),
			ProviderAPIKey: os.Getenv("HEIRLOOM_ANCHOR_PROVIDER_API_KEY"),
			DailyBudgetUSD: envFloat("HEIRLOOM_ANCHOR_DAILY_BUDGET_USD", 50),
			SubmitCostUSD:  envFloat("HEIRLOOM_ANCHOR_SUBMIT_COST_USD", 0.25),
			RetryBase:      envDuration("HEIRLOOM_ANCHOR_RETRY_BASE", 30*time.Second),
			RetryCap:       envDuration("HEIRLOOM_ANCHOR_RETRY_CAP", time.Hour),
			MaxAttempts:    envInt("HEIRLOOM_ANCHOR_RETRY_MAX_ATTEMPTS", 10),
			SubmitTimeout:  envDuration("HEIRLOOM_ANCHOR_SUBMIT_TIMEOUT", 30*time.Second),
			PollTimeout:    envDuration("HEIRLOOM_ANCHOR_POLL_TIMEOUT", 10*time.Second),
			PollInterval:   envDuration("HEIRLOOM_ANCHOR_POLL_INTERVAL", time.Minute),
			Workers:        envInt("HEIRLOOM_ANCHOR_WORKERS", 4),
		},
		Rules: RulesConfig{
			CacheTTL: envDuration("HEIRLOOM_RULE_CACHE_TTL", 15*time.Minute),
		},
		Plan: PlanConfig{
			RenderTimeout: envDuration("HEIRLOOM_RENDER_TIMEOUT", 30*time.Second),
		},
	}

	if brokers := os.Getenv("HEIRLOOM_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
