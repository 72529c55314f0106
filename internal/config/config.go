package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RunMigrations bool

	Engine EngineConfig
}

// EngineConfig controls the quota calculation engine.
type EngineConfig struct {
	// RuleTimeout bounds a single activation-rule evaluation.
	RuleTimeout time.Duration
	// RunInterval is the pause between scheduled runs.
	RunInterval time.Duration
	// Workers is the size of the account-partitioned worker pool. 1 means
	// sequential processing.
	Workers int
	// AccountTimeout bounds a single account's full pass.
	AccountTimeout time.Duration
	// CompatZeroSeedMissingBalance replicates the legacy tolerance for an
	// account with computed usage history but no prior balance snapshot:
	// the run seeds from the credits already posted (the prior usage is
	// written off) instead of failing. Off by default; the default treats
	// that state as a consistency error.
	CompatZeroSeedMissingBalance bool
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "quotad"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "quota"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 2),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),

		RunMigrations: getenvBool("RUN_MIGRATIONS", false),

		Engine: EngineConfig{
			RuleTimeout:                  getenvDuration("QUOTA_ACTIVATION_RULE_TIMEOUT", 2*time.Second),
			RunInterval:                  getenvDuration("QUOTA_RUN_INTERVAL", time.Hour),
			Workers:                      getenvInt("QUOTA_WORKERS", 1),
			AccountTimeout:               getenvDuration("QUOTA_ACCOUNT_TIMEOUT", 5*time.Minute),
			CompatZeroSeedMissingBalance: getenvBool("QUOTA_COMPAT_ZERO_SEED_MISSING_BALANCE", false),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

// Module provides application configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(func(cfg Config) EngineConfig { return cfg.Engine }),
)
