package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const executorURLPrefix = "ORCH_EXECUTOR_URL_"

// Config is the process configuration read from the environment.
type Config struct {
	DatabaseURL    string
	StoreBackend   string // postgres or memory
	HistoryBackend string // store or redis
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	PolicyFile     string
	Port           string
	Workers        int
	// ExecutorURLs maps a provider name to the base URL of its executor service.
	ExecutorURLs map[string]string
	OTelExporter string
	OTelEndpoint string
	LogLevel     string
	LogFormat    string
}

// Load reads .env when present and then the environment. Overrides run
// before validation.
func Load(overrides ...func(*Config)) (Config, error) {
	// a missing .env is fine
	_ = godotenv.Load()
	cfg := FromEnv()
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func FromEnv() Config {
	return Config{
		DatabaseURL:    databaseURL(),
		StoreBackend:   strings.ToLower(getenv("ORCH_STORE", "postgres")),
		HistoryBackend: strings.ToLower(getenv("ORCH_HISTORY", "store")),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getenv("REDIS_PASSWORD", ""),
		RedisDB:        getenvInt("REDIS_DB", 0),
		PolicyFile:     getenv("ORCH_POLICY_FILE", ""),
		Port:           getenv("PORT", "8080"),
		Workers:        getenvInt("ORCH_WORKERS", 4),
		ExecutorURLs:   executorURLs(os.Environ()),
		OTelExporter:   getenv("ORCH_OTEL_EXPORTER", "none"),
		OTelEndpoint:   getenv("ORCH_OTEL_ENDPOINT", ""),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		LogFormat:      getenv("LOG_FORMAT", "text"),
	}
}

func (c Config) Validate() error {
	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required for the postgres store")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown ORCH_STORE %q", c.StoreBackend)
	}
	switch c.HistoryBackend {
	case "store", "redis":
	default:
		return fmt.Errorf("unknown ORCH_HISTORY %q", c.HistoryBackend)
	}
	return nil
}

// databaseURL prefers DATABASE_URL and falls back to the DB_* variables.
func databaseURL() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

// executorURLs collects ORCH_EXECUTOR_URL_<PROVIDER> entries keyed by the
// lower-cased provider name.
func executorURLs(environ []string) map[string]string {
	out := map[string]string{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, executorURLPrefix) || value == "" {
			continue
		}
		provider := strings.ToLower(strings.TrimPrefix(key, executorURLPrefix))
		if provider != "" {
			out[provider] = strings.TrimRight(value, "/")
		}
	}
	return out
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
