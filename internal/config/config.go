package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration shared by the dashboard, the CLI, and
// the development stock service.
type Config struct {
	API       API       `yaml:"api"`
	Dashboard Dashboard `yaml:"dashboard"`
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Redis     Redis     `yaml:"redis"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Polygon   Polygon   `yaml:"polygon"`
	Logging   Logging   `yaml:"logging"`
}

// API points the client at the stock-data service. BaseURL is read once at
// startup.
type API struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Dashboard holds client-side query defaults. A non-empty MetricsAddr serves
// query cache metrics at /metrics, e.g. "127.0.0.1:9464".
type Dashboard struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	PopulateLimit   int           `yaml:"populate_limit"`
	LogDir          string        `yaml:"log_dir"`
	MetricsAddr     string        `yaml:"metrics_addr"`
}

// Server holds network listener configuration for stockdash-server.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"` // negative disables gRPC health
	Schedule bool   `yaml:"schedule"`  // populate daily after the US close
}

// Storage holds the stock table DSN and the parquet bar directory.
type Storage struct {
	Driver  string `yaml:"driver"` // "sqlite" or "postgres"
	DSN     string `yaml:"dsn"`
	DataDir string `yaml:"data_dir"`
}

// Redis configures the optional market-movers response cache. An empty Addr
// disables it.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Alpaca holds credentials for the market-data source used by populate.
type Alpaca struct {
	APIKey          string   `yaml:"api_key"`
	APISecret       string   `yaml:"api_secret"`
	DataURL         string   `yaml:"data_url"`
	Feed            string   `yaml:"feed"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	Symbols         []string `yaml:"symbols"`
}

// Polygon is the fallback market-data source, used when no Alpaca key is
// set. The symbol list is shared with Alpaca.
type Polygon struct {
	APIKey          string `yaml:"api_key"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// DefaultBaseURL is the stock service address used when nothing overrides it.
const DefaultBaseURL = "http://localhost:8000"

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = DefaultBaseURL
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 30 * time.Second
	}
	if cfg.Dashboard.RefreshInterval == 0 {
		cfg.Dashboard.RefreshInterval = 30 * time.Second
	}
	if cfg.Dashboard.RetryDelay == 0 {
		cfg.Dashboard.RetryDelay = time.Second
	}
	if cfg.Dashboard.LogDir == "" {
		cfg.Dashboard.LogDir = os.TempDir()
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 9090
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "stockdash.db"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 5 * time.Minute
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Polygon.RateLimitPerMin == 0 {
		cfg.Polygon.RateLimitPerMin = 5
	}
	if cfg.Alpaca.RateLimitPerMin == 0 {
		cfg.Alpaca.RateLimitPerMin = 200
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, applies defaults
// for missing fields, loads a .env file from the working directory if present,
// and then applies environment variable overrides. A missing config file is
// not an error; defaults and environment are used instead.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	// Vite-era name first so the explicit one wins.
	if v := os.Getenv("VITE_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("STOCKDASH_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("STOCKDASH_METRICS_ADDR"); v != "" {
		cfg.Dashboard.MetricsAddr = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("POLYGON_API_KEY"); v != "" {
		cfg.Polygon.APIKey = v
	}
}
