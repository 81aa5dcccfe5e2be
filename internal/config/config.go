package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"meanrev/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the meanrev engine.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Server     Server     `yaml:"server"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	Logging    Logging    `yaml:"logging"`
	Fetch      Fetch      `yaml:"fetch"`
	Strategy   Strategy   `yaml:"strategy"`
	Engine     Engine     `yaml:"engine"`
	Output     Output     `yaml:"output"`
	Metrics    Metrics    `yaml:"metrics"`
	Clustering Clustering `yaml:"clustering"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	Market     string `yaml:"market"`
}

// Server holds the price service listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Fetch controls how price series are pulled from the price source.
type Fetch struct {
	// Provider selects the price source: "store", "http" or "alpaca".
	Provider        string `yaml:"provider"`
	PriceAPIURL     string `yaml:"price_api_url"`
	MaxWorkers      int    `yaml:"max_workers"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	MaxAttempts     int    `yaml:"max_attempts"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	Start           string `yaml:"start"`
	End             string `yaml:"end"`
}

// Range parses Start and End. Empty values leave that side unbounded.
func (f Fetch) Range() (start, end time.Time, err error) {
	if f.Start != "" {
		if start, err = time.Parse(domain.DateLayout, f.Start); err != nil {
			return start, end, fmt.Errorf("%w: fetch.start: %v", domain.ErrConfiguration, err)
		}
	}
	if f.End != "" {
		if end, err = time.Parse(domain.DateLayout, f.End); err != nil {
			return start, end, fmt.Errorf("%w: fetch.end: %v", domain.ErrConfiguration, err)
		}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return start, end, fmt.Errorf("%w: fetch.end %s before fetch.start %s", domain.ErrConfiguration, f.End, f.Start)
	}
	return start, end, nil
}

// Timeout returns the per-request timeout.
func (f Fetch) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// Strategy holds the mean-reversion signal parameters.
type Strategy struct {
	ZEntry      float64 `yaml:"z_entry"`
	ZExit       float64 `yaml:"z_exit"`
	Lookback    int     `yaml:"lookback"`
	CorrLimit   float64 `yaml:"corr_limit"`
	Incremental bool    `yaml:"incremental"`
}

// Engine controls pair evaluation.
type Engine struct {
	MaxWorkers int `yaml:"max_workers"`
}

// Output names the artifact locations of a run.
type Output struct {
	Dir          string `yaml:"dir"`
	ClustersFile string `yaml:"clusters_file"`
	CorrFile     string `yaml:"correlation_file"`
	TradesFile   string `yaml:"trades_file"`
	PnLFile      string `yaml:"pnl_file"`
	SummaryFile  string `yaml:"summary_file"`
}

// Path joins file onto the output directory.
func (o Output) Path(file string) string {
	return filepath.Join(o.Dir, file)
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Clustering configures the hierarchical clustering step.
type Clustering struct {
	NClusters   int     `yaml:"n_clusters"`
	MinCoverage float64 `yaml:"min_coverage"`
	// Input is "price" or "log_return".
	Input string `yaml:"input"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a Config populated with the standard defaults.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/meanrev.db",
			Market:     string(domain.MarketUS),
		},
		Server: Server{Host: "127.0.0.1", Port: 8000},
		Alpaca: Alpaca{Feed: "sip"},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Fetch: Fetch{
			Provider:       "store",
			PriceAPIURL:    "http://127.0.0.1:8000",
			MaxWorkers:     8,
			MaxAttempts:    1,
			TimeoutSeconds: 30,
		},
		Strategy: Strategy{
			ZEntry:    2.0,
			ZExit:     0.5,
			Lookback:  60,
			CorrLimit: 0.99,
		},
		Engine: Engine{MaxWorkers: 8},
		Output: Output{
			Dir:          "output",
			ClustersFile: "clusters.csv",
			CorrFile:     "correlation_matrix.csv",
			TradesFile:   "trades.csv",
			PnLFile:      "cumulative_pnl.csv",
			SummaryFile:  "summary.json",
		},
		Clustering: Clustering{
			NClusters:   10,
			MinCoverage: 0.9,
			Input:       "price",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, applies a .env file and environment variable overrides, and
// validates the result. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("PRICE_API_URL"); v != "" {
		cfg.Fetch.PriceAPIURL = v
	}
	if v := os.Getenv("PRICE_PROVIDER"); v != "" {
		cfg.Fetch.Provider = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	// Standard Alpaca env vars take priority, they are what the SDK reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}

	// Strategy parameters.
	if v := os.Getenv("Z_ENTRY"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: Z_ENTRY=%q: %v", domain.ErrConfiguration, v, err)
		}
		cfg.Strategy.ZEntry = f
	}
	if v := os.Getenv("Z_EXIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: Z_EXIT=%q: %v", domain.ErrConfiguration, v, err)
		}
		cfg.Strategy.ZExit = f
	}
	if v := os.Getenv("LOOKBACK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: LOOKBACK=%q: %v", domain.ErrConfiguration, v, err)
		}
		cfg.Strategy.Lookback = n
	}
	if v := os.Getenv("CORR_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: CORR_LIMIT=%q: %v", domain.ErrConfiguration, v, err)
		}
		cfg.Strategy.CorrLimit = f
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	switch c.Fetch.Provider {
	case "store", "http", "alpaca":
	default:
		return fmt.Errorf("%w: unknown fetch.provider %q", domain.ErrConfiguration, c.Fetch.Provider)
	}
	if c.Fetch.MaxWorkers < 1 {
		return fmt.Errorf("%w: fetch.max_workers must be >= 1", domain.ErrConfiguration)
	}
	if _, _, err := c.Fetch.Range(); err != nil {
		return err
	}
	if c.Engine.MaxWorkers < 1 {
		return fmt.Errorf("%w: engine.max_workers must be >= 1", domain.ErrConfiguration)
	}
	if c.Clustering.NClusters < 1 {
		return fmt.Errorf("%w: clustering.n_clusters must be >= 1", domain.ErrConfiguration)
	}
	if c.Clustering.MinCoverage < 0 || c.Clustering.MinCoverage > 1 {
		return fmt.Errorf("%w: clustering.min_coverage must be in [0, 1]", domain.ErrConfiguration)
	}
	switch c.Clustering.Input {
	case "price", "log_return":
	default:
		return fmt.Errorf("%w: unknown clustering.input %q", domain.ErrConfiguration, c.Clustering.Input)
	}
	return nil
}

// Validate checks the signal parameters. Every violation wraps
// domain.ErrConfiguration.
func (s Strategy) Validate() error {
	for name, v := range map[string]float64{
		"z_entry":    s.ZEntry,
		"z_exit":     s.ZExit,
		"corr_limit": s.CorrLimit,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: strategy.%s must be finite, got %v", domain.ErrConfiguration, name, v)
		}
	}
	if s.ZEntry <= 0 {
		return fmt.Errorf("%w: z_entry must be > 0, got %v", domain.ErrConfiguration, s.ZEntry)
	}
	if s.ZExit < 0 || s.ZExit >= s.ZEntry {
		return fmt.Errorf("%w: z_exit must satisfy 0 <= z_exit < z_entry, got %v (z_entry %v)",
			domain.ErrConfiguration, s.ZExit, s.ZEntry)
	}
	if s.Lookback < 3 {
		return fmt.Errorf("%w: lookback must be >= 3, got %d", domain.ErrConfiguration, s.Lookback)
	}
	if s.CorrLimit < -1 || s.CorrLimit > 1 {
		return fmt.Errorf("%w: corr_limit must be in [-1, 1], got %v", domain.ErrConfiguration, s.CorrLimit)
	}
	return nil
}
