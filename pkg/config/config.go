package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate when the configuration cannot drive a session.
var ErrInvalid = errors.New("invalid configuration")

// Config holds every setting the session components consume. It is built once in main
// and handed to each component explicitly.
type Config struct {
	Gateway GatewayConfig

	Subscriptions []Subscription `yaml:"subscriptions"`
	Order         OrderConfig    `yaml:"order"`
	Signal        SignalConfig   `yaml:"signal"`
	Cache         CacheConfig    `yaml:"cache"`
	Dispatch      DispatchConfig `yaml:"dispatch"`
	Executions    ExecConfig     `yaml:"executions"`

	Log    LogConfig
	Export ExportConfig
}

// GatewayConfig is the host/port/client-id triple of the single broker session.
type GatewayConfig struct {
	Host        string
	Port        int
	ClientID    int
	Path        string
	RatePerSec  float64 // outbound request pacing
	DialBackoff time.Duration
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Subscription describes one instrument and the bar sizes to keep current for it.
type Subscription struct {
	Symbol   string   `yaml:"symbol"`
	SecType  string   `yaml:"sec_type"`
	Exchange string   `yaml:"exchange"`
	Currency string   `yaml:"currency"`
	Duration string   `yaml:"duration"`
	BarSizes []string `yaml:"bar_sizes"`
	Major    bool     `yaml:"major"`
}

// OrderConfig controls bracket construction and order-id polling.
type OrderConfig struct {
	TakeProfitMultiplier float64       `yaml:"take_profit_multiplier"`
	StopLossMultiplier   float64       `yaml:"stop_loss_multiplier"`
	IDPollInterval       time.Duration `yaml:"id_poll_interval"`
}

// SignalConfig controls extrema and support/resistance derivation.
type SignalConfig struct {
	ExtremaRadius       int     `yaml:"extrema_radius"`
	VolatilityPeriod    int     `yaml:"volatility_period"`
	SRGapMultiplier     float64 `yaml:"sr_gap_multiplier"`
	SRStrengthThreshold float64 `yaml:"sr_strength_threshold"`
}

// CacheConfig controls the bar buffers and their publication debounce.
type CacheConfig struct {
	Capacity          int           `yaml:"capacity"`
	HistoricalTimeout time.Duration `yaml:"historical_timeout"`
	MarketInterval    time.Duration `yaml:"market_interval"`
	TickGrace         time.Duration `yaml:"tick_grace"`
}

// DispatchConfig sizes the outbound notification queue.
type DispatchConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// ExecConfig bounds how far back executions are requested.
type ExecConfig struct {
	Lookback time.Duration `yaml:"lookback"`
}

// LogConfig configures the optional rotating log file.
type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ExportConfig enables the snapshot export.
type ExportConfig struct {
	Enabled    bool
	DBPath     string
	ParquetDir string
}

// Default returns a configuration with every tunable set to its default value and no subscriptions.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:        "127.0.0.1",
			Port:        4001,
			ClientID:    1,
			Path:        "/ws",
			RatePerSec:  45,
			DialBackoff: 2 * time.Second,
		},
		Order: OrderConfig{
			TakeProfitMultiplier: 1,
			StopLossMultiplier:   1,
			IDPollInterval:       250 * time.Millisecond,
		},
		Signal: SignalConfig{
			ExtremaRadius:       3,
			VolatilityPeriod:    5,
			SRGapMultiplier:     1,
			SRStrengthThreshold: 0.5,
		},
		Cache: CacheConfig{
			Capacity:          600,
			HistoricalTimeout: 10 * time.Second,
			MarketInterval:    250 * time.Millisecond,
			TickGrace:         3 * time.Second,
		},
		Dispatch:   DispatchConfig{QueueSize: 256},
		Executions: ExecConfig{Lookback: 24 * time.Hour},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 10,
			MaxAgeDays: 14,
		},
		Export: ExportConfig{
			DBPath:     "./data/session.db",
			ParquetDir: "./data/bars",
		},
	}
}

// Load reads environment variables (optionally via .env) and the YAML subscription file.
func Load() (*Config, error) {
	// Ignore error so the process still starts when .env is missing.
	_ = godotenv.Load()

	cfg := Default()
	cfg.Gateway.Host = getEnv("GATEWAY_HOST", cfg.Gateway.Host)
	cfg.Gateway.Port = getEnvInt("GATEWAY_PORT", cfg.Gateway.Port)
	cfg.Gateway.ClientID = getEnvInt("GATEWAY_CLIENT_ID", cfg.Gateway.ClientID)
	cfg.Gateway.Path = getEnv("GATEWAY_PATH", cfg.Gateway.Path)
	cfg.Gateway.RatePerSec = getEnvFloat("REQUEST_RATE_PER_SEC", cfg.Gateway.RatePerSec)

	cfg.Log.File = os.Getenv("LOG_FILE")
	cfg.Log.MaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.Compress = getEnv("LOG_COMPRESS", "false") == "true"

	cfg.Export.Enabled = getEnv("EXPORT_ENABLED", "false") == "true"
	cfg.Export.DBPath = getEnv("EXPORT_DB_PATH", cfg.Export.DBPath)
	cfg.Export.ParquetDir = getEnv("EXPORT_PARQUET_DIR", cfg.Export.ParquetDir)

	path := getEnv("SUBSCRIPTIONS_FILE", "subscriptions.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions file %s: %w", path, err)
	}
	if err := cfg.ApplyYAML(data); err != nil {
		return nil, fmt.Errorf("parse subscriptions file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyYAML overlays the YAML document onto cfg. Zero values in the document keep the defaults.
func (c *Config) ApplyYAML(data []byte) error {
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	c.Subscriptions = file.Subscriptions
	for i := range c.Subscriptions {
		s := &c.Subscriptions[i]
		if s.SecType == "" {
			s.SecType = "STK"
		}
		if s.Exchange == "" {
			s.Exchange = "SMART"
		}
		if s.Currency == "" {
			s.Currency = "USD"
		}
		if s.Duration == "" {
			s.Duration = "1 D"
		}
	}

	setFloat(&c.Order.TakeProfitMultiplier, file.Order.TakeProfitMultiplier)
	setFloat(&c.Order.StopLossMultiplier, file.Order.StopLossMultiplier)
	setDuration(&c.Order.IDPollInterval, file.Order.IDPollInterval)

	setInt(&c.Signal.ExtremaRadius, file.Signal.ExtremaRadius)
	setInt(&c.Signal.VolatilityPeriod, file.Signal.VolatilityPeriod)
	setFloat(&c.Signal.SRGapMultiplier, file.Signal.SRGapMultiplier)
	setFloat(&c.Signal.SRStrengthThreshold, file.Signal.SRStrengthThreshold)

	setInt(&c.Cache.Capacity, file.Cache.Capacity)
	setDuration(&c.Cache.HistoricalTimeout, file.Cache.HistoricalTimeout)
	setDuration(&c.Cache.MarketInterval, file.Cache.MarketInterval)
	setDuration(&c.Cache.TickGrace, file.Cache.TickGrace)

	setInt(&c.Dispatch.QueueSize, file.Dispatch.QueueSize)
	setDuration(&c.Executions.Lookback, file.Executions.Lookback)
	return nil
}

// Validate rejects configurations a session cannot run with.
func (c *Config) Validate() error {
	if len(c.Subscriptions) == 0 {
		return fmt.Errorf("%w: no subscriptions", ErrInvalid)
	}
	for _, s := range c.Subscriptions {
		if strings.TrimSpace(s.Symbol) == "" {
			return fmt.Errorf("%w: subscription without symbol", ErrInvalid)
		}
		if len(s.BarSizes) == 0 {
			return fmt.Errorf("%w: %s has no bar sizes", ErrInvalid, s.Symbol)
		}
		for _, size := range s.BarSizes {
			if _, err := ParseBarSize(size); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalid, s.Symbol, err)
			}
		}
	}
	if c.Order.TakeProfitMultiplier <= 0 || c.Order.StopLossMultiplier <= 0 {
		return fmt.Errorf("%w: take-profit/stop-loss multipliers must be positive", ErrInvalid)
	}
	if c.Signal.SRGapMultiplier <= 0 {
		return fmt.Errorf("%w: sr_gap_multiplier must be positive", ErrInvalid)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("%w: cache capacity must be positive", ErrInvalid)
	}
	return nil
}

var barSizeUnits = map[string]time.Duration{
	"sec":   time.Second,
	"secs":  time.Second,
	"min":   time.Minute,
	"mins":  time.Minute,
	"hour":  time.Hour,
	"hours": time.Hour,
	"day":   24 * time.Hour,
	"days":  24 * time.Hour,
	"week":  7 * 24 * time.Hour,
	"month": 30 * 24 * time.Hour,
}

// ParseBarSize converts a broker bar-size string such as "5 mins" or "1 day" into its period.
func ParseBarSize(s string) (time.Duration, error) {
	parts := strings.Fields(strings.ToLower(s))
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad bar size %q", s)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("bad bar size %q", s)
	}
	unit, ok := barSizeUnits[parts[1]]
	if !ok {
		return 0, fmt.Errorf("bad bar size unit %q", s)
	}
	return time.Duration(n) * unit, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
