package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance   Binance   `mapstructure:"binance"`
	Sync      Sync      `mapstructure:"sync"`
	Matching  Matching  `mapstructure:"matching"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Risk      Risk      `mapstructure:"risk"`
	Snapshots Snapshots `mapstructure:"snapshots"`
	Analytics Analytics `mapstructure:"analytics"`
	Notifier  Notifier  `mapstructure:"notifier"`
	Logger    Logger    `mapstructure:"logger"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Tracing   Tracing   `mapstructure:"tracing"`
}

// Binance holds the configuration for the futures API.
type Binance struct {
	ApiKey                string        `mapstructure:"apiKey"`
	SecretKey             string        `mapstructure:"secretKey"`
	Testnet               bool          `mapstructure:"testnet"`
	BaseURL               string        `mapstructure:"base_url"`
	MinRequestInterval    time.Duration `mapstructure:"min_request_interval"`
	WeightBudgetPerMinute int           `mapstructure:"weight_budget_per_minute"`
	RecvWindow            int           `mapstructure:"recv_window"`
	Timeout               time.Duration `mapstructure:"timeout"`
	MaxRetries            int           `mapstructure:"max_retries"`
	Cooldown              time.Duration `mapstructure:"cooldown"`
	UserStreamEnabled     bool          `mapstructure:"user_stream_enabled"`
}

// HasCredentials reports whether both API keys are present.
func (b Binance) HasCredentials() bool {
	return strings.TrimSpace(b.ApiKey) != "" && strings.TrimSpace(b.SecretKey) != ""
}

// Sync holds the incremental synchronization settings.
type Sync struct {
	DaysToFetch           int           `mapstructure:"days_to_fetch"`
	UpdateInterval        time.Duration `mapstructure:"update_interval"`
	FallbackInterval      time.Duration `mapstructure:"fallback_interval"`
	Overlap               time.Duration `mapstructure:"overlap"`
	CompensationLookback  time.Duration `mapstructure:"compensation_lookback"`
	CompensationInterval  time.Duration `mapstructure:"compensation_interval"`
	OpenPositionsInterval time.Duration `mapstructure:"open_positions_interval"`
	SymbolWorkers         int           `mapstructure:"symbol_workers"`
}

// Matching holds the trade matching policy.
type Matching struct {
	Epsilon              float64  `mapstructure:"epsilon"`
	ExtraLossIncomeTypes []string `mapstructure:"extra_loss_income_types"`
	ExcessPolicy         string   `mapstructure:"excess_policy"`
}

// Scheduler holds the job runtime settings.
type Scheduler struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowMultiWorker bool          `mapstructure:"allow_multi_worker"`
	APILockWait      time.Duration `mapstructure:"api_lock_wait"`
	UTCOffsetHours   int           `mapstructure:"utc_offset_hours"`
	BalanceInterval  time.Duration `mapstructure:"balance_interval"`
	RiskInterval     time.Duration `mapstructure:"risk_interval"`
	SleepRiskAt      string        `mapstructure:"sleep_risk_at"`
}

// Location returns the fixed account timezone.
func (s Scheduler) Location() *time.Location {
	return FixedZone(s.UTCOffsetHours)
}

// FixedZone returns a fixed-offset zone named like "UTC+8".
func FixedZone(offsetHours int) *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*3600)
}

// Risk holds the thresholds for the risk review jobs.
type Risk struct {
	StaleHours      int `mapstructure:"stale_hours"`
	RealertHours    int `mapstructure:"realert_hours"`
	SleepMaxSymbols int `mapstructure:"sleep_max_symbols"`
}

// Leaderboard holds the morning gainers/losers snapshot settings.
type Leaderboard struct {
	At                    string  `mapstructure:"at"`
	TopN                  int     `mapstructure:"top_n"`
	MinQuoteVolume        float64 `mapstructure:"min_quote_volume"`
	MaxSymbols            int     `mapstructure:"max_symbols"`
	KlineWorkers          int     `mapstructure:"kline_workers"`
	WeightBudgetPerMinute int     `mapstructure:"weight_budget_per_minute"`
}

// ReboundWindow is one rebound snapshot schedule.
type ReboundWindow struct {
	Days int    `mapstructure:"days"`
	At   string `mapstructure:"at"`
}

// Rebound holds the rebound snapshot settings.
type Rebound struct {
	Windows               []ReboundWindow `mapstructure:"windows"`
	TopN                  int             `mapstructure:"top_n"`
	KlineWorkers          int             `mapstructure:"kline_workers"`
	WeightBudgetPerMinute int             `mapstructure:"weight_budget_per_minute"`
}

// Snapshots holds the settings of the date-keyed snapshot jobs.
type Snapshots struct {
	Leaderboard Leaderboard `mapstructure:"leaderboard"`
	Rebound     Rebound     `mapstructure:"rebound"`
	NoonLossAt  string      `mapstructure:"noon_loss_at"`
}

// Analytics holds the analytics engine settings.
type Analytics struct {
	InitialCapital   float64       `mapstructure:"initial_capital"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	HealthPolicyPath string        `mapstructure:"health_policy_path"`
}

// Notifier holds the ServerChan webhook settings.
type Notifier struct {
	SendKey string        `mapstructure:"send_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port    int `mapstructure:"port"`
	Workers int `mapstructure:"workers"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// Tracing holds the OpenTelemetry exporter settings.
type Tracing struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// envBindings maps config keys to the operational environment variable names.
var envBindings = map[string]string{
	"binance.apiKey":                   "BINANCE_API_KEY",
	"binance.secretKey":                "BINANCE_API_SECRET",
	"sync.days_to_fetch":               "DAYS_TO_FETCH",
	"scheduler.allow_multi_worker":     "SCHEDULER_ALLOW_MULTI_WORKER",
	"server.workers":                   "WEB_CONCURRENCY",
	"notifier.send_key":                "SERVERCHAN_SENDKEY",
	"analytics.initial_capital":        "INITIAL_CAPITAL",
	"scheduler.enabled":                "ENABLE_SCHEDULER",
	"binance.user_stream_enabled":      "ENABLE_USER_STREAM",
	"matching.extra_loss_income_types": "EXTRA_LOSS_INCOME_TYPES",
}

// LoadConfig reads configuration from file or environment variables.
// A missing config file is not an error: defaults and environment apply.
func LoadConfig(path string) (config Config, err error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		if err = v.BindEnv(key, env); err != nil {
			return
		}
	}

	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}
	applyUnitEnv(&config)
	return
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("binance.testnet", false)
	v.SetDefault("binance.min_request_interval", 300*time.Millisecond)
	v.SetDefault("binance.weight_budget_per_minute", 2400)
	v.SetDefault("binance.recv_window", 5000)
	v.SetDefault("binance.timeout", 15*time.Second)
	v.SetDefault("binance.max_retries", 3)
	v.SetDefault("binance.cooldown", 2*time.Minute)
	v.SetDefault("binance.user_stream_enabled", false)

	v.SetDefault("sync.days_to_fetch", 30)
	v.SetDefault("sync.update_interval", 10*time.Minute)
	v.SetDefault("sync.fallback_interval", 24*time.Hour)
	v.SetDefault("sync.overlap", 24*time.Hour)
	v.SetDefault("sync.compensation_lookback", 24*time.Hour)
	v.SetDefault("sync.compensation_interval", time.Minute)
	v.SetDefault("sync.open_positions_interval", 5*time.Minute)
	v.SetDefault("sync.symbol_workers", 4)

	v.SetDefault("matching.epsilon", 1e-9)
	v.SetDefault("matching.extra_loss_income_types", []string{"INSURANCE_CLEAR"})
	v.SetDefault("matching.excess_policy", "flip")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.allow_multi_worker", false)
	v.SetDefault("scheduler.api_lock_wait", 8*time.Second)
	v.SetDefault("scheduler.utc_offset_hours", 8)
	v.SetDefault("scheduler.balance_interval", 10*time.Minute)
	v.SetDefault("scheduler.risk_interval", time.Hour)
	v.SetDefault("scheduler.sleep_risk_at", "23:00")

	v.SetDefault("risk.stale_hours", 48)
	v.SetDefault("risk.realert_hours", 24)
	v.SetDefault("risk.sleep_max_symbols", 5)

	v.SetDefault("snapshots.leaderboard.at", "07:40")
	v.SetDefault("snapshots.leaderboard.top_n", 10)
	v.SetDefault("snapshots.leaderboard.min_quote_volume", 50_000_000.0)
	v.SetDefault("snapshots.leaderboard.max_symbols", 120)
	v.SetDefault("snapshots.leaderboard.kline_workers", 6)
	v.SetDefault("snapshots.leaderboard.weight_budget_per_minute", 900)
	v.SetDefault("snapshots.rebound.windows", []map[string]any{
		{"days": 7, "at": "07:30"},
		{"days": 30, "at": "07:32"},
		{"days": 60, "at": "07:34"},
	})
	v.SetDefault("snapshots.rebound.top_n", 10)
	v.SetDefault("snapshots.rebound.kline_workers", 6)
	v.SetDefault("snapshots.rebound.weight_budget_per_minute", 900)
	v.SetDefault("snapshots.noon_loss_at", "11:50")

	v.SetDefault("analytics.initial_capital", 10000.0)
	v.SetDefault("analytics.cache_ttl", 30*time.Second)
	v.SetDefault("analytics.health_policy_path", "")

	v.SetDefault("notifier.base_url", "https://sctapi.ftqq.com")
	v.SetDefault("notifier.timeout", 10*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_paths", []string{"stderr"})

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.workers", 1)

	v.SetDefault("database.dsn", "data/ledger.db")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "binance-trade-ledger")
}

// applyUnitEnv reads the operational env names that carry bare numbers
// ("1440") in the unit their name implies.
func applyUnitEnv(cfg *Config) {
	targets := []struct {
		env  string
		unit time.Duration
		dst  *time.Duration
	}{
		{"UPDATE_INTERVAL_MINUTES", time.Minute, &cfg.Sync.UpdateInterval},
		{"SYMBOL_SYNC_OVERLAP_MINUTES", time.Minute, &cfg.Sync.Overlap},
		{"TRADES_COMPENSATION_LOOKBACK_MINUTES", time.Minute, &cfg.Sync.CompensationLookback},
		{"TRADES_INCREMENTAL_FALLBACK_INTERVAL_MINUTES", time.Minute, &cfg.Sync.FallbackInterval},
		{"API_JOB_LOCK_WAIT_SECONDS", time.Second, &cfg.Scheduler.APILockWait},
		{"BINANCE_MIN_REQUEST_INTERVAL", time.Second, &cfg.Binance.MinRequestInterval},
	}
	for _, t := range targets {
		raw, ok := os.LookupEnv(t.env)
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && f >= 0 {
			*t.dst = time.Duration(f * float64(t.unit))
		}
	}
}
