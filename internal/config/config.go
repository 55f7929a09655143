package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"curtailment-cashflow/internal/logging"
	"curtailment-cashflow/internal/settlement"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Elexon    ElexonConfig    `mapstructure:"elexon"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// SchedulerConfig governs reconciliation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Lag             time.Duration `mapstructure:"lag"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// ElexonConfig captures BMRS API connectivity.
type ElexonConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
	MaxSpan           time.Duration `mapstructure:"max_span"`
	ChunkSpan         time.Duration `mapstructure:"chunk_span"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	CacheSize         int           `mapstructure:"cache_size"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

// ReconcileConfig selects units and how their imbalance is reported and priced.
type ReconcileConfig struct {
	Units            []string      `mapstructure:"units"`
	EnergyUnit       string        `mapstructure:"energy_unit"`
	Interval         string        `mapstructure:"interval"`
	SettlementPeriod time.Duration `mapstructure:"settlement_period"`
	Workers          int           `mapstructure:"workers"`
	UnitWorkers      int           `mapstructure:"unit_workers"`
	Lookback         time.Duration `mapstructure:"lookback"`
	SOOnly           bool          `mapstructure:"so_only"`
	Indicative       bool          `mapstructure:"indicative"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// CashflowThreshold alerts when the absolute curtailment cashflow of a period exceeds it.
	CashflowThreshold float64        `mapstructure:"cashflow_threshold"`
	AlertUnpriced     bool           `mapstructure:"alert_unpriced"`
	Retention         time.Duration  `mapstructure:"retention"`
	Channels          []string       `mapstructure:"channels"`
	Telegram          TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig exposes Prometheus metrics in run mode.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CURTAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "curtailctl")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("scheduler.interval", "30m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63757274))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.lag", "15m")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("elexon.base_url", "https://data.elexon.co.uk/bmrs/api/v1")
	v.SetDefault("elexon.request_timeout", "30s")
	v.SetDefault("elexon.user_agent", "curtailctl/1.0")
	v.SetDefault("elexon.max_span", "144h")
	v.SetDefault("elexon.chunk_span", "120h")
	v.SetDefault("elexon.max_concurrent", 10)
	v.SetDefault("elexon.max_retries", 5)
	v.SetDefault("elexon.base_delay", "1s")
	v.SetDefault("elexon.requests_per_second", 5.0)
	v.SetDefault("elexon.burst", 5)
	v.SetDefault("elexon.cache_size", 1024)
	v.SetDefault("elexon.cache_ttl", "1h")

	v.SetDefault("reconcile.units", []string{})
	v.SetDefault("reconcile.energy_unit", string(settlement.MWh))
	v.SetDefault("reconcile.interval", "30m")
	v.SetDefault("reconcile.settlement_period", "30m")
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.unit_workers", 2)
	v.SetDefault("reconcile.lookback", "6h")
	v.SetDefault("reconcile.so_only", false)
	v.SetDefault("reconcile.indicative", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cashflow_threshold", 10000.0)
	v.SetDefault("alerting.alert_unpriced", true)
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9102")

	v.SetDefault("export.max_rows", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Reconcile.SettlementPeriod <= 0 {
		return fmt.Errorf("reconcile.settlement_period must be greater than zero")
	}
	if _, err := settlement.ParseInterval(c.Reconcile.Interval); err != nil {
		return fmt.Errorf("reconcile.interval: %w", err)
	}
	if _, err := settlement.EnergyUnit(c.Reconcile.EnergyUnit).Multiplier(); err != nil {
		return fmt.Errorf("reconcile.energy_unit: %w", err)
	}
	if c.Reconcile.Lookback < c.Reconcile.SettlementPeriod {
		return fmt.Errorf("reconcile.lookback must cover at least one settlement period")
	}
	if c.Elexon.ChunkSpan > c.Elexon.MaxSpan {
		return fmt.Errorf("elexon.chunk_span cannot exceed elexon.max_span")
	}
	if c.Alerting.CashflowThreshold < 0 {
		return fmt.Errorf("alerting.cashflow_threshold cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ReportInterval parses reconcile.interval.
func (c *Config) ReportInterval() time.Duration {
	d, err := settlement.ParseInterval(c.Reconcile.Interval)
	if err != nil {
		return c.Reconcile.SettlementPeriod
	}
	return d
}

// ResolveUnits returns the CLI override or the configured units.
func (c *Config) ResolveUnits(override []string) []string {
	if len(override) > 0 {
		return override
	}
	return c.Reconcile.Units
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
