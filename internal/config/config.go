package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"option-risk-alerts/internal/detector"
	"option-risk-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Deribit   DeribitConfig   `mapstructure:"deribit"`
	Feishu    FeishuConfig    `mapstructure:"feishu"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	State     StateConfig     `mapstructure:"state"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the state backend.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToTick     bool          `mapstructure:"align_to_tick"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// DeribitConfig covers venue API access.
type DeribitConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	Currencies     []string      `mapstructure:"currencies"`
	IndexCurrency  string        `mapstructure:"index_currency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// FeishuConfig 描述飞书 Webhook 告警参数。
type FeishuConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	WebhookURL     string        `mapstructure:"webhook_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ChangeRule configures the 5-minute move thresholds for one metric, keyed in
// the parent map by metric name or full "entity:metric".
type ChangeRule struct {
	PctChange5m *float64 `mapstructure:"pct_change_5m"`
	AbsChange5m *float64 `mapstructure:"abs_change_5m"`
}

// LevelRule configures staged absolute-value tiers for one greek.
type LevelRule struct {
	Light  float64 `mapstructure:"light"`
	Medium float64 `mapstructure:"medium"`
	Heavy  float64 `mapstructure:"heavy"`
}

// IndexRule configures volatility index value alerts.
type IndexRule struct {
	AbsThreshold           float64   `mapstructure:"abs_threshold"`
	SpecificValues         []float64 `mapstructure:"specific_values"`
	SpecificValueTolerance float64   `mapstructure:"specific_value_tolerance"`
}

// AlertingConfig defines detection windows, rules, and cooldown.
type AlertingConfig struct {
	Enabled         bool                  `mapstructure:"enabled"`
	Cooldown        time.Duration         `mapstructure:"cooldown"`
	LookbackWindow  time.Duration         `mapstructure:"lookback_window"`
	RetentionWindow time.Duration         `mapstructure:"retention_window"`
	ChangeRules     map[string]ChangeRule `mapstructure:"change_rules"`
	LevelRules      map[string]LevelRule  `mapstructure:"level_rules"`
	Index           IndexRule             `mapstructure:"index"`
}

// StateConfig selects the snapshot backend.
type StateConfig struct {
	Backend     string        `mapstructure:"backend"` // "file" or "postgres"
	Path        string        `mapstructure:"path"`
	SaveTimeout time.Duration `mapstructure:"save_timeout"`
}

// MetricsConfig controls the prometheus listener.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DVOLWATCHER")
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
	v.SetDefault("app.name", "dvolwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "60s")
	v.SetDefault("scheduler.align_to_tick", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64766f6c))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("deribit.base_url", "https://www.deribit.com")
	v.SetDefault("deribit.currencies", []string{"BTC", "ETH", "USDC", "SOL"})
	v.SetDefault("deribit.index_currency", "BTC")
	v.SetDefault("deribit.request_timeout", "10s")
	v.SetDefault("deribit.user_agent", "dvolwatcher/1.0")

	v.SetDefault("feishu.enabled", false)
	v.SetDefault("feishu.request_timeout", "10s")

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.cooldown", "300s")
	v.SetDefault("alerting.lookback_window", "300s")
	v.SetDefault("alerting.retention_window", "3600s")
	v.SetDefault("alerting.index.specific_value_tolerance", 0.5)

	v.SetDefault("state.backend", "file")
	v.SetDefault("state.path", "state_store.json")
	v.SetDefault("state.save_timeout", "10s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Alerting.LookbackWindow <= 0 {
		return fmt.Errorf("alerting.lookback_window must be greater than zero")
	}
	if c.Alerting.RetentionWindow < c.Alerting.LookbackWindow {
		return fmt.Errorf("alerting.retention_window must cover the lookback window")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.State.SaveTimeout >= c.Scheduler.Interval {
		return fmt.Errorf("state.save_timeout must be shorter than scheduler.interval")
	}
	switch c.State.Backend {
	case "file":
		if c.State.Path == "" {
			return fmt.Errorf("state.path 必须配置")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn 必须配置")
		}
	default:
		return fmt.Errorf("state.backend must be file or postgres, got %q", c.State.Backend)
	}
	if c.Feishu.Enabled && c.Feishu.WebhookURL == "" {
		return fmt.Errorf("feishu.webhook_url 必须配置")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	for name, rule := range c.Alerting.ChangeRules {
		if rule.PctChange5m != nil && *rule.PctChange5m < 0 {
			return fmt.Errorf("alerting.change_rules.%s.pct_change_5m cannot be negative", name)
		}
		if rule.AbsChange5m != nil && *rule.AbsChange5m < 0 {
			return fmt.Errorf("alerting.change_rules.%s.abs_change_5m cannot be negative", name)
		}
	}
	return nil
}

// ChangeRuleSet converts the configured change rules to detector form.
func (c *AlertingConfig) ChangeRuleSet() map[string]detector.Rule {
	rules := make(map[string]detector.Rule, len(c.ChangeRules))
	for name, rule := range c.ChangeRules {
		var converted detector.Rule
		if rule.PctChange5m != nil {
			pct := decimal.NewFromFloat(*rule.PctChange5m)
			converted.PctChange5m = &pct
		}
		if rule.AbsChange5m != nil {
			abs := decimal.NewFromFloat(*rule.AbsChange5m)
			converted.AbsChange5m = &abs
		}
		rules[name] = converted
	}
	return rules
}

// LevelRuleSet converts the configured level rules to detector form.
func (c *AlertingConfig) LevelRuleSet() map[string]detector.LevelRule {
	rules := make(map[string]detector.LevelRule, len(c.LevelRules))
	for name, rule := range c.LevelRules {
		rules[name] = detector.LevelRule{
			Light:  decimal.NewFromFloat(rule.Light),
			Medium: decimal.NewFromFloat(rule.Medium),
			Heavy:  decimal.NewFromFloat(rule.Heavy),
		}
	}
	return rules
}

// IndexRuleSet converts the configured index rule to detector form.
func (c *AlertingConfig) IndexRuleSet() detector.IndexRule {
	rule := detector.IndexRule{
		AbsValue:          decimal.NewFromFloat(c.Index.AbsThreshold),
		SpecificTolerance: decimal.NewFromFloat(c.Index.SpecificValueTolerance),
	}
	for _, value := range c.Index.SpecificValues {
		rule.SpecificValues = append(rule.SpecificValues, decimal.NewFromFloat(value))
	}
	return rule
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
