package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "60s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration '%s': %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Riskflow ServiceConfig `yaml:"riskflow"`
	Market   MarketConfig  `yaml:"market"`
	Source   SourceConfig  `yaml:"source"`
	Stream   StreamConfig  `yaml:"stream"`
	Guard    GuardConfig   `yaml:"guard"`
	Onchain  OnchainConfig `yaml:"onchain"`
	API      APIConfig     `yaml:"api"`
	Archive  ArchiveConfig `yaml:"archive"`
	Storage  StorageConfig `yaml:"storage"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Logging  LoggingConfig `yaml:"logging"`
}

type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MarketConfig struct {
	Symbol              string   `yaml:"symbol"`
	BarWindow           Duration `yaml:"bar_window"`
	BookDepthBandBps    float64  `yaml:"book_depth_band_bps"`
	BookPublishInterval Duration `yaml:"book_publish_interval"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
	Bybit   BybitSourceConfig   `yaml:"bybit"`
	Okx     OkxSourceConfig     `yaml:"okx"`
	Reconnect ReconnectConfig   `yaml:"reconnect"`
}

type BinanceSourceConfig struct {
	WsURL string `yaml:"ws_url"` // empty uses the client library default
}

type BybitSourceConfig struct {
	RestURL             string   `yaml:"rest_url"`
	WsURL               string   `yaml:"ws_url"`
	Category            string   `yaml:"category"`
	PollInterval        Duration `yaml:"poll_interval"`
	FundingIntervalHour int      `yaml:"funding_interval_hours"`
	RequestTimeout      Duration `yaml:"request_timeout"`
	RequestsPerSecond   float64  `yaml:"requests_per_second"`
}

type OkxSourceConfig struct {
	WsURL       string `yaml:"ws_url"`
	BasisInstID string `yaml:"basis_inst_id"`
}

type ReconnectConfig struct {
	MinDelay    Duration `yaml:"min_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	GracePeriod Duration `yaml:"grace_period"`
	KeepAlive   Duration `yaml:"keep_alive"`
	DialTimeout Duration `yaml:"dial_timeout"`
}

type StreamConfig struct {
	DefaultMaxLen int            `yaml:"default_max_len"`
	MaxLenByTopic map[string]int `yaml:"max_len_by_topic"`
	CacheTTL      Duration       `yaml:"cache_ttl"`
}

type GuardConfig struct {
	SpreadWarnBps  float64  `yaml:"spread_warn_bps"`
	DepthWarnUSD   float64  `yaml:"depth_warn_usd"`
	FundingWarnAPR float64  `yaml:"funding_warn_apr"`
	LiqBreachCount int      `yaml:"liq_breach_count"`
	LiqWindow      Duration `yaml:"liq_window"`
	CacheTTL       Duration `yaml:"cache_ttl"`
}

type OnchainConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RPCURL         string   `yaml:"rpc_url"`
	ProgramID      string   `yaml:"program_id"`
	MarketIndex    int32    `yaml:"market_index"`
	MaintMarginRatio float64 `yaml:"maint_margin_ratio"`
	ScanInterval   Duration `yaml:"scan_interval"`
	MaxAccounts    int      `yaml:"max_accounts"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

type APIConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Address       string `yaml:"address"`
	WebhookSecret string `yaml:"webhook_secret"`
	StrictWebhook bool   `yaml:"strict_webhook"`
}

type ArchiveConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Dir           string   `yaml:"dir"`
	FlushInterval Duration `yaml:"flush_interval"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	CloudWatchEnabled bool   `yaml:"cloudwatch_enabled"`
	Region            string `yaml:"region"`
	Namespace         string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv substitutes ${VAR} references with environment values so
// secrets never live in the yaml file itself.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads, expands and validates the yaml configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Riskflow.Name == "" {
		c.Riskflow.Name = "riskflow"
	}
	if c.Market.Symbol == "" {
		c.Market.Symbol = "SOLUSDT"
	}
	if c.Market.BarWindow <= 0 {
		c.Market.BarWindow = Duration(time.Minute)
	}
	if c.Market.BookDepthBandBps <= 0 {
		c.Market.BookDepthBandBps = 10
	}
	if c.Market.BookPublishInterval <= 0 {
		c.Market.BookPublishInterval = Duration(time.Second)
	}
	if c.Source.Bybit.RestURL == "" {
		c.Source.Bybit.RestURL = "https://api.bybit.com"
	}
	if c.Source.Bybit.WsURL == "" {
		c.Source.Bybit.WsURL = "wss://stream.bybit.com/v5/public/linear"
	}
	if c.Source.Bybit.Category == "" {
		c.Source.Bybit.Category = "linear"
	}
	if c.Source.Bybit.PollInterval <= 0 {
		c.Source.Bybit.PollInterval = Duration(60 * time.Second)
	}
	if c.Source.Bybit.FundingIntervalHour <= 0 {
		c.Source.Bybit.FundingIntervalHour = 8
	}
	if c.Source.Bybit.RequestTimeout <= 0 {
		c.Source.Bybit.RequestTimeout = Duration(10 * time.Second)
	}
	if c.Source.Bybit.RequestsPerSecond <= 0 {
		c.Source.Bybit.RequestsPerSecond = 5
	}
	if c.Source.Okx.WsURL == "" {
		c.Source.Okx.WsURL = "wss://ws.okx.com:8443/ws/v5/public"
	}
	if c.Source.Okx.BasisInstID == "" {
		c.Source.Okx.BasisInstID = "SOL-USDC-SWAP"
	}
	if c.Source.Reconnect.MinDelay <= 0 {
		c.Source.Reconnect.MinDelay = Duration(time.Second)
	}
	if c.Source.Reconnect.MaxDelay <= 0 {
		c.Source.Reconnect.MaxDelay = Duration(60 * time.Second)
	}
	if c.Source.Reconnect.GracePeriod <= 0 {
		c.Source.Reconnect.GracePeriod = Duration(30 * time.Second)
	}
	if c.Source.Reconnect.KeepAlive <= 0 {
		c.Source.Reconnect.KeepAlive = Duration(20 * time.Second)
	}
	if c.Source.Reconnect.DialTimeout <= 0 {
		c.Source.Reconnect.DialTimeout = Duration(15 * time.Second)
	}
	if c.Stream.DefaultMaxLen <= 0 {
		c.Stream.DefaultMaxLen = 10000
	}
	if c.Stream.CacheTTL <= 0 {
		c.Stream.CacheTTL = Duration(5 * time.Second)
	}
	if c.Guard.SpreadWarnBps <= 0 {
		c.Guard.SpreadWarnBps = 10
	}
	if c.Guard.DepthWarnUSD <= 0 {
		c.Guard.DepthWarnUSD = 50000
	}
	if c.Guard.FundingWarnAPR <= 0 {
		c.Guard.FundingWarnAPR = 300
	}
	if c.Guard.LiqBreachCount <= 0 {
		c.Guard.LiqBreachCount = 10
	}
	if c.Guard.LiqWindow <= 0 {
		c.Guard.LiqWindow = Duration(5 * time.Minute)
	}
	if c.Guard.CacheTTL <= 0 {
		c.Guard.CacheTTL = Duration(5 * time.Second)
	}
	if c.Onchain.MaintMarginRatio <= 0 {
		c.Onchain.MaintMarginRatio = 0.03
	}
	if c.Onchain.ScanInterval <= 0 {
		c.Onchain.ScanInterval = Duration(time.Hour)
	}
	if c.Onchain.MaxAccounts <= 0 {
		c.Onchain.MaxAccounts = 100
	}
	if c.Onchain.RequestTimeout <= 0 {
		c.Onchain.RequestTimeout = Duration(30 * time.Second)
	}
	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = "storage/parquet"
	}
	if c.Archive.FlushInterval <= 0 {
		c.Archive.FlushInterval = Duration(time.Minute)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Market.Symbol == "" {
		return fmt.Errorf("market.symbol is required")
	}
	if c.Onchain.Enabled {
		if c.Onchain.RPCURL == "" {
			return fmt.Errorf("onchain.rpc_url is required when onchain scanning is enabled")
		}
		if c.Onchain.ProgramID == "" {
			return fmt.Errorf("onchain.program_id is required when onchain scanning is enabled")
		}
	}
	if c.API.StrictWebhook && c.API.WebhookSecret == "" {
		return fmt.Errorf("api.webhook_secret is required in strict webhook mode")
	}
	if c.Storage.S3.Enabled && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("storage.s3.bucket is required when s3 is enabled")
	}
	return nil
}
