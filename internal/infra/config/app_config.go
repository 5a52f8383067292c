// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/dcabot/errs"
)

const component = "config"

// envReference matches ${VAR}; a bare $ is kept literally.
var envReference = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExchangeConfig holds REST credentials and timeouts for the exchange.
type ExchangeConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	SecretKey      string        `yaml:"secret_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	OrderTimeout   time.Duration `yaml:"order_timeout"`
}

// StreamConfig describes the authenticated websocket feed.
type StreamConfig struct {
	WSURL                string        `yaml:"ws_url"`
	JWT                  string        `yaml:"jwt"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	ReadLimit            int64         `yaml:"read_limit"`
}

// StrategyConfig parameterises the DCA decider.
type StrategyConfig struct {
	Symbol           string `yaml:"symbol"`
	BuyIntervalTicks *int   `yaml:"buy_interval_ticks"`
	BuyAmount        string `yaml:"buy_amount"`

	amount decimal.Decimal
}

// Interval returns the configured tick interval.
func (c StrategyConfig) Interval() uint64 {
	if c.BuyIntervalTicks == nil || *c.BuyIntervalTicks < 0 {
		return 0
	}
	return uint64(*c.BuyIntervalTicks)
}

// Amount returns the parsed buy amount.
func (c StrategyConfig) Amount() decimal.Decimal {
	return c.amount
}

// ExecutorConfig controls order submission.
type ExecutorConfig struct {
	DryRun     bool    `yaml:"dry_run"`
	OrderRate  float64 `yaml:"order_rate"`
	OrderBurst int     `yaml:"order_burst"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FanoutWorkers int           `yaml:"fanout_workers"`
	Overflow      string        `yaml:"overflow"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
}

// APIServerConfig configures the read-only status API; empty Addr disables it.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// AppConfig is the unified dcabot configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	LogLevel    string          `yaml:"log_level"`
	Exchange    ExchangeConfig  `yaml:"exchange"`
	Stream      StreamConfig    `yaml:"stream"`
	Strategy    StrategyConfig  `yaml:"strategy"`
	Executor    ExecutorConfig  `yaml:"executor"`
	Eventbus    EventbusConfig  `yaml:"eventbus"`
	APIServer   APIServerConfig `yaml:"api_server"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Load reads, expands, normalises and validates an AppConfig from a YAML file.
// ${VAR} references resolve from the process environment first, then from a
// .env file next to the config when one exists.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, errs.New(component, errs.CodeConfig, errs.WithMessage("read config"), errs.WithCause(err))
	}

	dotenv, err := readDotenv(filepath.Join(filepath.Dir(configPath), ".env"))
	if err != nil {
		return AppConfig{}, err
	}
	return Parse(raw, dotenv)
}

// Parse decodes YAML bytes after expanding ${VAR} references.
func Parse(raw []byte, fallback map[string]string) (AppConfig, error) {
	expanded := envReference.ReplaceAllStringFunc(string(raw), func(ref string) string {
		key := envReference.FindStringSubmatch(ref)[1]
		if value, ok := os.LookupEnv(key); ok {
			return value
		}
		return fallback[key]
	})

	var cfg AppConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return AppConfig{}, errs.New(component, errs.CodeConfig, errs.WithMessage("unmarshal config"), errs.WithCause(err))
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.LogLevel = normalizeIdentifier(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	c.Exchange.BaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.BaseURL), "/")
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.SecretKey = strings.TrimSpace(c.Exchange.SecretKey)
	if c.Exchange.ConnectTimeout <= 0 {
		c.Exchange.ConnectTimeout = 5 * time.Second
	}
	if c.Exchange.OrderTimeout <= 0 {
		c.Exchange.OrderTimeout = 10 * time.Second
	}

	c.Stream.WSURL = strings.TrimSpace(c.Stream.WSURL)
	c.Stream.JWT = strings.TrimSpace(c.Stream.JWT)
	if c.Stream.ReconnectDelay <= 0 {
		c.Stream.ReconnectDelay = 5 * time.Second
	}
	if c.Stream.HandshakeTimeout <= 0 {
		c.Stream.HandshakeTimeout = 10 * time.Second
	}
	if c.Stream.ReadLimit <= 0 {
		c.Stream.ReadLimit = 1 << 20
	}

	c.Strategy.Symbol = strings.TrimSpace(c.Strategy.Symbol)
	if c.Strategy.BuyIntervalTicks == nil {
		interval := 5
		c.Strategy.BuyIntervalTicks = &interval
	}
	c.Strategy.BuyAmount = strings.TrimSpace(c.Strategy.BuyAmount)
	if c.Strategy.BuyAmount == "" {
		c.Strategy.BuyAmount = "0.01"
	}
	amount, err := decimal.NewFromString(c.Strategy.BuyAmount)
	if err != nil {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage("strategy buy_amount must be a decimal"),
			errs.WithField("buy_amount", c.Strategy.BuyAmount),
			errs.WithCause(err))
	}
	c.Strategy.amount = amount

	if c.Executor.OrderBurst <= 0 {
		c.Executor.OrderBurst = 1
	}

	if c.Eventbus.BufferSize == 0 {
		c.Eventbus.BufferSize = 1024
	}
	if c.Eventbus.FanoutWorkers == 0 {
		c.Eventbus.FanoutWorkers = 4
	}
	c.Eventbus.Overflow = normalizeIdentifier(c.Eventbus.Overflow)
	if c.Eventbus.Overflow == "" {
		c.Eventbus.Overflow = OverflowDropOldest
	}
	if c.Eventbus.BlockTimeout <= 0 {
		c.Eventbus.BlockTimeout = time.Second
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "dcabot"
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return errs.Config(component, "environment must be one of dev, staging, prod")
	}

	if c.Exchange.BaseURL == "" {
		return errs.Config(component, "exchange base_url required")
	}
	if c.Exchange.APIKey == "" {
		return errs.Config(component, "exchange api_key required")
	}
	if c.Exchange.SecretKey == "" {
		return errs.Config(component, "exchange secret_key required")
	}

	if c.Stream.WSURL == "" {
		return errs.Config(component, "stream ws_url required")
	}
	if c.Stream.JWT == "" {
		return errs.Config(component, "stream jwt required")
	}
	if c.Stream.MaxReconnectDelay < 0 {
		return errs.Config(component, "stream max_reconnect_delay must be >= 0")
	}
	if c.Stream.MaxReconnectAttempts < 0 {
		return errs.Config(component, "stream max_reconnect_attempts must be >= 0")
	}

	if c.Strategy.Symbol == "" {
		return errs.Config(component, "strategy symbol required")
	}
	if c.Strategy.Interval() == 0 {
		return errs.Config(component, "strategy buy_interval_ticks must be > 0")
	}
	if !c.Strategy.Amount().IsPositive() {
		return errs.Config(component, "strategy buy_amount must be > 0")
	}

	if c.Executor.OrderRate < 0 {
		return errs.Config(component, "executor order_rate must be >= 0")
	}

	if c.Eventbus.BufferSize <= 0 {
		return errs.Config(component, "eventbus buffer_size must be > 0")
	}
	if c.Eventbus.FanoutWorkers <= 0 {
		return errs.Config(component, "eventbus fanout_workers must be > 0")
	}
	switch c.Eventbus.Overflow {
	case OverflowDropOldest, OverflowReject, OverflowBlock:
	default:
		return errs.Config(component, "eventbus overflow must be one of drop_oldest, reject, block")
	}
	return nil
}

func readDotenv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errs.New(component, errs.CodeConfig, errs.WithMessage("read .env"), errs.WithCause(err))
	}
	return values, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, errs.New(component, errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("open app config %s", candidate)),
			errs.WithCause(err))
	}
	return file, func() { _ = file.Close() }, nil
}
