package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`

	Log struct {
		Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" default:"console" validate:"oneof=console json"`
		Output string `yaml:"output" default:"stdout"`
	} `yaml:"log"`

	Server struct {
		Port            int           `yaml:"port" default:"8080" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"10s"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"15s"`
		ControlRPS      float64       `yaml:"control_rps" default:"2"`
		ControlBurst    float64       `yaml:"control_burst" default:"5"`
	} `yaml:"server"`

	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name" default:"updown-trader"`
	} `yaml:"tracing"`

	Bus struct {
		MailboxSize  int           `yaml:"mailbox_size" default:"1024" validate:"min=1"`
		DrainTimeout time.Duration `yaml:"drain_timeout" default:"5s"`
	} `yaml:"bus"`

	Health struct {
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" default:"30s"`
		WatchInterval    time.Duration `yaml:"watch_interval" default:"5s"`
		FailureThreshold int           `yaml:"failure_threshold" default:"3" validate:"min=1"`
	} `yaml:"health"`

	Feeds Feeds `yaml:"feeds"`

	Signal Signal `yaml:"signal"`

	Risk Risk `yaml:"risk"`

	Fees Fees `yaml:"fees"`

	Engine Engine `yaml:"engine"`

	Authorization Authorization `yaml:"authorization"`

	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		TopicPrefix  string   `yaml:"topic_prefix" default:"updown"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"snappy"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"200ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"5s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"5s"`
			Async        bool          `yaml:"async" default:"true"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			GroupID    string        `yaml:"group_id" default:"updown-trader"`
			Workers    int           `yaml:"workers" default:"1"`
			BufferSize int           `yaml:"buffer_size" default:"64"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"1048576"`
		} `yaml:"consumer"`
		LogFlushInterval time.Duration `yaml:"log_flush_interval" default:"30s"`
	} `yaml:"kafka"`

	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"updown"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert" default:"true"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Host     string `yaml:"host" default:"localhost"`
		Port     int    `yaml:"port" default:"6379"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix" default:"updown"`
	} `yaml:"redis"`
}

type Feeds struct {
	Binance struct {
		Enabled        bool          `yaml:"enabled" default:"true"`
		Symbol         string        `yaml:"symbol" default:"btcusdt" validate:"required"`
		URLs           []string      `yaml:"urls"`
		BarInterval    string        `yaml:"bar_interval" default:"1m"`
		PingInterval   time.Duration `yaml:"ping_interval" default:"15s"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"1s"`
		MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
		MaxTicksPerSec int           `yaml:"max_ticks_per_sec" default:"50"`
		BufferSize     int           `yaml:"buffer_size" default:"2048"`
	} `yaml:"binance"`
	Polymarket struct {
		Enabled      bool          `yaml:"enabled" default:"true"`
		Hosts        []string      `yaml:"hosts"`
		MarketID     string        `yaml:"market_id"`
		Title        string        `yaml:"title" default:"BTC 15m UP/DOWN"`
		UpTokenID    string        `yaml:"up_token_id"`
		DownTokenID  string        `yaml:"down_token_id"`
		PollInterval time.Duration `yaml:"poll_interval" default:"3s"`
		Timeout      time.Duration `yaml:"timeout" default:"3s"`
		Retries      int           `yaml:"retries" default:"3"`
		Window       time.Duration `yaml:"window" default:"15m"`
	} `yaml:"polymarket"`
}

type Mode struct {
	Threshold            float64            `yaml:"threshold" validate:"gt=0,lt=100"`
	MaxPositionPct       float64            `yaml:"max_position_pct" validate:"gt=0,lte=1"`
	SentimentSensitivity float64            `yaml:"sentiment_sensitivity" validate:"gte=0,lte=1"`
	AntiFOMO             bool               `yaml:"anti_fomo"`
	Multipliers          map[string]float64 `yaml:"multipliers"`
}

type Signal struct {
	Mode                 string             `yaml:"mode" default:"balanced" validate:"required"`
	Cooldown             time.Duration      `yaml:"cooldown" default:"120s"`
	MinBars              int                `yaml:"min_bars" default:"26" validate:"min=2"`
	MaxMarketAge         time.Duration      `yaml:"max_market_age" default:"30s"`
	DefensiveMode        string             `yaml:"defensive_mode" default:"defensive"`
	DefensiveAfterLosses int                `yaml:"defensive_after_losses" default:"3" validate:"gte=0"`
	Weights              map[string]float64 `yaml:"weights"`
	Modes                map[string]Mode    `yaml:"modes" validate:"dive"`
}

type Risk struct {
	MaxOpenPositions        int           `yaml:"max_open_positions" default:"3" validate:"min=1"`
	MaxTradesPerHour        int           `yaml:"max_trades_per_hour" default:"12" validate:"min=1"`
	MaxDailyTrades          int           `yaml:"max_daily_trades" default:"50" validate:"min=1"`
	DailyLossPct            float64       `yaml:"daily_loss_pct" default:"10" validate:"gt=0,lte=100"`
	MaxConsecutiveLosses    int           `yaml:"max_consecutive_losses" default:"5" validate:"min=1"`
	ConsecutiveLossCooldown time.Duration `yaml:"consecutive_loss_cooldown" default:"30m"`
	MaxDrawdownPct          float64       `yaml:"max_drawdown_pct" default:"20" validate:"gt=0,lte=100"`
	KellyFraction           float64       `yaml:"kelly_fraction" default:"0.5" validate:"gt=0,lte=1"`
	KellyCap                float64       `yaml:"kelly_cap" default:"0.4" validate:"gt=0,lte=1"`
	MinPositionPct          float64       `yaml:"min_position_pct" default:"0.01" validate:"gte=0,lte=1"`
	MaxPositionPct          float64       `yaml:"max_position_pct" default:"0.3" validate:"gt=0,lte=1"`
	MaxPerTrade             float64       `yaml:"max_per_trade" default:"50" validate:"gt=0"`
	MaxCumulative           float64       `yaml:"max_cumulative" default:"1000" validate:"gt=0"`
	MinTradeAmount          float64       `yaml:"min_trade_amount" default:"1" validate:"gte=0"`
	Lookback                int           `yaml:"lookback" default:"20" validate:"min=1"`
	VolatilityLowPct        float64       `yaml:"volatility_low_pct" default:"0.3"`
	VolatilityHighPct       float64       `yaml:"volatility_high_pct" default:"1.0"`
}

type Fees struct {
	BuyMin  float64 `yaml:"buy_min" default:"0.002" validate:"gte=0"`
	BuyMax  float64 `yaml:"buy_max" default:"0.016" validate:"gte=0"`
	SellMin float64 `yaml:"sell_min" default:"0.008" validate:"gte=0"`
	SellMax float64 `yaml:"sell_max" default:"0.037" validate:"gte=0"`

	FilterEnabled  bool    `yaml:"filter_enabled" default:"true"`
	MaxSpread      float64 `yaml:"max_spread" default:"0.02" validate:"gte=0"`
	MinProfitRatio float64 `yaml:"min_profit_ratio" default:"1.5" validate:"gte=0"`
}

type Engine struct {
	Type           string        `yaml:"type" default:"simulation" validate:"oneof=simulation live"`
	InitialBalance float64       `yaml:"initial_balance" default:"1000" validate:"gt=0"`
	Expiry         time.Duration `yaml:"expiry" default:"15m"`
	SettleInterval time.Duration `yaml:"settle_interval" default:"5s"`
	AutoStart      bool          `yaml:"auto_start" default:"true"`
	Live           struct {
		Host          string        `yaml:"host" default:"https://clob.polymarket.com"`
		ChainID       int64         `yaml:"chain_id" default:"137"`
		Address       string        `yaml:"address"`
		APIKey        string        `yaml:"api_key"`
		APISecret     string        `yaml:"api_secret"`
		APIPassphrase string        `yaml:"api_passphrase"`
		SignerURL     string        `yaml:"signer_url"`
		MaxPerTrade   float64       `yaml:"max_per_trade" default:"10" validate:"gt=0"`
		MaxTotal      float64       `yaml:"max_total" default:"100" validate:"gt=0"`
		OrderTimeout  time.Duration `yaml:"order_timeout" default:"5s"`
		Retries       int           `yaml:"retries" default:"2"`
	} `yaml:"live"`
}

type Authorization struct {
	Mode                   string        `yaml:"mode" default:"hitl" validate:"oneof=auto hitl monitor"`
	ProposalTTL            time.Duration `yaml:"proposal_ttl" default:"300s"`
	SweepInterval          time.Duration `yaml:"sweep_interval" default:"1s"`
	MaxPending             int           `yaml:"max_pending" default:"50" validate:"min=1"`
	HistoryLimit           int           `yaml:"history_limit" default:"200" validate:"min=1"`
	AutoApproveMaxSeverity string        `yaml:"auto_approve_max_severity" default:"low" validate:"oneof=none low medium high critical"`
	OnExpiry               string        `yaml:"on_expiry" default:"expired" validate:"oneof=expired rejected"`
	EmergencyConfidence    float64       `yaml:"emergency_confidence" default:"95"`
	EmergencyActions       []string      `yaml:"emergency_actions"`
	LockTTL                time.Duration `yaml:"lock_ttl" default:"5s"`
}

var validate = validator.New()

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse builds a Config from raw YAML, applying defaults and validation.
func Parse(b []byte) (*Config, error) {
	// defaults go first so an explicit false or zero in YAML is kept
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.fillCollections()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Default returns a fully defaulted configuration. Handy for tests.
func Default() *Config {
	var c Config
	_ = c.applyDefaults()
	return &c
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
// A .env file next to the process is loaded first when present.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ENGINE_TYPE"); v != "" {
		c.Engine.Type = v
	}
	if v := os.Getenv("TRADING_MODE"); v != "" {
		c.Signal.Mode = v
	}
	if v := os.Getenv("AUTH_MODE"); v != "" {
		c.Authorization.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CLOB_API_KEY"); v != "" {
		c.Engine.Live.APIKey = v
	}
	if v := os.Getenv("CLOB_API_SECRET"); v != "" {
		c.Engine.Live.APISecret = v
	}
	if v := os.Getenv("CLOB_API_PASSPHRASE"); v != "" {
		c.Engine.Live.APIPassphrase = v
	}
	if v := os.Getenv("CLOB_ADDRESS"); v != "" {
		c.Engine.Live.Address = v
	}
	if v := os.Getenv("LIVE_MAX_PER_TRADE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.Live.MaxPerTrade = f
		}
	}
	if v := os.Getenv("LIVE_MAX_TOTAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.Live.MaxTotal = f
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
}

func (c *Config) applyDefaults() error {
	if err := defaults.Set(c); err != nil {
		return err
	}
	c.fillCollections()
	return nil
}

// fillCollections sets list and map defaults that struct tags cannot express.
func (c *Config) fillCollections() {
	if len(c.Feeds.Binance.URLs) == 0 {
		c.Feeds.Binance.URLs = []string{
			"wss://stream.binance.com:9443/stream",
			"wss://stream.binance.us:9443/stream",
		}
	}
	if len(c.Feeds.Polymarket.Hosts) == 0 {
		c.Feeds.Polymarket.Hosts = []string{"https://clob.polymarket.com"}
	}
	if len(c.Signal.Weights) == 0 {
		c.Signal.Weights = DefaultWeights()
	}
	if len(c.Signal.Modes) == 0 {
		c.Signal.Modes = DefaultModes()
	}
	if len(c.Authorization.EmergencyActions) == 0 {
		c.Authorization.EmergencyActions = []string{"PAUSE_TRADING"}
	}
}

// DefaultWeights is the base indicator weight vector before mode multipliers.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"ema": 10, "obi": 8, "macd": 8, "cvd": 7, "ha": 6,
		"vwap": 5, "rsi": 5, "bb": 5, "poc": 3, "walls": 4,
	}
}

func DefaultModes() map[string]Mode {
	return map[string]Mode{
		"aggressive": {
			Threshold: 25, MaxPositionPct: 0.30, SentimentSensitivity: 0.2,
			Multipliers: map[string]float64{
				"ema": 1.2, "obi": 1.0, "macd": 0.8, "cvd": 1.2, "ha": 0.6,
				"vwap": 0.8, "rsi": 0.6, "bb": 0.6, "poc": 0.5, "walls": 1.0,
			},
		},
		"balanced": {
			Threshold: 40, MaxPositionPct: 0.20, SentimentSensitivity: 0.5,
		},
		"conservative": {
			Threshold: 60, MaxPositionPct: 0.10, SentimentSensitivity: 0.7, AntiFOMO: true,
			Multipliers: map[string]float64{
				"ema": 0.8, "obi": 1.2, "macd": 1.2, "cvd": 0.8, "ha": 1.2,
				"vwap": 1.2, "rsi": 1.5, "bb": 1.3, "poc": 1.0, "walls": 1.2,
			},
		},
		"defensive": {
			Threshold: 75, MaxPositionPct: 0.05, SentimentSensitivity: 0.9, AntiFOMO: true,
			Multipliers: map[string]float64{
				"ema": 0.6, "obi": 1.2, "macd": 1.0, "cvd": 0.6, "ha": 1.2,
				"vwap": 1.2, "rsi": 1.8, "bb": 1.5, "poc": 1.2, "walls": 1.4,
			},
		},
	}
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if _, ok := c.Signal.Modes[c.Signal.Mode]; !ok {
		return fmt.Errorf("signal.mode %q is not defined in signal.modes", c.Signal.Mode)
	}
	if c.Fees.BuyMax < c.Fees.BuyMin {
		return fmt.Errorf("fees.buy_max must be >= fees.buy_min")
	}
	if c.Fees.SellMax < c.Fees.SellMin {
		return fmt.Errorf("fees.sell_max must be >= fees.sell_min")
	}
	if c.Risk.MaxPositionPct < c.Risk.MinPositionPct {
		return fmt.Errorf("risk.max_position_pct must be >= risk.min_position_pct")
	}
	if c.Risk.MaxCumulative < c.Risk.MaxPerTrade {
		return fmt.Errorf("risk.max_cumulative must be >= risk.max_per_trade")
	}
	if c.Engine.Live.MaxTotal < c.Engine.Live.MaxPerTrade {
		return fmt.Errorf("engine.live.max_total must be >= engine.live.max_per_trade")
	}
	if c.Engine.Type == "live" {
		l := c.Engine.Live
		if l.APIKey == "" || l.APISecret == "" || l.APIPassphrase == "" || l.Address == "" {
			return fmt.Errorf("engine.live credentials (address, api_key, api_secret, api_passphrase) are required for live trading")
		}
		if l.SignerURL == "" {
			return fmt.Errorf("engine.live.signer_url is required for live trading")
		}
		if c.Feeds.Polymarket.UpTokenID == "" || c.Feeds.Polymarket.DownTokenID == "" {
			return fmt.Errorf("feeds.polymarket token ids are required for live trading")
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Engine.Expiry <= 0 {
		return fmt.Errorf("engine.expiry must be positive")
	}
	if c.Authorization.ProposalTTL <= 0 {
		return fmt.Errorf("authorization.proposal_ttl must be positive")
	}
	return nil
}
