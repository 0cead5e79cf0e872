package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Exchange adapter kinds.
const (
	KindPaper   = "paper"
	KindBinance = "binance"
)

// Config is the one canonical configuration shape. Every component reads
// its settings from here; exchanges are always a list.
type Config struct {
	Exchanges    []ExchangeConfig
	Risk         RiskConfig
	Execution    ExecutionConfig
	MarketMaking MarketMakingConfig
	Grid         GridConfig
	Arbitrage    ArbitrageConfig
	Storage      StorageConfig
	Notify       NotifyConfig

	MetricsAddr string
	APIAddr     string
	LogLevel    string
}

// ExchangeConfig describes one venue.
type ExchangeConfig struct {
	Name        string
	Kind        string
	APIKey      string
	APISecret   string
	Testnet     bool
	RESTURL     string
	WSURL       string
	Fee         float64 // taker fee as a fraction
	SlippageBps int64   // paper only
	// Balances seeds a paper venue, e.g. "USDT=10000,BTC=0.5".
	Balances map[string]decimal.Decimal
}

type RiskConfig struct {
	MaxPositionFraction float64
	MaxDrawdown         float64
	RiskFreeRate        float64
	ReturnWindow        int // valuation samples kept for volatility
}

type ExecutionConfig struct {
	Instruments       []string
	InitialBalance    decimal.Decimal // zero: seed from the venue's quote balance
	QuoteAsset        string
	ReconcileInterval time.Duration
	ValuationInterval time.Duration
	MaxBackoff        time.Duration
	RequestTimeout    time.Duration
	// Staging forces every venue onto the paper adapter.
	Staging bool
}

type MarketMakingConfig struct {
	Enabled    bool
	Venue      string
	Instrument string
	Qty        decimal.Decimal
	Spread     float64
	Cadence    time.Duration
}

type GridConfig struct {
	Enabled    bool
	Venue      string
	Instrument string
	Lower      decimal.Decimal
	Upper      decimal.Decimal
	Levels     int
	Qty        decimal.Decimal
	Interval   time.Duration
}

type ArbitrageConfig struct {
	Enabled      bool
	Instruments  []string
	MinProfit    float64
	Fee          float64
	Qty          decimal.Decimal
	ScanInterval time.Duration
}

type StorageConfig struct {
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	NATSURL       string
	NATSSubject   string
	KafkaBrokers  []string
	KafkaTopic    string
	MySQLDSN      string
	BatchSize     int
	FlushInterval time.Duration
}

type NotifyConfig struct {
	TelegramToken  string
	TelegramChatID string
	WebhookURL     string
}

// Load reads configuration from the environment (and .env when present)
// with sensible defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Risk: RiskConfig{
			MaxPositionFraction: getEnvFloat("RISK_MAX_POSITION_FRACTION", 0.1),
			MaxDrawdown:         getEnvFloat("RISK_MAX_DRAWDOWN", 0.05),
			RiskFreeRate:        getEnvFloat("RISK_FREE_RATE", 0.02),
			ReturnWindow:        getEnvInt("RISK_RETURN_WINDOW", 256),
		},
		Execution: ExecutionConfig{
			Instruments:       ParseList(getEnv("INSTRUMENTS", "BTC/USDT")),
			InitialBalance:    getEnvDecimal("INITIAL_BALANCE", decimal.Zero),
			QuoteAsset:        getEnv("QUOTE_ASSET", "USDT"),
			ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Second),
			ValuationInterval: getEnvDuration("VALUATION_INTERVAL", 10*time.Second),
			MaxBackoff:        getEnvDuration("MAX_BACKOFF", 30*time.Second),
			RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 10*time.Second),
			Staging:           getEnvBool("STAGING", true),
		},
		MarketMaking: MarketMakingConfig{
			Enabled:    getEnvBool("MM_ENABLED", false),
			Venue:      getEnv("MM_VENUE", ""),
			Instrument: getEnv("MM_INSTRUMENT", "BTC/USDT"),
			Qty:        getEnvDecimal("MM_QTY", decimal.RequireFromString("0.001")),
			Spread:     getEnvFloat("MM_SPREAD", 0.002),
			Cadence:    getEnvDuration("MM_CADENCE", 5*time.Second),
		},
		Grid: GridConfig{
			Enabled:    getEnvBool("GRID_ENABLED", false),
			Venue:      getEnv("GRID_VENUE", ""),
			Instrument: getEnv("GRID_INSTRUMENT", "BTC/USDT"),
			Lower:      getEnvDecimal("GRID_LOWER", decimal.Zero),
			Upper:      getEnvDecimal("GRID_UPPER", decimal.Zero),
			Levels:     getEnvInt("GRID_LEVELS", 10),
			Qty:        getEnvDecimal("GRID_QTY", decimal.RequireFromString("0.001")),
			Interval:   getEnvDuration("GRID_INTERVAL", 10*time.Second),
		},
		Arbitrage: ArbitrageConfig{
			Enabled:      getEnvBool("ARB_ENABLED", false),
			Instruments:  ParseList(getEnv("ARB_INSTRUMENTS", "")),
			MinProfit:    getEnvFloat("ARB_MIN_PROFIT", 0.001),
			Fee:          getEnvFloat("ARB_FEE", 0.001),
			Qty:          getEnvDecimal("ARB_QTY", decimal.RequireFromString("0.001")),
			ScanInterval: getEnvDuration("ARB_SCAN_INTERVAL", 5*time.Second),
		},
		Storage: StorageConfig{
			SQLitePath:    getEnv("SQLITE_PATH", "data/trades.db"),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			NATSURL:       getEnv("NATS_URL", ""),
			NATSSubject:   getEnv("NATS_SUBJECT", "trading.trades"),
			KafkaBrokers:  ParseList(getEnv("KAFKA_BROKERS", "")),
			KafkaTopic:    getEnv("KAFKA_TOPIC", "trading.trades"),
			MySQLDSN:      getEnv("MYSQL_DSN", ""),
			BatchSize:     getEnvInt("SINK_BATCH_SIZE", 100),
			FlushInterval: getEnvDuration("SINK_FLUSH_INTERVAL", time.Second),
		},
		Notify: NotifyConfig{
			TelegramToken:  getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID: getEnv("TELEGRAM_CHAT_ID", ""),
			WebhookURL:     getEnv("ALERT_WEBHOOK_URL", ""),
		},
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		APIAddr:     getEnv("API_ADDR", ":8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	for _, name := range ParseList(getEnv("EXCHANGES", "paper")) {
		cfg.Exchanges = append(cfg.Exchanges, loadExchange(name, cfg.Execution.Staging))
	}
	if cfg.MarketMaking.Venue == "" && len(cfg.Exchanges) > 0 {
		cfg.MarketMaking.Venue = cfg.Exchanges[0].Name
	}
	if cfg.Grid.Venue == "" && len(cfg.Exchanges) > 0 {
		cfg.Grid.Venue = cfg.Exchanges[0].Name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadExchange reads <NAME>_* variables for one venue.
func loadExchange(name string, staging bool) ExchangeConfig {
	p := envPrefix(name)
	kind := KindPaper
	if strings.EqualFold(name, KindBinance) {
		kind = KindBinance
	}
	kind = strings.ToLower(getEnv(p+"KIND", kind))
	if staging {
		kind = KindPaper
	}
	return ExchangeConfig{
		Name:        name,
		Kind:        kind,
		APIKey:      getEnv(p+"API_KEY", ""),
		APISecret:   getEnv(p+"API_SECRET", ""),
		Testnet:     getEnvBool(p+"TESTNET", false),
		RESTURL:     getEnv(p+"REST_URL", ""),
		WSURL:       getEnv(p+"WS_URL", ""),
		Fee:         getEnvFloat(p+"FEE", 0.001),
		SlippageBps: int64(getEnvInt(p+"SLIPPAGE_BPS", 0)),
		Balances:    ParseBalances(getEnv(p+"BALANCES", "USDT=10000")),
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("config: at least one exchange is required")
	}
	seen := make(map[string]bool, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if seen[ex.Name] {
			return fmt.Errorf("config: duplicate exchange %q", ex.Name)
		}
		seen[ex.Name] = true
		switch ex.Kind {
		case KindPaper:
		case KindBinance:
			if ex.APIKey == "" || ex.APISecret == "" {
				return fmt.Errorf("config: exchange %q needs API key and secret", ex.Name)
			}
		default:
			return fmt.Errorf("config: exchange %q has unknown kind %q", ex.Name, ex.Kind)
		}
	}
	if c.Risk.MaxPositionFraction <= 0 || c.Risk.MaxPositionFraction > 1 {
		return fmt.Errorf("config: RISK_MAX_POSITION_FRACTION must be in (0,1], got %v", c.Risk.MaxPositionFraction)
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown > 1 {
		return fmt.Errorf("config: RISK_MAX_DRAWDOWN must be in (0,1], got %v", c.Risk.MaxDrawdown)
	}
	if c.MarketMaking.Enabled && !seen[c.MarketMaking.Venue] {
		return fmt.Errorf("config: MM_VENUE %q is not a configured exchange", c.MarketMaking.Venue)
	}
	if c.Grid.Enabled {
		if !seen[c.Grid.Venue] {
			return fmt.Errorf("config: GRID_VENUE %q is not a configured exchange", c.Grid.Venue)
		}
		if !c.Grid.Upper.GreaterThan(c.Grid.Lower) || !c.Grid.Lower.IsPositive() || c.Grid.Levels < 2 {
			return fmt.Errorf("config: grid needs 0 < GRID_LOWER < GRID_UPPER and GRID_LEVELS >= 2")
		}
	}
	if c.Arbitrage.Enabled && len(c.Exchanges) < 2 {
		return fmt.Errorf("config: arbitrage needs at least two exchanges")
	}
	return nil
}

// Exchange returns the named exchange config.
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	for _, ex := range c.Exchanges {
		if ex.Name == name {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}

// ParseList splits a comma-separated value, dropping blanks.
func ParseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ParseBalances parses "ASSET=amount,..." and skips invalid entries.
func ParseBalances(s string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range ParseList(s) {
		asset, amt, ok := strings.Cut(p, "=")
		if !ok {
			log.Printf("[config] skipping invalid balance entry: %q", p)
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(amt))
		if err != nil || d.IsNegative() {
			log.Printf("[config] skipping invalid balance entry: %q", p)
			continue
		}
		out[strings.ToUpper(strings.TrimSpace(asset))] = d
	}
	return out
}

// envPrefix maps an exchange name to its variable prefix: "paper-a" -> "PAPER_A_".
func envPrefix(name string) string {
	b := []byte(strings.ToUpper(name))
	for i, c := range b {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			b[i] = '_'
		}
	}
	return string(b) + "_"
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
