package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	StoreMemory   = "memory"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

var mpesaBaseURLs = map[string]string{
	"sandbox":    "https://sandbox.safaricom.co.ke",
	"production": "https://api.safaricom.co.ke",
}

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
}

// Enabled reports whether enough credentials are set to register the gateway.
func (c MpesaConfig) Enabled() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.Shortcode != "" && c.Passkey != ""
}

type FlutterwaveConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	RedirectURL   string
}

func (c FlutterwaveConfig) Enabled() bool {
	return c.SecretKey != ""
}

type Config struct {
	Port     string
	Env      string
	LogLevel string

	BaseCurrency            string
	DisplayFallbackCurrency string
	Rates                   map[string]decimal.Decimal
	MinAmount               decimal.Decimal
	MaxAmount               decimal.Decimal
	MaxRetries              int

	PendingTimeout          time.Duration
	ProviderTimeout         time.Duration
	SyncTimeout             time.Duration
	SweepInterval           time.Duration
	RejectInvalidSignatures bool

	Mpesa       MpesaConfig
	Flutterwave FlutterwaveConfig

	Store            string
	MongoURI         string
	MongoDatabase    string
	DatabaseURL      string
	RedisURL         string
	RabbitMQURL      string
	RabbitMQExchange string
}

// Load reads .env when present and then the process environment. Malformed
// numbers, rates and durations are errors.
func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		log.Warn().Msg("No .env file found, relying on system environment variables")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	var p parser
	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		BaseCurrency:            strings.ToUpper(getEnv("DEFAULT_CURRENCY", "USD")),
		DisplayFallbackCurrency: strings.ToUpper(getEnv("DISPLAY_FALLBACK_CURRENCY", "KES")),
		MinAmount:               p.decimalVar("MINIMUM_PAYMENT_AMOUNT", "1.00"),
		MaxAmount:               p.decimalVar("MAXIMUM_PAYMENT_AMOUNT", "10000.00"),
		MaxRetries:              p.intVar("MAX_PAYMENT_RETRIES", 3),

		PendingTimeout:          p.durationVar("PENDING_TIMEOUT", 300*time.Second),
		ProviderTimeout:         p.durationVar("PROVIDER_TIMEOUT", 30*time.Second),
		SyncTimeout:             p.durationVar("DOWNSTREAM_SYNC_TIMEOUT", 10*time.Second),
		SweepInterval:           p.durationVar("SWEEP_INTERVAL", 0),
		RejectInvalidSignatures: p.boolVar("REJECT_INVALID_SIGNATURES", false),

		Mpesa: MpesaConfig{
			ConsumerKey:    getEnv("MPESA_CONSUMER_KEY", ""),
			ConsumerSecret: getEnv("MPESA_CONSUMER_SECRET", ""),
			Shortcode:      getEnv("MPESA_BUSINESS_SHORTCODE", ""),
			Passkey:        getEnv("MPESA_PASS_KEY", ""),
			CallbackURL:    getEnv("MPESA_CALLBACK_URL", ""),
		},
		Flutterwave: FlutterwaveConfig{
			BaseURL:       getEnv("FLUTTERWAVE_BASE_URL", "https://api.flutterwave.com/v3"),
			SecretKey:     getEnv("FLUTTERWAVE_SECRET_KEY", ""),
			WebhookSecret: getEnv("FLUTTERWAVE_WEBHOOK_SECRET", ""),
			RedirectURL:   getEnv("FLUTTER_SUCCESS_URL", ""),
		},

		MongoURI:         getEnv("MONGOURI", ""),
		MongoDatabase:    getEnv("MONGO_DATABASE", "paybridge"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "payment_events"),
	}

	cfg.Rates = map[string]decimal.Decimal{
		"KES": p.decimalVar("KES_EXCHANGE_RATE", "147.50"),
		"EUR": p.decimalVar("EUR_EXCHANGE_RATE", "0.85"),
		"GBP": p.decimalVar("GBP_EXCHANGE_RATE", "0.73"),
	}
	// EXTRA_EXCHANGE_RATES holds CODE=rate pairs, e.g. NGN=1550,UGX=3700.
	for _, pair := range strings.Split(getEnv("EXTRA_EXCHANGE_RATES", ""), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, value, ok := strings.Cut(pair, "=")
		rate, err := decimal.NewFromString(strings.TrimSpace(value))
		if !ok || err != nil {
			p.fail("EXTRA_EXCHANGE_RATES", pair)
			continue
		}
		cfg.Rates[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	cfg.Rates[cfg.BaseCurrency] = decimal.NewFromInt(1)

	env := strings.ToLower(getEnv("MPESA_ENVIRONMENT", "sandbox"))
	cfg.Mpesa.BaseURL = getEnv("MPESA_BASE_URL", mpesaBaseURLs[env])

	cfg.Store = strings.ToLower(getEnv("STORE", ""))
	if cfg.Store == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.Store = StorePostgres
		case cfg.MongoURI != "":
			cfg.Store = StoreMongo
		default:
			cfg.Store = StoreMemory
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for code, rate := range c.Rates {
		if !rate.IsPositive() {
			return fmt.Errorf("exchange rate for %s must be positive, got %s", code, rate)
		}
	}
	if c.MinAmount.IsNegative() {
		return fmt.Errorf("MINIMUM_PAYMENT_AMOUNT must not be negative")
	}
	if c.MaxAmount.IsPositive() && c.MaxAmount.LessThan(c.MinAmount) {
		return fmt.Errorf("MAXIMUM_PAYMENT_AMOUNT %s is below MINIMUM_PAYMENT_AMOUNT %s", c.MaxAmount, c.MinAmount)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_PAYMENT_RETRIES must not be negative")
	}
	if c.PendingTimeout <= 0 || c.ProviderTimeout <= 0 {
		return fmt.Errorf("PENDING_TIMEOUT and PROVIDER_TIMEOUT must be positive")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative")
	}
	if c.Mpesa.BaseURL == "" {
		return fmt.Errorf("unknown MPESA_ENVIRONMENT; set MPESA_BASE_URL")
	}
	switch c.Store {
	case StoreMemory:
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("STORE=mongo requires MONGOURI")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	return nil
}

// SetupLogger configures the global zerolog logger.
func (c *Config) SetupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so FromEnv can report it after
// reading every variable.
type parser struct {
	err error
}

func (p *parser) fail(key, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid value %q for %s", value, key)
	}
}

func (p *parser) decimalVar(key, fallback string) decimal.Decimal {
	raw := getEnv(key, fallback)
	v, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw)
		return decimal.Zero
	}
	return v
}

func (p *parser) intVar(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw)
		return fallback
	}
	return v
}

func (p *parser) boolVar(key string, fallback bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		p.fail(key, raw)
		return fallback
	}
	return v
}

// durationVar accepts Go durations ("5m") or plain seconds ("300").
func (p *parser) durationVar(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw)
		return fallback
	}
	return v
}
