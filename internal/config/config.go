package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// ServerConfig captures all tunable parameters for the API process.
// Values come from the environment (optionally seeded from a .env file)
// with defaults that let the binary run locally without any backing services.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaLocationTopic  string
	KafkaEventsTopic    string
	KafkaGroup          string
	PushEndpoint        string
	AMQPURL             string
	AMQPExchange        string
	StripeAPIKey        string
	StripeCurrency      string
	PGDSN               string
	RunMigrations       bool
	LogLevel            string
	Environment         string
	BidSweepInterval    time.Duration
	EventPublishTimeout time.Duration

	Domain DomainConfig
}

// DomainConfig holds the matching, lifecycle and settlement constants.
type DomainConfig struct {
	MatchRadiusKm      float64
	RestrictedGender   string
	BidTTL             time.Duration
	DefaultCapacity    int
	ShareWindow        time.Duration
	H3Resolution       int
	CommissionRate     decimal.Decimal
	WaiverThreshold    int
	TipMin             decimal.Decimal
	TipMax             decimal.Decimal
	SettlementCurrency string
}

func DefaultDomainConfig() DomainConfig {
	return DomainConfig{
		MatchRadiusKm:      5,
		RestrictedGender:   "female",
		BidTTL:             10 * time.Minute,
		DefaultCapacity:    4,
		ShareWindow:        15 * time.Minute,
		H3Resolution:       8,
		CommissionRate:     decimal.RequireFromString("0.10"),
		WaiverThreshold:    1000,
		TipMin:             decimal.NewFromInt(1),
		TipMax:             decimal.NewFromInt(200),
		SettlementCurrency: "usd",
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaLocationTopic:  "driver-locations",
		KafkaEventsTopic:    "ride-events",
		KafkaGroup:          "rideshare-location-consumer",
		AMQPExchange:        "ride.events",
		StripeCurrency:      "usd",
		LogLevel:            "info",
		Environment:         "development",
		BidSweepInterval:    30 * time.Second,
		EventPublishTimeout: 2 * time.Second,
		Domain:              DefaultDomainConfig(),
	}
}

// LoadServerConfig reads .env (when present) and the process environment.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()

	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_GATEWAY_URL"))
	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.Environment, "APP_ENV")
	setDurationFromEnv(&cfg.BidSweepInterval, "BID_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.EventPublishTimeout, "EVENT_PUBLISH_TIMEOUT", &errs)

	d := &cfg.Domain
	setFloatFromEnv(&d.MatchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setStringFromEnv(&d.RestrictedGender, "RESTRICTED_GENDER")
	setDurationFromEnv(&d.BidTTL, "BID_TTL", &errs)
	setIntFromEnv(&d.DefaultCapacity, "RIDE_DEFAULT_CAPACITY", &errs)
	setDurationFromEnv(&d.ShareWindow, "SHARE_WINDOW", &errs)
	setIntFromEnv(&d.H3Resolution, "SHARE_H3_RESOLUTION", &errs)
	setDecimalFromEnv(&d.CommissionRate, "COMMISSION_RATE", &errs)
	setIntFromEnv(&d.WaiverThreshold, "COMMISSION_WAIVER_THRESHOLD", &errs)
	setDecimalFromEnv(&d.TipMin, "TIP_MIN", &errs)
	setDecimalFromEnv(&d.TipMax, "TIP_MAX", &errs)
	d.SettlementCurrency = cfg.StripeCurrency

	errs = append(errs, cfg.Domain.Validate()...)

	return cfg, errors.Join(errs...)
}

// Validate checks the domain constants for internally consistent values.
func (d DomainConfig) Validate() []error {
	var errs []error
	if d.MatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if d.DefaultCapacity <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_DEFAULT_CAPACITY must be > 0"))
	}
	if d.H3Resolution < 0 || d.H3Resolution > 15 {
		errs = append(errs, fmt.Errorf("SHARE_H3_RESOLUTION must be within 0..15"))
	}
	if d.CommissionRate.IsNegative() || d.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("COMMISSION_RATE must be within 0..1"))
	}
	if d.WaiverThreshold <= 0 {
		errs = append(errs, fmt.Errorf("COMMISSION_WAIVER_THRESHOLD must be > 0"))
	}
	if !d.TipMin.IsPositive() || d.TipMax.LessThan(d.TipMin) {
		errs = append(errs, fmt.Errorf("TIP_MIN must be > 0 and <= TIP_MAX"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setDecimalFromEnv(target *decimal.Decimal, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
