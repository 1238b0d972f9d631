package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coupon-issuance/issuance/application"
)

type config struct {
	listenAddr string
	logLevel   string
	logFormat  string

	redisAddr     string
	redisPassword string
	redisDB       int
	keyPrefix     string
	catalogPath   string

	lockTTL        time.Duration
	lockRetries    int
	lockRetryDelay time.Duration

	broker              string
	kafkaBrokers        []string
	kafkaGroup          string
	brokerPartitions    int
	consumerMaxAttempts int

	persistence string
	sqlitePath  string
	databaseURL string

	reservationTimeout time.Duration
	requestRetention   time.Duration

	rateEnabled        bool
	rateRPS            float64
	rateBurst          int
	trustXFF           bool
	retryAfter         time.Duration
	addHeaders         bool
	concurrencyMax     int
	concurrencyTimeout time.Duration
}


// envSource lê uma variável; os.LookupEnv em produção, um map nos testes.
type envSource func(key string) (string, bool)

// env devolve o padrão para variável ausente ou vazia e acumula um erro para
// valor presente que não converte, em vez de cair no padrão em silêncio.
type env struct {
	lookup envSource
	errs   []error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) strOr(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func envValue[T any](e *env, key string, def T, parse func(string) (T, error)) T {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	out, err := parse(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
		return def
	}
	return out
}

func (e *env) intOr(key string, def int) int { return envValue(e, key, def, strconv.Atoi) }

func (e *env) floatOr(key string, def float64) float64 {
	return envValue(e, key, def, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (e *env) boolOr(key string, def bool) bool { return envValue(e, key, def, strconv.ParseBool) }

func (e *env) durationOr(key string, def time.Duration) time.Duration {
	return envValue(e, key, def, time.ParseDuration)
}

func (e *env) listOr(key, def string) []string {
	var out []string
	for _, p := range strings.Split(e.strOr(key, def), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readConfig(lookup envSource) (config, error) {
	e := &env{lookup: lookup}
	cfg := config{
		listenAddr: e.strOr("LISTEN_ADDR", ":8080"),
		logLevel:   e.strOr("LOG_LEVEL", "info"),
		logFormat:  e.strOr("LOG_FORMAT", "json"),

		redisAddr:     e.strOr("REDIS_ADDR", "localhost:6379"),
		redisPassword: e.strOr("REDIS_PASSWORD", ""),
		redisDB:       e.intOr("REDIS_DB", 0),
		keyPrefix:     e.strOr("KEY_PREFIX", "coupon"),
		catalogPath:   e.strOr("CATALOG_PATH", "catalog.yaml"),

		lockTTL:        e.durationOr("LOCK_TTL", 3*time.Second),
		lockRetries:    e.intOr("LOCK_RETRIES", 50),
		lockRetryDelay: e.durationOr("LOCK_RETRY_DELAY", 20*time.Millisecond),

		broker:              strings.ToLower(e.strOr("BROKER", "memory")),
		kafkaBrokers:        e.listOr("KAFKA_BROKERS", "localhost:9092"),
		kafkaGroup:          e.strOr("KAFKA_GROUP", application.DefaultConsumerGroup),
		brokerPartitions:    e.intOr("BROKER_PARTITIONS", 8),
		consumerMaxAttempts: e.intOr("CONSUMER_MAX_ATTEMPTS", 3),

		persistence: strings.ToLower(e.strOr("PERSISTENCE", "sqlite")),
		sqlitePath:  e.strOr("SQLITE_PATH", "coupons.db"),
		databaseURL: e.strOr("DATABASE_URL", ""),

		reservationTimeout: e.durationOr("RESERVATION_TIMEOUT", application.DefaultReservationTimeout),
		requestRetention:   e.durationOr("REQUEST_RETENTION", 24*time.Hour),

		rateEnabled:        e.boolOr("RATE_ENABLED", true),
		rateRPS:            e.floatOr("RATE_RPS", 10),
		rateBurst:          e.intOr("RATE_BURST", 20),
		trustXFF:           e.boolOr("TRUST_XFF", false),
		retryAfter:         e.durationOr("RETRY_AFTER", time.Second),
		addHeaders:         e.boolOr("ADD_RATELIMIT_HEADERS", false),
		concurrencyMax:     e.intOr("CONCURRENCY_MAX", 500),
		concurrencyTimeout: e.durationOr("CONCURRENCY_TIMEOUT", 2*time.Second),
	}
	if err := errors.Join(e.errs...); err != nil {
		return config{}, err
	}
	return cfg, cfg.validate()
}

func (cfg config) validate() error {
	switch cfg.broker {
	case "memory":
	case "kafka":
		if len(cfg.kafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when BROKER=kafka")
		}
	default:
		return fmt.Errorf("BROKER must be memory or kafka, got %q", cfg.broker)
	}
	switch cfg.persistence {
	case "sqlite":
	case "postgres":
		if cfg.databaseURL == "" {
			return errors.New("DATABASE_URL is required when PERSISTENCE=postgres")
		}
	default:
		return fmt.Errorf("PERSISTENCE must be sqlite or postgres, got %q", cfg.persistence)
	}
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}
	check(cfg.lockTTL > 0, "LOCK_TTL must be > 0")
	check(cfg.lockRetries >= 0, "LOCK_RETRIES must be >= 0")
	check(cfg.brokerPartitions > 0, "BROKER_PARTITIONS must be > 0")
	check(cfg.consumerMaxAttempts > 0, "CONSUMER_MAX_ATTEMPTS must be > 0")
	check(cfg.reservationTimeout > 0, "RESERVATION_TIMEOUT must be > 0")
	check(!cfg.rateEnabled || cfg.rateRPS > 0, "RATE_RPS must be > 0")
	check(!cfg.rateEnabled || cfg.rateBurst > 0, "RATE_BURST must be > 0")
	check(cfg.concurrencyMax >= 0, "CONCURRENCY_MAX must be >= 0")
	return errors.Join(errs...)
}
