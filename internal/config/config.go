// Package config loads the operator configuration: a YAML file, a .env
// file and environment overrides, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rezonia/nfse-submitter/internal/engine"
	"github.com/rezonia/nfse-submitter/internal/model"
	"github.com/rezonia/nfse-submitter/internal/scheduler"
)

// Storage drivers
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"
)

// Lock drivers
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Event drivers
const (
	EventsLog   = "log"
	EventsKafka = "kafka"
)

// Adapter names
const (
	AdapterSaoPaulo = "saopaulo"
	AdapterABRASF   = "abrasf"
)

// Config is the process-wide configuration
type Config struct {
	Server          Server         `yaml:"server"`
	Storage         Storage        `yaml:"storage"`
	Lock            Lock           `yaml:"lock"`
	Events          Events         `yaml:"events"`
	Certificates    Certificates   `yaml:"certificates"`
	Reconciler      Reconciler     `yaml:"reconciler"`
	Log             Log            `yaml:"log"`
	UnknownErrorCap int            `yaml:"unknown_error_cap"`
	Defaults        Municipality   `yaml:"defaults"`
	Municipalities  []Municipality `yaml:"municipalities"`
}

// Server configures the HTTP API
type Server struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Storage selects the record store
type Storage struct {
	Driver        string `yaml:"driver"`
	DatabaseURL   string `yaml:"database_url"`
	DynamoDBTable string `yaml:"dynamodb_table"`
}

// Lock selects the per-record lock
type Lock struct {
	Driver   string   `yaml:"driver"`
	RedisURL string   `yaml:"redis_url"`
	TTL      Duration `yaml:"ttl"`
}

// Events selects where state transitions are published
type Events struct {
	Driver  string   `yaml:"driver"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Certificates locates the A1 certificates loaded at startup
type Certificates struct {
	Path         string   `yaml:"path"`
	Password     string   `yaml:"password"`
	Dir          string   `yaml:"dir"`
	TrustAnchors []string `yaml:"trust_anchors"`
	OCSP         bool     `yaml:"ocsp"`
}

// Reconciler configures the status poller
type Reconciler struct {
	ScanInterval Duration `yaml:"scan_interval"`
}

// Log configures the process logger
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Retry mirrors engine.RetryPolicy
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Base        Duration `yaml:"base"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      float64  `yaml:"jitter"`
}

// ErrorCodes overrides how a municipality's error codes are classified
type ErrorCodes struct {
	Permanent []string `yaml:"permanent"`
	Transient []string `yaml:"transient"`
}

// Municipality configures one adapter. Zero fields inherit Config.Defaults.
type Municipality struct {
	Code              string     `yaml:"code"`
	Name              string     `yaml:"name"`
	Adapter           string     `yaml:"adapter"`
	Endpoint          string     `yaml:"endpoint"`
	Environment       string     `yaml:"environment"`
	SOAPVersion       string     `yaml:"soap_version"`
	Async             bool       `yaml:"async"`
	NativeIdempotency bool       `yaml:"native_idempotency"`
	Retry             Retry      `yaml:"retry"`
	PollInterval      Duration   `yaml:"poll_interval"`
	PollBackoff       Retry      `yaml:"poll_backoff"`
	PollFailureCap    int        `yaml:"poll_failure_cap"`
	Concurrency       int        `yaml:"concurrency"`
	MinInterval       Duration   `yaml:"min_interval"`
	CallTimeout       Duration   `yaml:"call_timeout"`
	ErrorCodes        ErrorCodes `yaml:"error_codes"`
	NotFoundCodes     []string   `yaml:"not_found_codes"`
}

// Duration is a time.Duration written as "2s" or "5m" in YAML
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file is given
func Default() *Config {
	policy := engine.DefaultPolicy()
	return &Config{
		Server:     Server{Addr: ":8080"},
		Storage:    Storage{Driver: StoreMemory, DynamoDBTable: "nfse_submissions"},
		Lock:       Lock{Driver: LockLocal, TTL: Duration(2 * time.Minute)},
		Events:     Events{Driver: EventsLog, Topic: "nfse.submission.transitions"},
		Reconciler: Reconciler{ScanInterval: Duration(15 * time.Second)},
		Log:        Log{Level: "info", Format: "text"},
		Certificates: Certificates{
			Dir: "certificados",
		},
		UnknownErrorCap: engine.DefaultUnknownErrorCap,
		Defaults: Municipality{
			Environment:    "production",
			Retry:          retryFrom(policy.Retry),
			PollInterval:   Duration(policy.PollInterval),
			PollBackoff:    retryFrom(policy.PollBackoff),
			PollFailureCap: policy.PollFailureCap,
			Concurrency:    scheduler.DefaultQueueConfig.Concurrency,
			MinInterval:    Duration(500 * time.Millisecond),
			CallTimeout:    Duration(30 * time.Second),
		},
	}
}

// Load reads path (optional), applies environment overrides and validates
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the environment. Variables already set
// win, and missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides file values with environment variables
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	set(&c.Server.Addr, "NFSE_ADDR")
	set(&c.Server.JWTSecret, "NFSE_JWT_SECRET", "JWT_SIGNING_KEY")
	set(&c.Log.Level, "NFSE_LOG_LEVEL")
	set(&c.Log.Format, "NFSE_LOG_FORMAT")

	if v := getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
		if c.Storage.Driver == StoreMemory {
			c.Storage.Driver = StorePostgres
		}
	}
	set(&c.Storage.DynamoDBTable, "DYNAMODB_TABLE")
	set(&c.Storage.Driver, "NFSE_STORE")

	if v := getenv("REDIS_URL"); v != "" {
		c.Lock.RedisURL = v
		if c.Lock.Driver == LockLocal {
			c.Lock.Driver = LockRedis
		}
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Events.Brokers = splitList(v)
		if c.Events.Driver == EventsLog {
			c.Events.Driver = EventsKafka
		}
	}
	set(&c.Events.Topic, "NFSE_KAFKA_TOPIC")

	set(&c.Certificates.Path, "CERTIFICATE_PATH")
	set(&c.Certificates.Password, "CERTIFICATE_PASSWORD")
	set(&c.Certificates.Dir, "CERTIFICATE_DIR")

	if v := getenv("NFSE_UNKNOWN_ERROR_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UnknownErrorCap = n
		}
	}
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case StoreMemory, StoreDynamoDB:
	case StorePostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage: postgres requires database_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown driver %q", c.Storage.Driver))
	}
	switch c.Lock.Driver {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisURL == "" {
			errs = append(errs, errors.New("lock: redis requires redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock: unknown driver %q", c.Lock.Driver))
	}
	switch c.Events.Driver {
	case EventsLog:
	case EventsKafka:
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, errors.New("events: kafka requires brokers"))
		}
	default:
		errs = append(errs, fmt.Errorf("events: unknown driver %q", c.Events.Driver))
	}

	seen := make(map[string]bool)
	for i, m := range c.Municipalities {
		where := fmt.Sprintf("municipalities[%d]", i)
		if len(m.Code) != 7 || model.DigitsOnly(m.Code) != m.Code {
			errs = append(errs, fmt.Errorf("%s: code %q is not a 7-digit IBGE code", where, m.Code))
		}
		if seen[m.Code] {
			errs = append(errs, fmt.Errorf("%s: duplicate code %s", where, m.Code))
		}
		seen[m.Code] = true
		switch m.Adapter {
		case AdapterSaoPaulo, AdapterABRASF:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown adapter %q", where, m.Adapter))
		}
		if m.Endpoint == "" {
			errs = append(errs, fmt.Errorf("%s: endpoint is required", where))
		}
		switch strings.ToLower(m.SOAPVersion) {
		case "", "1.1", "1.2":
		default:
			errs = append(errs, fmt.Errorf("%s: soap_version must be 1.1 or 1.2", where))
		}
	}
	return errors.Join(errs...)
}

// Resolve returns m with every zero field taken from the defaults
func (c *Config) Resolve(m Municipality) Municipality {
	d := c.Defaults
	if m.Environment == "" {
		m.Environment = d.Environment
	}
	if m.SOAPVersion == "" {
		m.SOAPVersion = d.SOAPVersion
	}
	m.Retry = m.Retry.or(d.Retry)
	m.PollBackoff = m.PollBackoff.or(d.PollBackoff)
	if m.PollInterval == 0 {
		m.PollInterval = d.PollInterval
	}
	if m.PollFailureCap == 0 {
		m.PollFailureCap = d.PollFailureCap
	}
	if m.Concurrency == 0 {
		m.Concurrency = d.Concurrency
	}
	if m.MinInterval == 0 {
		m.MinInterval = d.MinInterval
	}
	if m.CallTimeout == 0 {
		m.CallTimeout = d.CallTimeout
	}
	return m
}

// DefaultPolicy is the engine policy of unconfigured municipalities
func (c *Config) DefaultPolicy() engine.Policy {
	return c.Defaults.Policy()
}

// Policy converts the timing knobs into an engine.Policy
func (m Municipality) Policy() engine.Policy {
	return engine.Policy{
		Retry:          m.Retry.policy(),
		PollInterval:   m.PollInterval.Std(),
		PollBackoff:    m.PollBackoff.policy(),
		PollFailureCap: m.PollFailureCap,
	}
}

// Queue converts the pool settings into a scheduler.QueueConfig
func (m Municipality) Queue() scheduler.QueueConfig {
	return scheduler.QueueConfig{
		Concurrency: m.Concurrency,
		MinInterval: m.MinInterval.Std(),
	}
}

func (r Retry) or(d Retry) Retry {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = d.MaxAttempts
	}
	if r.Base == 0 {
		r.Base = d.Base
	}
	if r.Multiplier == 0 {
		r.Multiplier = d.Multiplier
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = d.MaxDelay
	}
	if r.Jitter == 0 {
		r.Jitter = d.Jitter
	}
	return r
}

func (r Retry) policy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		Base:        r.Base.Std(),
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay.Std(),
		Jitter:      r.Jitter,
	}
}

func retryFrom(p engine.RetryPolicy) Retry {
	return Retry{
		MaxAttempts: p.MaxAttempts,
		Base:        Duration(p.Base),
		Multiplier:  p.Multiplier,
		MaxDelay:    Duration(p.MaxDelay),
		Jitter:      p.Jitter,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
