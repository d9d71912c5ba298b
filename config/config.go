// Package config loads process configuration. Values start from defaults, are
// overlaid by an optional YAML file named by CONFIG_FILE and finally by
// environment variables.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tak-kam/cognito-dr/api"
	"github.com/tak-kam/cognito-dr/replicator"
	"github.com/tak-kam/cognito-dr/storage"
)

const (
	DriverCognito = "cognito"
	DriverMemory  = "memory"
)

// Role selects one of the two directories.
type Role string

const (
	Primary   Role = "primary"
	Secondary Role = "secondary"
)

type Config struct {
	Debug      bool       `yaml:"debug"`
	LogFormat  string     `yaml:"logFormat"`
	ListenAddr string     `yaml:"listenAddr"`
	Storage    Storage    `yaml:"storage"`
	Directory  Directory  `yaml:"directory"`
	Redis      Redis      `yaml:"redis"`
	Replicator Replicator `yaml:"replicator"`
	Auth       Auth       `yaml:"auth"`
}

type Storage struct {
	ConnectionString  string        `yaml:"connectionString" validate:"required"`
	RecordsTable      string        `yaml:"recordsTable" validate:"required"`
	ChangeFeedQueue   string        `yaml:"changeFeedQueue" validate:"required"`
	RejectedQueue     string        `yaml:"rejectedQueue" validate:"required"`
	BatchSize         int32         `yaml:"batchSize" validate:"gte=1,lte=32"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout" validate:"gt=0"`
}

type Directory struct {
	Driver          string `yaml:"driver" validate:"oneof=cognito memory"`
	PrimaryPoolID   string `yaml:"primaryUserPoolId"`
	PrimaryRegion   string `yaml:"primaryRegion"`
	SecondaryPoolID string `yaml:"secondaryUserPoolId"`
	SecondaryRegion string `yaml:"secondaryRegion"`
	MaxAttempts     int    `yaml:"maxAttempts" validate:"gte=0"`
}

type Redis struct {
	ConnectionString string        `yaml:"connectionString" validate:"required"`
	SequencePrefix   string        `yaml:"sequencePrefix"`
	SequenceTTL      time.Duration `yaml:"sequenceTTL" validate:"gte=0"`
	NotifyChannel    string        `yaml:"notifyChannel"`
}

type Replicator struct {
	Parallelism  int           `yaml:"parallelism" validate:"gte=1"`
	RetryBudget  int           `yaml:"retryBudget" validate:"gte=1"`
	RetryInitial time.Duration `yaml:"retryInitial" validate:"gt=0"`
	RetryMax     time.Duration `yaml:"retryMax" validate:"gt=0"`
	CallTimeout  time.Duration `yaml:"callTimeout" validate:"gt=0"`
	PollInterval time.Duration `yaml:"pollInterval" validate:"gt=0"`
	AckTimeout   time.Duration `yaml:"ackTimeout" validate:"gt=0"`
	MetricsAddr  string        `yaml:"metricsAddr"`
}

type Auth struct {
	Audience     string        `yaml:"audience"`
	Issuer       string        `yaml:"issuer"`
	JWKSURL      string        `yaml:"jwksUrl"`
	SharedSecret string        `yaml:"sharedSecret"`
	KeyCacheTTL  time.Duration `yaml:"keyCacheTTL"`
}

var validate = validator.New()

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogFormat:  "text",
		ListenAddr: ":8080",
		Storage: Storage{
			RecordsTable:      "IdentityRecords",
			ChangeFeedQueue:   "identity-changes",
			RejectedQueue:     "identity-changes-rejected",
			BatchSize:         16,
			VisibilityTimeout: time.Minute,
		},
		Directory: Directory{Driver: DriverCognito},
		Redis: Redis{
			SequencePrefix: "idr:seq:",
			NotifyChannel:  "identity-replication",
		},
		Replicator: Replicator{
			Parallelism:  8,
			RetryBudget:  5,
			RetryInitial: 200 * time.Millisecond,
			RetryMax:     10 * time.Second,
			CallTimeout:  10 * time.Second,
			PollInterval: time.Second,
			AckTimeout:   5 * time.Second,
			MetricsAddr:  ":9090",
		},
		Auth: Auth{KeyCacheTTL: 5 * time.Minute},
	}
}

// Load builds the configuration. An empty path falls back to CONFIG_FILE; when
// neither is set only defaults and the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid LOG_FORMAT %q", cfg.LogFormat)
	}
	if err := validate.Struct(cfg.Replicator); err != nil {
		return nil, fmt.Errorf("replicator config: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv() error {
	var errs []error
	str := func(dst *string, name string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(dst *int, name string) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %v", name, err))
			return
		}
		if n <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be greater than zero", name))
			return
		}
		*dst = n
	}
	duration := func(dst *time.Duration, name string) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: %q", name, v))
			return
		}
		*dst = d
	}

	if v := os.Getenv("DEBUG"); v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DEBUG: %v", err))
		} else {
			c.Debug = dbg
		}
	}
	str(&c.LogFormat, "LOG_FORMAT")
	str(&c.ListenAddr, "LISTEN_ADDR")
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && val != "" {
		c.ListenAddr = ":" + val
	}

	str(&c.Storage.ConnectionString, "STORAGE_CONNECTION_STRING")
	str(&c.Storage.RecordsTable, "RECORDS_TABLE")
	str(&c.Storage.ChangeFeedQueue, "CHANGE_FEED_QUEUE")
	str(&c.Storage.RejectedQueue, "REJECTED_QUEUE")
	batch := int(c.Storage.BatchSize)
	integer(&batch, "FEED_BATCH_SIZE")
	c.Storage.BatchSize = int32(min(batch, 32))
	duration(&c.Storage.VisibilityTimeout, "FEED_VISIBILITY_TIMEOUT")

	str(&c.Directory.Driver, "DIRECTORY_DRIVER")
	str(&c.Directory.PrimaryPoolID, "PRIMARY_USER_POOL_ID")
	str(&c.Directory.PrimaryRegion, "PRIMARY_REGION")
	str(&c.Directory.SecondaryPoolID, "SECONDARY_USER_POOL_ID")
	str(&c.Directory.SecondaryRegion, "SECONDARY_REGION")
	integer(&c.Directory.MaxAttempts, "DIRECTORY_MAX_ATTEMPTS")

	str(&c.Redis.ConnectionString, "REDIS_CONNECTION_STRING")
	str(&c.Redis.SequencePrefix, "SEQUENCE_KEY_PREFIX")
	duration(&c.Redis.SequenceTTL, "SEQUENCE_TTL")
	str(&c.Redis.NotifyChannel, "NOTIFY_CHANNEL")

	integer(&c.Replicator.Parallelism, "REPLICATION_PARALLELISM")
	integer(&c.Replicator.RetryBudget, "RETRY_BUDGET")
	duration(&c.Replicator.RetryInitial, "RETRY_INITIAL")
	duration(&c.Replicator.RetryMax, "RETRY_MAX")
	duration(&c.Replicator.CallTimeout, "CALL_TIMEOUT")
	duration(&c.Replicator.PollInterval, "POLL_INTERVAL")
	duration(&c.Replicator.AckTimeout, "ACK_TIMEOUT")
	str(&c.Replicator.MetricsAddr, "METRICS_ADDR")

	str(&c.Auth.Audience, "AUTH_AUDIENCE")
	str(&c.Auth.Issuer, "AUTH_ISSUER")
	str(&c.Auth.JWKSURL, "AUTH_JWKS_URL")
	str(&c.Auth.SharedSecret, "AUTH_SHARED_SECRET")
	duration(&c.Auth.KeyCacheTTL, "JWKS_CACHE_TTL")

	return errors.Join(errs...)
}

// RequireStorage reports whether the record store and its queues are configured.
func (c *Config) RequireStorage() error {
	if err := validate.Struct(c.Storage); err != nil {
		return fmt.Errorf("missing storage config: %w", err)
	}
	return nil
}

// RequireRedis reports whether a Redis connection is configured.
func (c *Config) RequireRedis() error {
	if err := validate.Struct(c.Redis); err != nil {
		return fmt.Errorf("missing redis config: %w", err)
	}
	return nil
}

// RequireDirectory reports whether the directory for role can be built.
func (c *Config) RequireDirectory(role Role) error {
	if err := validate.Struct(c.Directory); err != nil {
		return fmt.Errorf("directory config: %w", err)
	}
	if c.Directory.Driver == DriverMemory {
		return nil
	}
	pool, region := c.Directory.Pool(role)
	if pool == "" || region == "" {
		return fmt.Errorf("missing %s user pool config", role)
	}
	return nil
}

// RequireAuth reports whether bearer tokens can be validated.
func (c *Config) RequireAuth() error {
	if c.Auth.SharedSecret != "" {
		return nil
	}
	if c.Auth.JWKSURL == "" || c.Auth.Audience == "" {
		return errors.New("missing auth config")
	}
	return nil
}

// Pool returns the user pool ID and region for role.
func (d Directory) Pool(role Role) (string, string) {
	if role == Secondary {
		return d.SecondaryPoolID, d.SecondaryRegion
	}
	return d.PrimaryPoolID, d.PrimaryRegion
}

func (c *Config) StorageConfig() storage.Config {
	return storage.Config{
		ConnectionString:  c.Storage.ConnectionString,
		RecordsTable:      c.Storage.RecordsTable,
		ChangeFeedQueue:   c.Storage.ChangeFeedQueue,
		RejectedQueue:     c.Storage.RejectedQueue,
		BatchSize:         c.Storage.BatchSize,
		VisibilityTimeout: c.Storage.VisibilityTimeout,
	}
}

func (c *Config) ApplierConfig() replicator.ApplierConfig {
	return replicator.ApplierConfig{
		RetryBudget:  c.Replicator.RetryBudget,
		RetryInitial: c.Replicator.RetryInitial,
		RetryMax:     c.Replicator.RetryMax,
		CallTimeout:  c.Replicator.CallTimeout,
	}
}

func (c *Config) ProcessorConfig() replicator.ProcessorConfig {
	return replicator.ProcessorConfig{
		PollInterval: c.Replicator.PollInterval,
		AckTimeout:   c.Replicator.AckTimeout,
	}
}

func (c *Config) AuthConfig() api.AuthConfig {
	return api.AuthConfig{
		Audience:     c.Auth.Audience,
		Issuer:       c.Auth.Issuer,
		SharedSecret: c.Auth.SharedSecret,
		KeyCacheTTL:  c.Auth.KeyCacheTTL,
	}
}

// ApplyLogging sets the level and formatter of l.
func (c *Config) ApplyLogging(l *log.Logger) {
	if c.Debug {
		l.SetLevel(log.DebugLevel)
	}
	if c.LogFormat == "json" {
		l.SetFormatter(&log.JSONFormatter{})
	}
}

// RedisOptions parses a redis:// URL or an Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("empty redis connection string")
	}
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
