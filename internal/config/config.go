// Package config provides configuration loading and validation for tally.
// Supports YAML files with environment variable overrides; a .env file in the
// working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tally-io/tally/internal/archive"
	"github.com/tally-io/tally/internal/ordering"
)

// EnvConfigPath names the config file read by Load.
const EnvConfigPath = "TALLY_CONFIG"

// Datastore backends.
const (
	BackendOxia   = "oxia"
	BackendMemory = "memory"
)

// Config holds all configuration for a tally server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Datastore     DatastoreConfig     `yaml:"datastore"`
	Board         BoardConfig         `yaml:"board"`
	Auth          AuthConfig          `yaml:"auth"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	Archive       ArchiveConfig       `yaml:"archive"`
	ChangeFeed    ChangeFeedConfig    `yaml:"changeFeed"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr        string   `yaml:"listenAddr" env:"TALLY_LISTEN_ADDR"`
	AllowedOrigins    []string `yaml:"allowedOrigins" env:"TALLY_ALLOWED_ORIGINS"`
	ShutdownTimeoutMs int64    `yaml:"shutdownTimeoutMs" env:"TALLY_SHUTDOWN_TIMEOUT_MS"`
}

type DatastoreConfig struct {
	Backend          string `yaml:"backend" env:"TALLY_DATASTORE_BACKEND"`
	OxiaEndpoint     string `yaml:"oxiaEndpoint" env:"TALLY_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" env:"TALLY_OXIA_NAMESPACE"`
	RequestTimeoutMs int64  `yaml:"requestTimeoutMs" env:"TALLY_OXIA_REQUEST_TIMEOUT_MS"`
}

type BoardConfig struct {
	// OrderingMode is "atomic" or "two-step".
	OrderingMode    string `yaml:"orderingMode" env:"TALLY_ORDERING_MODE"`
	HistoryLimit    int    `yaml:"historyLimit" env:"TALLY_HISTORY_LIMIT"`
	CommitTimeoutMs int64  `yaml:"commitTimeoutMs" env:"TALLY_COMMIT_TIMEOUT_MS"`
}

type AuthConfig struct {
	// StaticTokens is a comma separated list of token:userID[:email].
	StaticTokens string `yaml:"staticTokens" env:"TALLY_STATIC_TOKENS"`
}

type ObjectStoreConfig struct {
	Endpoint     string `yaml:"endpoint" env:"TALLY_S3_ENDPOINT"`
	Bucket       string `yaml:"bucket" env:"TALLY_S3_BUCKET"`
	Region       string `yaml:"region" env:"TALLY_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"TALLY_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"TALLY_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"TALLY_S3_PATH_STYLE"`
	Prefix       string `yaml:"prefix" env:"TALLY_S3_PREFIX"`
}

type ArchiveConfig struct {
	Codec       string `yaml:"codec" env:"TALLY_ARCHIVE_CODEC"`
	Concurrency int    `yaml:"concurrency" env:"TALLY_ARCHIVE_CONCURRENCY"`
}

type ChangeFeedConfig struct {
	Enabled           bool     `yaml:"enabled" env:"TALLY_CHANGEFEED_ENABLED"`
	Brokers           []string `yaml:"brokers" env:"TALLY_KAFKA_BROKERS"`
	Topic             string   `yaml:"topic" env:"TALLY_CHANGEFEED_TOPIC"`
	Relay             bool     `yaml:"relay" env:"TALLY_CHANGEFEED_RELAY"`
	Partitions        int      `yaml:"partitions" env:"TALLY_CHANGEFEED_PARTITIONS"`
	ReplicationFactor int      `yaml:"replicationFactor" env:"TALLY_CHANGEFEED_REPLICATION"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"TALLY_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"TALLY_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"TALLY_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        ":8080",
			AllowedOrigins:    []string{"*"},
			ShutdownTimeoutMs: 30000,
		},
		Datastore: DatastoreConfig{
			Backend:          BackendOxia,
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "tally",
			RequestTimeoutMs: 30000,
		},
		Board: BoardConfig{
			OrderingMode:    string(ordering.ModeAtomic),
			HistoryLimit:    20,
			CommitTimeoutMs: 10000,
		},
		ObjectStore: ObjectStoreConfig{
			Region: "us-east-1",
		},
		Archive: ArchiveConfig{
			Codec:       string(archive.CodecZstd),
			Concurrency: 4,
		},
		ChangeFeed: ChangeFeedConfig{
			Topic:             "tally.changes",
			Partitions:        1,
			ReplicationFactor: 1,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads .env, then the file named by TALLY_CONFIG if set, then applies
// environment overrides and validates.
func Load() (*Config, error) {
	cfg, err := LoadNoValidate()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadNoValidate is Load without validation, for commands that only need a
// subset of the config.
func LoadNoValidate() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	if path := os.Getenv(EnvConfigPath); path != "" {
		return loadFile(path)
	}
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads .env and the YAML file at path, then applies environment
// overrides and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := LoadFromPathNoValidate(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFromPathNoValidate(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	return loadFile(path)
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides every field tagged env whose variable is set and
// non-empty.
func applyEnv(cfg *Config) error {
	return applyEnvValue(reflect.ValueOf(cfg).Elem())
}

func applyEnvValue(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if sf.Type.Kind() == reflect.Struct {
			if err := applyEnvValue(field); err != nil {
				return err
			}
			continue
		}
		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listenAddr is required"))
	}
	if c.Server.ShutdownTimeoutMs <= 0 {
		errs = append(errs, errors.New("server.shutdownTimeoutMs must be positive"))
	}

	switch c.Datastore.Backend {
	case BackendOxia:
		if c.Datastore.OxiaEndpoint == "" {
			errs = append(errs, errors.New("datastore.oxiaEndpoint is required for the oxia backend"))
		}
		if c.Datastore.Namespace == "" {
			errs = append(errs, errors.New("datastore.namespace is required for the oxia backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("datastore.backend %q is not one of oxia, memory", c.Datastore.Backend))
	}

	if _, err := ordering.ParseMode(c.Board.OrderingMode); err != nil {
		errs = append(errs, fmt.Errorf("board.orderingMode: %w", err))
	}
	if c.Board.HistoryLimit <= 0 {
		errs = append(errs, errors.New("board.historyLimit must be positive"))
	}
	if c.Board.CommitTimeoutMs < 0 {
		errs = append(errs, errors.New("board.commitTimeoutMs must not be negative"))
	}

	if _, err := archive.ParseCodec(c.Archive.Codec); err != nil {
		errs = append(errs, fmt.Errorf("archive.codec: %w", err))
	}

	if c.ChangeFeed.Enabled {
		if len(c.ChangeFeed.Brokers) == 0 {
			errs = append(errs, errors.New("changeFeed.brokers is required when the change feed is enabled"))
		}
		if c.ChangeFeed.Topic == "" {
			errs = append(errs, errors.New("changeFeed.topic is required when the change feed is enabled"))
		}
		if c.ChangeFeed.Partitions <= 0 || c.ChangeFeed.ReplicationFactor <= 0 {
			errs = append(errs, errors.New("changeFeed.partitions and replicationFactor must be positive"))
		}
	}
	return errors.Join(errs...)
}

// ValidateArchive checks the settings the export command needs.
func (c *Config) ValidateArchive() error {
	if c.ObjectStore.Bucket == "" {
		return errors.New("objectStore.bucket is required for archiving")
	}
	return nil
}
