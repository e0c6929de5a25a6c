// Package config loads the host configuration: the engine tunables plus the
// server, messaging, state store and logging sections around them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mrt46/my-freqtrade/internal/engine"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. ENGINE_SERVER_PORT=9000.
const EnvPrefix = "ENGINE"

// Config is the complete host configuration.
type Config struct {
	Engine  engine.Config `json:"engine" mapstructure:"engine" yaml:"engine"`
	Trading TradingConfig `json:"trading" mapstructure:"trading" yaml:"trading"`
	Server  ServerConfig  `json:"server" mapstructure:"server" yaml:"server"`
	Kafka   KafkaConfig   `json:"kafka" mapstructure:"kafka" yaml:"kafka"`
	Redis   RedisConfig   `json:"redis" mapstructure:"redis" yaml:"redis"`
	Store   StoreConfig   `json:"store" mapstructure:"store" yaml:"store"`
	Log     LogConfig     `json:"log" mapstructure:"log" yaml:"log"`
}

// TradingConfig describes the pairs and simulated account a host runs.
type TradingConfig struct {
	Pairs         []string `json:"pairs" mapstructure:"pairs" yaml:"pairs" default:"[\"BTC/USDT\"]" validate:"min=1,dive,required"`
	DataDir       string   `json:"dataDir" mapstructure:"data_dir" yaml:"data_dir" default:"./data" validate:"required"`
	InitialEquity float64  `json:"initialEquity" mapstructure:"initial_equity" yaml:"initial_equity" default:"10000" validate:"gt=0"`
	FeeRate       float64  `json:"feeRate" mapstructure:"fee_rate" yaml:"fee_rate" default:"0.001" validate:"gte=0,lt=1"`
	Workers       int      `json:"workers" mapstructure:"workers" yaml:"workers" default:"4" validate:"gte=1"`
}

// ServerConfig configures the HTTP and websocket API.
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host" yaml:"host" default:"localhost"`
	Port           int           `json:"port" mapstructure:"port" yaml:"port" default:"8080" validate:"gte=1,lte=65535"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout" yaml:"read_timeout" default:"30s"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout" yaml:"write_timeout" default:"30s"`
	WebSocketPath  string        `json:"webSocketPath" mapstructure:"websocket_path" yaml:"websocket_path" default:"/ws" validate:"startswith=/"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowed_origins" yaml:"allowed_origins" default:"[\"*\"]"`
	RateLimit      float64       `json:"rateLimit" mapstructure:"rate_limit" yaml:"rate_limit" default:"20" validate:"gt=0"`
	RateBurst      int           `json:"rateBurst" mapstructure:"rate_burst" yaml:"rate_burst" default:"40" validate:"gte=1"`
}

// KafkaConfig configures intent publishing and outcome consumption.
type KafkaConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled" yaml:"enabled" default:"false"`
	Brokers      []string      `json:"brokers" mapstructure:"brokers" yaml:"brokers" default:"[\"localhost:9092\"]"`
	IntentTopic  string        `json:"intentTopic" mapstructure:"intent_topic" yaml:"intent_topic" default:"engine.intents" validate:"required"`
	RegimeTopic  string        `json:"regimeTopic" mapstructure:"regime_topic" yaml:"regime_topic" default:"engine.regimes" validate:"required"`
	OutcomeTopic string        `json:"outcomeTopic" mapstructure:"outcome_topic" yaml:"outcome_topic" default:"engine.outcomes" validate:"required"`
	GroupID      string        `json:"groupId" mapstructure:"group_id" yaml:"group_id" default:"decision-engine" validate:"required"`
	Compression  string        `json:"compression" mapstructure:"compression" yaml:"compression" default:"gzip" validate:"oneof=gzip snappy lz4 zstd"`
	RequiredAcks int           `json:"requiredAcks" mapstructure:"required_acks" yaml:"required_acks" default:"-1" validate:"oneof=-1 0 1"`
	MaxAttempts  int           `json:"maxAttempts" mapstructure:"max_attempts" yaml:"max_attempts" default:"3" validate:"gte=1"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batch_timeout" yaml:"batch_timeout" default:"100ms"`
}

// RedisConfig configures the redis state store backend.
type RedisConfig struct {
	Addr     string        `json:"addr" mapstructure:"addr" yaml:"addr" default:"localhost:6379" validate:"required"`
	Password string        `json:"-" mapstructure:"password" yaml:"password"`
	DB       int           `json:"db" mapstructure:"db" yaml:"db" default:"0" validate:"gte=0"`
	PoolSize int           `json:"poolSize" mapstructure:"pool_size" yaml:"pool_size" default:"10" validate:"gte=1"`
	Prefix   string        `json:"prefix" mapstructure:"prefix" yaml:"prefix" default:"engine" validate:"required"`
	Timeout  time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout" default:"5s"`
}

// StoreConfig selects where learned state is persisted.
type StoreConfig struct {
	Backend string `json:"backend" mapstructure:"backend" yaml:"backend" default:"file" validate:"oneof=none file redis"`
	Dir     string `json:"dir" mapstructure:"dir" yaml:"dir" default:"./state"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level    string `json:"level" mapstructure:"level" yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Encoding string `json:"encoding" mapstructure:"encoding" yaml:"encoding" default:"console" validate:"oneof=console json"`
}

// Default returns the engine defaults plus the host section defaults.
func Default() *Config {
	cfg := &Config{Engine: *engine.DefaultConfig()}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads an optional YAML file over the defaults, applies ENGINE_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	base, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", engine.ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FieldError describes one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationError lists every field that failed tag validation.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return fmt.Sprintf("%s: %s", engine.ErrInvalidConfiguration, strings.Join(msgs, "; "))
}

// Unwrap lets callers match engine.ErrInvalidConfiguration.
func (e *ValidationError) Unwrap() error { return engine.ErrInvalidConfiguration }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate runs the tag rules, then the engine's cross-field checks.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", engine.ErrInvalidConfiguration, err)
		}
		out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
		for _, fe := range verrs {
			out.Fields = append(out.Fields, FieldError{
				Field:   fieldPath(fe),
				Tag:     fe.Tag(),
				Message: message(fe),
			})
		}
		return out
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return &ValidationError{Fields: []FieldError{{
			Field:   "kafka.brokers",
			Tag:     "required",
			Message: "kafka.brokers is required when kafka is enabled",
		}}}
	}
	return c.Engine.Validate()
}

// fieldPath turns "Config.engine.risk.atr_multiplier" into
// "engine.risk.atr_multiplier".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	field := fieldPath(fe)
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

// Dump writes the effective configuration as YAML.
func Dump(w io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
