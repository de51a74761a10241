package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	Port                int           `mapstructure:"port"`
	GinMode             string        `mapstructure:"gin_mode"`
	LogLevel            string        `mapstructure:"log_level"`
	MasterSecret        string        `mapstructure:"master_secret"`
	TokenExpiry         time.Duration `mapstructure:"token_expiry"`
	TLSCertFile         string        `mapstructure:"tls_cert_file"`
	TLSKeyFile          string        `mapstructure:"tls_key_file"`
	AMQPURL             string        `mapstructure:"amqp_url"`
	BrokerMaxReconnects int           `mapstructure:"broker_max_reconnects"`
	DeliveryAckTimeout  time.Duration `mapstructure:"delivery_ack_timeout"`
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	RingTimeout         time.Duration `mapstructure:"ring_timeout"`
}

const (
	defaultPort                = 3000
	defaultGinMode             = "release"
	defaultLogLevel            = "info"
	defaultTokenExpiry         = 7 * 24 * time.Hour
	defaultAMQPURL             = "amqp://localhost"
	defaultBrokerMaxReconnects = 5
	defaultDeliveryAckTimeout  = 5 * time.Second
	defaultSweepInterval       = 5 * time.Minute
	defaultRingTimeout         = 60 * time.Second
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with RELAY_ and override
// file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Every key needs a default so env-only values survive Unmarshal.
	v.SetDefault("port", defaultPort)
	v.SetDefault("master_secret", "")
	v.SetDefault("tls_cert_file", "")
	v.SetDefault("tls_key_file", "")
	v.SetDefault("gin_mode", defaultGinMode)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("token_expiry", defaultTokenExpiry.String())
	v.SetDefault("amqp_url", defaultAMQPURL)
	v.SetDefault("broker_max_reconnects", defaultBrokerMaxReconnects)
	v.SetDefault("delivery_ack_timeout", defaultDeliveryAckTimeout.String())
	v.SetDefault("sweep_interval", defaultSweepInterval.String())
	v.SetDefault("ring_timeout", defaultRingTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations from env/defaults as strings; normalize them.
	for key, dst := range map[string]*time.Duration{
		"token_expiry":         &cfg.TokenExpiry,
		"delivery_ack_timeout": &cfg.DeliveryAckTimeout,
		"sweep_interval":       &cfg.SweepInterval,
		"ring_timeout":         &cfg.RingTimeout,
	} {
		dur, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = dur
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("master_secret is required")
	}
	if cfg.BrokerMaxReconnects <= 0 {
		cfg.BrokerMaxReconnects = defaultBrokerMaxReconnects
	}

	return cfg, nil
}
