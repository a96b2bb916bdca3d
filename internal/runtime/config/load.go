package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to the environment variables read by Load, e.g.
// RBMQFLOW_ADDRESS or RBMQFLOW_CHANNEL_COUNT.
const EnvPrefix = "RBMQFLOW"

// Load builds a Config from library defaults, the optional config file at path
// and RBMQFLOW_* environment variables, later sources winning. A .env file in
// the working directory is loaded into the environment first; variables that
// are already set are left alone. The result is validated.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("pubsub_system", DefaultPubSubSystem)
	v.SetDefault("address", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("channel_count", DefaultChannelCount)
	v.SetDefault("dial_timeout", DefaultDialTimeout)
	v.SetDefault("heartbeat", DefaultHeartbeat)
	v.SetDefault("prefetch_count", 0)
	v.SetDefault("max_in_flight", 0)
	v.SetDefault("publish_rate_limit", 0.0)
	v.SetDefault("publish_burst", 0)
	v.SetDefault("reconnect_max_attempts", DefaultReconnectMaxAttempts)
	v.SetDefault("reconnect_initial_interval", DefaultReconnectInitialInterval)
	v.SetDefault("reconnect_max_interval", DefaultReconnectMaxInterval)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 0)
	v.SetDefault("tracing_enabled", false)
}
