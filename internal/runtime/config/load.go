package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. WORKERPOOL_RABBITMQ_URL.
const EnvPrefix = "WORKERPOOL"

// Load reads configuration from path (YAML, JSON or TOML by extension; may be
// empty) overlaid with WORKERPOOL_* environment variables, then applies
// defaults. Validation is left to the caller.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, which lets a CLI bind
// its flags before the configuration is decoded.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override keys
// that are absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("broker_system", DefaultBrokerSystem)
	v.SetDefault("group_queue", "")
	v.SetDefault("unmapped_group_policy", DefaultUnmappedGroupPolicy)
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("rabbitmq_prefetch_count", DefaultRabbitMQPrefetch)
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_client_id", "")
	v.SetDefault("kafka_consumer_group", "")
	v.SetDefault("kafka_initial_offset", DefaultKafkaInitialOffset)
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_queue_group_prefix", "")
	v.SetDefault("nats_client_name", "")
	v.SetDefault("aws_region", "")
	v.SetDefault("aws_access_key_id", "")
	v.SetDefault("aws_secret_access_key", "")
	v.SetDefault("aws_endpoint", "")
	v.SetDefault("handshake_timeout", DefaultHandshakeTimeout)
	v.SetDefault("stop_poll_interval", DefaultStopPollInterval)
	v.SetDefault("health_interval", DefaultHealthInterval)
	v.SetDefault("shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("max_frame_size", DefaultMaxFrameSize)
	v.SetDefault("socket_dir", "")
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", DefaultMetricsPort)
	v.SetDefault("webui_enabled", false)
	v.SetDefault("webui_port", DefaultWebUIPort)
	v.SetDefault("webui_cors_allowed_origins", []string{})
	v.SetDefault("log_level", "info")
}
