package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	sharedConfig "github.com/hermes-inc/hermes/internal/shared/config"
)

type Config struct {
	Server   sharedConfig.ServerConfig   `mapstructure:"server"`
	Database sharedConfig.DatabaseConfig `mapstructure:"database"`
	Logger   sharedConfig.LoggerConfig   `mapstructure:"logger"`
	Stream   sharedConfig.StreamConfig   `mapstructure:"stream"`
	Cache    sharedConfig.CacheConfig    `mapstructure:"cache"`
	Mediator sharedConfig.MediatorConfig `mapstructure:"mediator"`
	Push     sharedConfig.PushConfig     `mapstructure:"push"`
	FCM      sharedConfig.FCMConfig      `mapstructure:"fcm"`
	Email    sharedConfig.EmailConfig    `mapstructure:"email"`
	Admin    sharedConfig.AdminConfig    `mapstructure:"admin"`
}

var (
	appConfig   *Config
	appConfigMu sync.RWMutex
)

// Load loads configuration from file and environment variables
func Load(env string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../configs")
	viper.AddConfigPath("../../configs")

	viper.SetEnvPrefix("HERMES")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional when the environment carries everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if env != "" && env != "default" {
		viper.Set("server.mode", env)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// REDIS-style single-string env override: "host1,host2"
	if shards := viper.GetString("stream.shards"); shards != "" && len(config.Stream.Shards) == 0 {
		config.Stream.Shards = strings.Split(shards, ",")
	}

	appConfigMu.Lock()
	appConfig = &config
	appConfigMu.Unlock()

	return &config, nil
}

// Get returns the loaded configuration
func Get() *Config {
	appConfigMu.RLock()
	defer appConfigMu.RUnlock()
	return appConfig
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("server.webroot", "http://localhost:8000")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.database", "hermes")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.max_open_conns", 100)
	viper.SetDefault("database.conn_max_lifetime", 60)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.output_path", "stdout")

	viper.SetDefault("stream.shards", []string{"localhost:6379"})
	viper.SetDefault("cache.address", "localhost:11211")
	viper.SetDefault("cache.ttl_seconds", 60)

	viper.SetDefault("mediator.label", "Hermes Mediator")
	viper.SetDefault("mediator.endpoints_path_prefix", "e")

	viper.SetDefault("push.ttl_seconds", 15)
	viper.SetDefault("push.reverse_equal_forward", true)

	viper.SetDefault("admin.access_exp_minutes", 60)
	viper.SetDefault("admin.bcrypt_cost", 12)
}
