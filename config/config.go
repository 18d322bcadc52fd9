// Package config loads process configuration from a YAML file and
// environment variables using Viper, and builds the dbconfig.Config
// and cache.RedisConfig values the rest of the module needs to start.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/developer-mesh/query-router/cache"
	"github.com/developer-mesh/query-router/dbconfig"
)

// ReplicaConfig is one read replica's connection parameters.
type ReplicaConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Config holds every knob the registry, router, and optimizer accept.
type Config struct {
	Primary   dbconfig.Config `mapstructure:"primary"`
	Replicas  []ReplicaConfig `mapstructure:"replicas"`
	Warehouse dbconfig.Config `mapstructure:"warehouse"`
	Database  string          `mapstructure:"database"`
	User      string          `mapstructure:"user"`
	Password  string          `mapstructure:"password"`

	Cache cache.RedisConfig `mapstructure:"cache"`

	MaxReplicaLagMS       int64         `mapstructure:"max_replica_lag_ms"`
	LagCheckInterval      time.Duration `mapstructure:"lag_check_interval"`
	CircuitBreakerThreshold int         `mapstructure:"circuit_breaker_threshold"`

	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	FlushBatchSize int           `mapstructure:"flush_batch_size"`
}

// Load reads configuration from QUERY_ROUTER_CONFIG_FILE (defaulting to
// configs/config.yaml) and from environment variables prefixed
// QUERY_ROUTER_, with defaults filled in for anything left unset.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("QUERY_ROUTER_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("QUERY_ROUTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only reaches keys viper already knows about; bind the
	// keys that have no default so the environment can supply them too.
	for _, key := range []string{"primary.host", "warehouse.host", "database", "user", "password"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("primary.port", 5432)
	v.SetDefault("primary.sslmode", "disable")
	v.SetDefault("primary.max_open_conns", 25)
	v.SetDefault("primary.max_idle_conns", 5)
	v.SetDefault("primary.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("warehouse.port", 5439)
	v.SetDefault("warehouse.sslmode", "require")
	v.SetDefault("warehouse.max_open_conns", 10)
	v.SetDefault("warehouse.max_idle_conns", 2)

	v.SetDefault("cache.type", "redis")
	v.SetDefault("cache.address", "localhost:6379")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.dial_timeout", 1*time.Second)
	v.SetDefault("cache.read_timeout", 1*time.Second)
	v.SetDefault("cache.write_timeout", 1*time.Second)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.min_idle_conns", 2)

	v.SetDefault("max_replica_lag_ms", 3000)
	v.SetDefault("lag_check_interval", 10*time.Second)
	v.SetDefault("circuit_breaker_threshold", 5)

	v.SetDefault("flush_interval", 100*time.Millisecond)
	v.SetDefault("flush_batch_size", 50_000)
}

// ReplicaDBConfigs applies the shared database/user/password and the
// primary's pool sizing to each configured replica host.
func (c Config) ReplicaDBConfigs() []dbconfig.Config {
	out := make([]dbconfig.Config, len(c.Replicas))
	for i, r := range c.Replicas {
		out[i] = dbconfig.Config{
			Host:            r.Host,
			Port:            r.Port,
			Database:        c.Database,
			User:            c.User,
			Password:        c.Password,
			SSLMode:         c.Primary.SSLMode,
			MaxOpenConns:    c.Primary.MaxOpenConns,
			MaxIdleConns:    c.Primary.MaxIdleConns,
			ConnMaxLifetime: c.Primary.ConnMaxLifetime,
		}
	}
	return out
}
