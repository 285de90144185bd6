package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Redis    RedisConfig
	Worker   WorkerConfig
	Sweeper  SweeperConfig
	Server   ServerConfig
	Metrics  MetricsConfig
	LogLevel string
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type WorkerConfig struct {
	ID                string
	Mode              string // "prefork" or "fork"
	Queue             string
	DequeueWait       time.Duration
	KillGrace         time.Duration
	DefaultTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration
}

type SweeperConfig struct {
	Queues         []string
	Interval       time.Duration
	Slack          time.Duration
	DefaultTimeout time.Duration
}

type ServerConfig struct {
	Host         string
	AdminPort    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/delayed")

	setDefaults()

	viper.SetEnvPrefix("DELAYED")
	viper.AutomaticEnv()

	// Config file is optional; defaults plus env cover the common setups.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 20)
	viper.SetDefault("redis.minidleconns", 2)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	// Worker defaults
	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.mode", "prefork")
	viper.SetDefault("worker.queue", "default")
	viper.SetDefault("worker.dequeuewait", 2*time.Second)
	viper.SetDefault("worker.killgrace", 5*time.Second)
	viper.SetDefault("worker.defaulttimeout", 10*time.Minute)
	viper.SetDefault("worker.heartbeatinterval", 5*time.Second)
	viper.SetDefault("worker.heartbeattimeout", 15*time.Second)
	viper.SetDefault("worker.shutdowntimeout", 30*time.Second)

	// Sweeper defaults
	viper.SetDefault("sweeper.queues", []string{"default"})
	viper.SetDefault("sweeper.interval", 3*time.Second)
	viper.SetDefault("sweeper.slack", 10*time.Second)
	viper.SetDefault("sweeper.defaulttimeout", 10*time.Minute)

	// Admin server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.adminport", 8081)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("loglevel", "info")
}
