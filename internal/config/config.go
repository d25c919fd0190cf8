package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	Port        string `mapstructure:"port"`
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type QueueConfig struct {
	Key            string        `mapstructure:"key"`
	DequeueTimeout time.Duration `mapstructure:"dequeue_timeout"`
}

type DispatcherConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FastInterval  time.Duration `mapstructure:"fast_interval"`
	SlowInterval  time.Duration `mapstructure:"slow_interval"`
	IdleThreshold int           `mapstructure:"idle_threshold"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryCap      time.Duration `mapstructure:"retry_cap"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
}

func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("FLOWBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", ":8080")
	viper.SetDefault("dispatcher.batch_size", 10)
	viper.SetDefault("dispatcher.fast_interval", time.Second)
	viper.SetDefault("dispatcher.slow_interval", 30*time.Second)
	viper.SetDefault("dispatcher.idle_threshold", 3)
	viper.SetDefault("dispatcher.max_retries", 5)
	viper.SetDefault("worker.concurrency", 4)
	viper.SetDefault("queue.dequeue_timeout", 5*time.Second)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}
