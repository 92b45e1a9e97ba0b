package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings        `mapstructure:"database"`
	Broker        BrokerSettings    `mapstructure:"broker"`
	Scheduler     SchedulerSettings `mapstructure:"scheduler"`
	Bridge        BridgeSettings    `mapstructure:"bridge"`
	Observability Observability     `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads <name>.yaml from filePath (merged with
// <name>.<ENVIRONMENT>.yaml when present) and applies env overrides.
func LoadFromFile(filePath, name string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName(name)
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, name+"."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging dev config: %s\n", err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("database.notify_channel", "schedule_changed")
	viper.SetDefault("scheduler.batch_size", 50)
	viper.SetDefault("scheduler.max_attempts", 3)
	viper.SetDefault("scheduler.max_idle_wait", time.Minute)
	viper.SetDefault("scheduler.stale_claim_after", 5*time.Minute)
	viper.SetDefault("scheduler.publish_timeout", 10*time.Second)
	viper.SetDefault("broker.exchange", "game.events")
	viper.SetDefault("broker.dead_letter_exchange", "game.events.dlx")
	viper.SetDefault("broker.delivery_limit", 5)
	viper.SetDefault("bridge.listen_addr", ":8081")
	viper.SetDefault("bridge.queue", "bridge.events")
	viper.SetDefault("bridge.send_buffer", 32)
	viper.SetDefault("bridge.keepalive_interval", 25*time.Second)
	viper.SetDefault("bridge.write_timeout", 10*time.Second)
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("SCHEDULER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like SCHEDULER_DATABASE_DSN

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.notify_channel")
	viper.BindEnv("broker.type")
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.exchange")
	viper.BindEnv("broker.dead_letter_exchange")
	viper.BindEnv("broker.delivery_limit")
	viper.BindEnv("broker.projectID")
	viper.BindEnv("scheduler.batch_size")
	viper.BindEnv("scheduler.max_attempts")
	viper.BindEnv("scheduler.max_idle_wait")
	viper.BindEnv("scheduler.stale_claim_after")
	viper.BindEnv("scheduler.publish_timeout")
	viper.BindEnv("bridge.listen_addr")
	viper.BindEnv("bridge.queue")
	viper.BindEnv("bridge.auth_url")
	viper.BindEnv("bridge.send_buffer")
	viper.BindEnv("bridge.keepalive_interval")
	viper.BindEnv("bridge.write_timeout")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
