package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment string `mapstructure:"environment"`

	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`

	Sidecar struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"sidecar"`

	Workflow struct {
		MaxConcurrentPerPhase map[string]int `mapstructure:"max_concurrent_per_phase"`
		PerItemTimeout        time.Duration  `mapstructure:"per_item_timeout"`
		MaxAttempts           int            `mapstructure:"max_attempts"`
		RetryDelay            time.Duration  `mapstructure:"retry_delay"`
		ClarificationTimeout  time.Duration  `mapstructure:"clarification_timeout"`
		PassThreshold         float64        `mapstructure:"pass_threshold"`
		SearchTopK            int            `mapstructure:"search_top_k"`
		ReplayBufferSize      int            `mapstructure:"replay_buffer_size"`
		TeardownGrace         time.Duration  `mapstructure:"teardown_grace"`
	} `mapstructure:"workflow"`

	Auth struct {
		Issuer        string `mapstructure:"issuer"`
		ClientID      string `mapstructure:"client_id"`
		ClientSecret  string `mapstructure:"client_secret"`
		TokenURL      string `mapstructure:"token_url"`
		DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	} `mapstructure:"auth"`

	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// LoadConfig loads the configuration from a file and the environment. An
// explicit file path wins over the search path.
func LoadConfig(file string) (*Config, error) {
	if file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; env and defaults carry a dev setup.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.Issuer = strings.TrimRight(strings.TrimSpace(config.Auth.Issuer), "/")
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "dev")
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.user", "reqflow")
	viper.SetDefault("db.name", "reqflow")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("sidecar.url", "http://localhost:8000")
	viper.SetDefault("workflow.per_item_timeout", 2*time.Minute)
	viper.SetDefault("workflow.max_attempts", 3)
	viper.SetDefault("workflow.retry_delay", 500*time.Millisecond)
	viper.SetDefault("workflow.clarification_timeout", 10*time.Minute)
	viper.SetDefault("workflow.pass_threshold", 0.7)
	viper.SetDefault("workflow.search_top_k", 5)
	viper.SetDefault("workflow.replay_buffer_size", 128)
	viper.SetDefault("workflow.teardown_grace", time.Minute)
}
