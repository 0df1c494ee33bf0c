package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker" validate:"required"`
	Checker  CheckerConfig  `mapstructure:"checker" validate:"required"`
	Judge    JudgeConfig    `mapstructure:"judge" validate:"required"`
	Resolver ResolverConfig `mapstructure:"resolver" validate:"required"`
	Pool     PoolConfig     `mapstructure:"pool" validate:"required"`
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	GeoIP    GeoIPConfig    `mapstructure:"geoip"`
	Log      LogConfig      `mapstructure:"log"`
}

type BrokerConfig struct {
	MaxConcurrentProviders int           `mapstructure:"max_concurrent_providers" validate:"required,min=1,max=50"`
	ProviderTimeout        time.Duration `mapstructure:"provider_timeout" validate:"required,min=1s,max=5m"`
	GrabPause              time.Duration `mapstructure:"grab_pause" validate:"required,min=1s,max=1h"`
	QueueSize              int           `mapstructure:"queue_size" validate:"required,min=10,max=100000"`
	UserAgent              string        `mapstructure:"user_agent" validate:"required,min=5"`
}

type CheckerConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=2m"`
	MaxConn     int           `mapstructure:"max_conn" validate:"required,min=1,max=5000"`
	MaxTries    int           `mapstructure:"max_tries" validate:"required,min=1,max=10"`
	VerifySOCKS bool          `mapstructure:"verify_socks"`
	UsePost     bool          `mapstructure:"use_post"`
	DNSBL       []string      `mapstructure:"dnsbl"`
}

type JudgeConfig struct {
	URLs      []string      `mapstructure:"urls" validate:"required,min=1"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=2m"`
	VerifySSL bool          `mapstructure:"verify_ssl"`
}

type ResolverConfig struct {
	TTL     time.Duration `mapstructure:"ttl" validate:"required,min=1s,max=24h"`
	Timeout time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=2m"`
}

type PoolConfig struct {
	MinReqProxy  int           `mapstructure:"min_req_proxy" validate:"required,min=1,max=1000"`
	MaxErrorRate float64       `mapstructure:"max_error_rate" validate:"required,gt=0,lte=1"`
	MaxRespTime  time.Duration `mapstructure:"max_resp_time" validate:"required,min=100ms,max=5m"`
	MinQueue     int           `mapstructure:"min_queue" validate:"required,min=1,max=10000"`
	Wait         time.Duration `mapstructure:"wait" validate:"required,min=100ms,max=10m"`
}

type ServerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=5m"`
	MaxTries         int           `mapstructure:"max_tries" validate:"required,min=1,max=10"`
	PreferConnect    bool          `mapstructure:"prefer_connect"`
	HTTPAllowedCodes []int         `mapstructure:"http_allowed_codes"`
	HistoryTTL       time.Duration `mapstructure:"history_ttl" validate:"required,min=1s,max=24h"`
	HistorySize      int           `mapstructure:"history_size" validate:"required,min=10,max=1000000"`
}

type GeoIPConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// setDefaults configures default values for viper
func setDefaults() {
	// Broker defaults
	viper.SetDefault("broker.max_concurrent_providers", 3)
	viper.SetDefault("broker.provider_timeout", "30s")
	viper.SetDefault("broker.grab_pause", "60s")
	viper.SetDefault("broker.queue_size", 500)
	viper.SetDefault("broker.user_agent", "ProxyForge/1.0")

	// Checker defaults
	viper.SetDefault("checker.timeout", "8s")
	viper.SetDefault("checker.max_conn", 200)
	viper.SetDefault("checker.max_tries", 3)
	viper.SetDefault("checker.verify_socks", false)
	viper.SetDefault("checker.use_post", false)
	viper.SetDefault("checker.dnsbl", []string{})

	// Judge defaults
	viper.SetDefault("judge.urls", []string{
		"http://httpbin.org/get?show_env",
		"https://httpbin.org/get?show_env",
		"http://azenv.net/",
		"smtp://smtp.gmail.com",
	})
	viper.SetDefault("judge.timeout", "8s")
	viper.SetDefault("judge.verify_ssl", false)

	// Resolver defaults
	viper.SetDefault("resolver.ttl", "5m")
	viper.SetDefault("resolver.timeout", "8s")

	// Pool defaults
	viper.SetDefault("pool.min_req_proxy", 5)
	viper.SetDefault("pool.max_error_rate", 0.5)
	viper.SetDefault("pool.max_resp_time", "8s")
	viper.SetDefault("pool.min_queue", 5)
	viper.SetDefault("pool.wait", "5s")

	// Server defaults
	viper.SetDefault("server.listen_addr", "127.0.0.1:8888")
	viper.SetDefault("server.timeout", "8s")
	viper.SetDefault("server.max_tries", 3)
	viper.SetDefault("server.prefer_connect", false)
	viper.SetDefault("server.http_allowed_codes", []int{})
	viper.SetDefault("server.history_ttl", "10m")
	viper.SetDefault("server.history_size", 1000)

	// GeoIP defaults
	viper.SetDefault("geoip.db_path", "")

	// Log defaults
	viper.SetDefault("log.level", "info")
}

// LoadConfig loads configuration from multiple sources with validation
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/proxyforge")

	viper.SetEnvPrefix("PROXYFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Println("No config file found, using defaults and environment variables")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := registerCustomValidators(validate); err != nil {
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// registerCustomValidators adds custom validation rules
func registerCustomValidators(validate *validator.Validate) error {
	// Custom validator for hostname:port format
	return validate.RegisterValidation("hostname_port", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		if addr == "" {
			return false
		}
		return strings.Contains(addr, ":")
	})
}

// SaveConfigTemplate generates a sample configuration file
func SaveConfigTemplate(path string) error {
	setDefaults()
	viper.SetConfigType("yaml")

	if err := viper.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config template: %w", err)
	}

	return nil
}

// PrintConfig displays the current configuration (for debugging)
func PrintConfig(config *Config) {
	log.Printf("Configuration loaded:")
	log.Printf("  Server: %s (max tries: %d)", config.Server.ListenAddr, config.Server.MaxTries)
	log.Printf("  Broker: %d concurrent providers, grab pause %v", config.Broker.MaxConcurrentProviders, config.Broker.GrabPause)
	log.Printf("  Checker: %d connections, %v timeout, %d tries", config.Checker.MaxConn, config.Checker.Timeout, config.Checker.MaxTries)
	log.Printf("  Pool: min queue %d, max error rate %.2f, max resp time %v", config.Pool.MinQueue, config.Pool.MaxErrorRate, config.Pool.MaxRespTime)
	log.Printf("  Judges: %d configured", len(config.Judge.URLs))
	if config.GeoIP.DBPath != "" {
		log.Printf("  GeoIP DB: %s", config.GeoIP.DBPath)
	} else {
		log.Printf("  GeoIP DB: [NOT SET]")
	}
}
