package config

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	mu sync.Mutex
	v  *viper.Viper
)

// Load loads configuration from file, .env and environment variables
func Load(configPath string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	config := GetDefaults()

	vp := viper.New()
	vp.SetConfigName("config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("./configs")
	vp.AddConfigPath("/etc/polisight/")
	vp.AddConfigPath("$HOME/.polisight/")

	// Environment variable overrides, e.g. POLISIGHT_SERVER_PORT
	vp.SetEnvPrefix("POLISIGHT")
	vp.AutomaticEnv()
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Conventional names used by deployments of the analyzer
	_ = vp.BindEnv("llm.api_key", "POLISIGHT_LLM_API_KEY", "GEMINI_API_KEY")
	_ = vp.BindEnv("database.url", "POLISIGHT_DATABASE_URL", "DATABASE_URL")
	_ = vp.BindEnv("cache.redis_url", "POLISIGHT_CACHE_REDIS_URL", "REDIS_URL")

	if configPath != "" {
		vp.SetConfigFile(configPath)
	}

	if err := vp.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := vp.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	v = vp
	mu.Unlock()

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Storage.UploadDir == "" || config.Storage.OutputDir == "" {
		return fmt.Errorf("storage upload_dir and output_dir are required")
	}

	if config.Storage.MaxUploadSizeMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d MB", config.Storage.MaxUploadSizeMB)
	}

	if config.Ingest.Workers <= 0 {
		return fmt.Errorf("invalid ingest workers: %d (must be at least 1)", config.Ingest.Workers)
	}

	if config.LLM.Temperature < 0 || config.LLM.Temperature > 2 {
		return fmt.Errorf("invalid llm temperature: %.2f (must be between 0 and 2)", config.LLM.Temperature)
	}

	if config.LLM.RequestsPerMinute <= 0 {
		return fmt.Errorf("invalid llm requests per minute: %d", config.LLM.RequestsPerMinute)
	}

	for _, proxy := range config.Server.TrustedProxies {
		if !validProxy(proxy) {
			return fmt.Errorf("invalid trusted proxy: %q", proxy)
		}
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerMin <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("invalid rate limit: %d/min burst %d", config.RateLimit.RequestsPerMin, config.RateLimit.Burst)
	}

	if config.WebSocket.Enabled && !strings.HasPrefix(config.WebSocket.Path, "/") {
		return fmt.Errorf("invalid websocket path: %q (must start with /)", config.WebSocket.Path)
	}

	return nil
}

// Watch starts watching the configuration file loaded by Load. The callback
// receives only configurations that pass validation.
func Watch(onError func(error), callback func(*Config)) error {
	mu.Lock()
	vp := v
	mu.Unlock()

	if vp == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if vp.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	vp.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := vp.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("failed to unmarshal %s: %w", e.Name, err))
			}
			return
		}

		if err := validateConfig(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("rejected change to %s: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	vp.WatchConfig()

	return nil
}

// validProxy accepts a single IP or a CIDR range
func validProxy(proxy string) bool {
	proxy = strings.TrimSpace(proxy)
	if strings.Contains(proxy, "/") {
		_, _, err := net.ParseCIDR(proxy)
		return err == nil
	}
	return net.ParseIP(proxy) != nil
}
