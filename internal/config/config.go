package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "WINDSAYL"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "windsayl.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultTokenIssuer        = "windsayl-auth"
	defaultTokenAudience      = "windsayl-api"
	defaultTokenTTLMinutes    = 60
	defaultStorageRoot        = "media"
	defaultStoragePublicURL   = "http://localhost:8080/media"
	defaultPictureName        = "no-img.png"
	defaultEventsMaxDeliver   = 5
	defaultEventsAckWait      = 30
	defaultRedisTTLSeconds    = 300
	defaultAuthRatePerMinute  = 20
	defaultShutdownTimeoutSec = 10
)

// AppConfig captures runtime configuration for the API server and the trigger worker.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	DatabasePath    string
	LogLevel        string
	LogFormat       string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	BcryptCost    int

	StorageRoot           string
	StoragePublicURL      string
	DefaultDisplayPicture string

	NATSURL          string
	EventsMaxDeliver int
	EventsAckWait    time.Duration
	RunTriggers      bool

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	AuthRatePerMinute int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.shutdown_timeout_seconds", defaultShutdownTimeoutSec)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.token_issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.token_audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.bcrypt_cost", 0)
	configViper.SetDefault("storage.root", defaultStorageRoot)
	configViper.SetDefault("storage.public_url", defaultStoragePublicURL)
	configViper.SetDefault("storage.default_picture", "")
	configViper.SetDefault("events.nats_url", "")
	configViper.SetDefault("events.max_deliver", defaultEventsMaxDeliver)
	configViper.SetDefault("events.ack_wait_seconds", defaultEventsAckWait)
	configViper.SetDefault("events.run_triggers", true)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.ttl_seconds", defaultRedisTTLSeconds)
	configViper.SetDefault("ratelimit.auth_per_minute", defaultAuthRatePerMinute)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		ShutdownTimeout: time.Duration(configViper.GetInt("http.shutdown_timeout_seconds")) * time.Second,
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.token_issuer"),
		TokenAudience: configViper.GetString("auth.token_audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		BcryptCost:    configViper.GetInt("auth.bcrypt_cost"),

		StorageRoot:           configViper.GetString("storage.root"),
		StoragePublicURL:      strings.TrimRight(configViper.GetString("storage.public_url"), "/"),
		DefaultDisplayPicture: configViper.GetString("storage.default_picture"),

		NATSURL:          configViper.GetString("events.nats_url"),
		EventsMaxDeliver: configViper.GetInt("events.max_deliver"),
		EventsAckWait:    time.Duration(configViper.GetInt("events.ack_wait_seconds")) * time.Second,
		RunTriggers:      configViper.GetBool("events.run_triggers"),

		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),
		RedisTTL:      time.Duration(configViper.GetInt("redis.ttl_seconds")) * time.Second,

		AuthRatePerMinute: configViper.GetInt("ratelimit.auth_per_minute"),
	}
	if strings.TrimSpace(cfg.DefaultDisplayPicture) == "" {
		cfg.DefaultDisplayPicture = cfg.StoragePublicURL + "/" + defaultPictureName
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		return fmt.Errorf("storage.root is required")
	}
	if strings.TrimSpace(c.StoragePublicURL) == "" {
		return fmt.Errorf("storage.public_url is required")
	}
	if c.EventsMaxDeliver <= 0 {
		return fmt.Errorf("events.max_deliver must be positive")
	}
	if c.RedisAddress != "" && c.RedisTTL <= 0 {
		return fmt.Errorf("redis.ttl_seconds must be positive when redis.address is set")
	}
	if c.AuthRatePerMinute <= 0 {
		return fmt.Errorf("ratelimit.auth_per_minute must be positive")
	}
	return nil
}
