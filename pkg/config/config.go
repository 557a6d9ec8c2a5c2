package config

import (
	"fmt"
	"time"

	"callsignal-backend/pkg/constants"
	"callsignal-backend/pkg/env"
	"callsignal-backend/pkg/ice"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Log      LogConfig
	Call     CallConfig
	Push     PushConfig
	ICE      []ice.Server
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
	RateLimit      int // requests per minute per user, 0 disables
	RequestTimeout time.Duration
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig tunes the signaling server and the client controller
type CallConfig struct {
	PollInterval    time.Duration
	MaxPollFailures int
	// RingTimeout turns unanswered calls into missed ones. Zero disables the sweeper.
	RingTimeout   time.Duration
	SweepInterval time.Duration
	HistoryLimit  int
}

// PushConfig selects the incoming-call notification provider
type PushConfig struct {
	Provider string // mock, fcm, apns

	FCMProjectID       string
	FCMCredentialsPath string
	FCMCredentialsJSON string

	APNsKeyPath    string
	APNsKeyID      string
	APNsTeamID     string
	APNsBundleID   string
	APNsCertPath   string
	APNsCertPass   string
	APNsProduction bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	iceServers, err := ice.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid ICE configuration: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8080),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetList("CORS_ALLOWED_ORIGINS"),
			RateLimit:      env.GetInt("RATE_LIMIT_PER_MIN", 600),
			RequestTimeout: env.GetDuration("REQUEST_TIMEOUT", constants.DefaultTimeout),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "callsignal"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Call: CallConfig{
			PollInterval:    env.GetDuration("CALL_POLL_INTERVAL", constants.DefaultPollInterval),
			MaxPollFailures: env.GetInt("CALL_MAX_POLL_FAILURES", constants.DefaultMaxPollFailures),
			RingTimeout:     env.GetDuration("CALL_RING_TIMEOUT", constants.DefaultRingTimeout),
			SweepInterval:   env.GetDuration("CALL_SWEEP_INTERVAL", constants.DefaultSweepInterval),
			HistoryLimit:    env.GetInt("CALL_HISTORY_LIMIT", constants.DefaultHistoryLimit),
		},
		Push: PushConfig{
			Provider:           env.GetString("PUSH_PROVIDER", "mock"),
			FCMProjectID:       env.GetString("FCM_PROJECT_ID", ""),
			FCMCredentialsPath: env.GetString("FCM_CREDENTIALS_PATH", ""),
			FCMCredentialsJSON: env.GetStringFromFile("FCM_CREDENTIALS_JSON", ""),
			APNsKeyPath:        env.GetString("APNS_KEY_PATH", ""),
			APNsKeyID:          env.GetString("APNS_KEY_ID", ""),
			APNsTeamID:         env.GetString("APNS_TEAM_ID", ""),
			APNsBundleID:       env.GetString("APNS_BUNDLE_ID", ""),
			APNsCertPath:       env.GetString("APNS_CERT_PATH", ""),
			APNsCertPass:       env.GetStringFromFile("APNS_CERT_PASSWORD", ""),
			APNsProduction:     env.GetBool("APNS_PRODUCTION", false),
		},
		ICE: iceServers,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}

	if c.Call.PollInterval <= 0 {
		return fmt.Errorf("CALL_POLL_INTERVAL must be positive")
	}
	if c.Call.MaxPollFailures < 1 {
		return fmt.Errorf("CALL_MAX_POLL_FAILURES must be at least 1")
	}
	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must not be negative")
	}
	if c.Call.RingTimeout > 0 && c.Call.SweepInterval <= 0 {
		return fmt.Errorf("CALL_SWEEP_INTERVAL must be positive when the ring timeout is enabled")
	}
	if c.Call.HistoryLimit < 1 || c.Call.HistoryLimit > constants.MaxHistoryLimit {
		return fmt.Errorf("CALL_HISTORY_LIMIT must be between 1 and %d", constants.MaxHistoryLimit)
	}

	switch c.Push.Provider {
	case "mock", "fcm", "apns":
	default:
		return fmt.Errorf("unknown PUSH_PROVIDER %q", c.Push.Provider)
	}

	return ice.Validate(c.ICE)
}

// RedisAddr returns host:port for the Redis client
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
