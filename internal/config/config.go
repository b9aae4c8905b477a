package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Persistence modes for CHAT.PERSISTENCE.
const (
	PersistenceDatabase = "database"
	PersistenceKafka    = "kafka"
)

// Config holds all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AppName   string          `mapstructure:"APP_NAME"`
	Log       LogConfig       `mapstructure:"LOG"`
	Server    ServerConfig    `mapstructure:"SERVER"`
	WebSocket WebSocketConfig `mapstructure:"WEBSOCKET"`
	Database  DatabaseConfig  `mapstructure:"DATABASE"`
	Kafka     KafkaConfig     `mapstructure:"KAFKA"`
	Redis     RedisConfig     `mapstructure:"REDIS"`
	Auth      AuthConfig      `mapstructure:"AUTH"`
	Chat      ChatConfig      `mapstructure:"CHAT"`
}

// LogConfig selects the zap level and encoder.
type LogConfig struct {
	Level  string `mapstructure:"LEVEL"`
	Format string `mapstructure:"FORMAT"` // "json" or "console"
}

// ServerConfig holds configuration for the chat HTTP server.
type ServerConfig struct {
	Host          string        `mapstructure:"HOST"`
	Port          string        `mapstructure:"PORT"`
	WebSocketPath string        `mapstructure:"WEBSOCKET_PATH"`
	ReadTimeout   time.Duration `mapstructure:"READ_TIMEOUT"`
	CORS          CORSConfig    `mapstructure:"CORS"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }

// CORSConfig holds configuration for CORS.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `mapstructure:"ALLOWED_METHODS"`
	AllowedHeaders   []string `mapstructure:"ALLOWED_HEADERS"`
	ExposedHeaders   []string `mapstructure:"EXPOSED_HEADERS"`
	AllowCredentials bool     `mapstructure:"ALLOW_CREDENTIALS"`
	MaxAge           int      `mapstructure:"MAX_AGE"`
}

// WebSocketConfig holds configuration for WebSocket connections.
type WebSocketConfig struct {
	WriteWaitSeconds    int `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
	SendBuffer          int `mapstructure:"SEND_BUFFER"` // frames queued per connection before it is dropped
}

// DatabaseConfig holds configuration for the message store.
type DatabaseConfig struct {
	Type     string `mapstructure:"TYPE"` // "postgres" or "sqlite"
	Host     string `mapstructure:"HOST"`
	Port     int    `mapstructure:"PORT"`
	User     string `mapstructure:"USER"`
	Password string `mapstructure:"PASSWORD"`
	DBName   string `mapstructure:"DB_NAME"`
	SSLMode  string `mapstructure:"SSL_MODE"`
	Path     string `mapstructure:"PATH"` // sqlite file
}

// KafkaConfig holds configuration for Kafka.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"BROKERS"`
	ClientID      string   `mapstructure:"CLIENT_ID"`
	MessagesTopic string   `mapstructure:"MESSAGES_TOPIC"` // persistence log, keyed by room
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"` // archiver group
	Protocol      string   `mapstructure:"PROTOCOL"`
}

// RedisConfig holds configuration for Redis. An empty Addr disables the
// token blacklist.
type RedisConfig struct {
	Addr     string `mapstructure:"ADDR"`
	Password string `mapstructure:"PASSWORD"`
	DB       int    `mapstructure:"DB"`
}

// AuthConfig holds configuration for authentication (e.g., JWT).
type AuthConfig struct {
	JWTSecretKey   string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry      time.Duration `mapstructure:"JWT_EXPIRY"`
	AllowAnonymous bool          `mapstructure:"ALLOW_ANONYMOUS"` // local development only
}

// ChatConfig tunes the routing core.
type ChatConfig struct {
	EchoToSender      bool          `mapstructure:"ECHO_TO_SENDER"`
	TypingTimeout     time.Duration `mapstructure:"TYPING_TIMEOUT"`
	StoreTimeout      time.Duration `mapstructure:"STORE_TIMEOUT"`
	StoreRetryBackoff time.Duration `mapstructure:"STORE_RETRY_BACKOFF"`
	Persistence       string        `mapstructure:"PERSISTENCE"`
	HistoryLimit      int           `mapstructure:"HISTORY_LIMIT"`
	HistoryTimeout    time.Duration `mapstructure:"HISTORY_TIMEOUT"`
	MaxContentBytes   int           `mapstructure:"MAX_CONTENT_BYTES"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()

	v.SetDefault("APP_NAME", "campus-chat")
	v.SetDefault("LOG.LEVEL", "info")
	v.SetDefault("LOG.FORMAT", "json")

	// Server Defaults
	v.SetDefault("SERVER.HOST", "0.0.0.0")
	v.SetDefault("SERVER.PORT", "8080")
	v.SetDefault("SERVER.WEBSOCKET_PATH", "/ws/chat")
	v.SetDefault("SERVER.READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER.CORS.ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	v.SetDefault("SERVER.CORS.ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("SERVER.CORS.ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type"})
	v.SetDefault("SERVER.CORS.EXPOSED_HEADERS", []string{"Content-Length"})
	v.SetDefault("SERVER.CORS.ALLOW_CREDENTIALS", true)
	v.SetDefault("SERVER.CORS.MAX_AGE", 300) // 5 minutes

	// WebSocket Defaults
	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 16*1024)
	v.SetDefault("WEBSOCKET.SEND_BUFFER", 256)

	// Database Defaults
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", 5432)
	v.SetDefault("DATABASE.USER", "postgres")
	v.SetDefault("DATABASE.PASSWORD", "password")
	v.SetDefault("DATABASE.DB_NAME", "campus_chat")
	v.SetDefault("DATABASE.SSL_MODE", "disable")
	v.SetDefault("DATABASE.PATH", "campus-chat.db")

	// Kafka Defaults
	v.SetDefault("KAFKA.BROKERS", []string{"localhost:9092"})
	v.SetDefault("KAFKA.CLIENT_ID", "campus-chat")
	v.SetDefault("KAFKA.MESSAGES_TOPIC", "campus-chat-messages")
	v.SetDefault("KAFKA.CONSUMER_GROUP", "campus-chat-archiver")
	v.SetDefault("KAFKA.PROTOCOL", "")

	// Redis Defaults
	v.SetDefault("REDIS.ADDR", "")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)

	// Auth Defaults
	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 24*time.Hour)
	v.SetDefault("AUTH.ALLOW_ANONYMOUS", false)

	// Chat Defaults
	v.SetDefault("CHAT.ECHO_TO_SENDER", true)
	v.SetDefault("CHAT.TYPING_TIMEOUT", 3*time.Second)
	v.SetDefault("CHAT.STORE_TIMEOUT", 5*time.Second)
	v.SetDefault("CHAT.STORE_RETRY_BACKOFF", 500*time.Millisecond)
	v.SetDefault("CHAT.PERSISTENCE", PersistenceDatabase)
	v.SetDefault("CHAT.HISTORY_LIMIT", 50)
	v.SetDefault("CHAT.HISTORY_TIMEOUT", 5*time.Second)
	v.SetDefault("CHAT.MAX_CONTENT_BYTES", 4096)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// SERVER_PORT overrides Server.Port, CHAT_TYPING_TIMEOUT overrides Chat.TypingTimeout
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config, fmt.Errorf("read config: %w", err)
		}
		// defaults and environment are enough
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}
	return config, config.Validate()
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	ws := c.WebSocket
	if ws.PongWaitSeconds <= 0 || ws.WriteWaitSeconds <= 0 {
		errs = append(errs, errors.New("websocket: write wait and pong wait must be positive"))
	}
	if ws.PingPeriodSeconds <= 0 || ws.PingPeriodSeconds >= ws.PongWaitSeconds {
		errs = append(errs, errors.New("websocket: ping period must be positive and shorter than pong wait"))
	}
	if ws.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket: send buffer must be positive"))
	}
	switch c.Database.Type {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database: unsupported type %q", c.Database.Type))
	}
	switch c.Chat.Persistence {
	case PersistenceDatabase:
	case PersistenceKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.MessagesTopic == "" {
			errs = append(errs, errors.New("kafka: brokers and messages topic are required for kafka persistence"))
		}
	default:
		errs = append(errs, fmt.Errorf("chat: unknown persistence mode %q", c.Chat.Persistence))
	}
	if c.Chat.TypingTimeout <= 0 || c.Chat.StoreTimeout <= 0 || c.Chat.HistoryTimeout <= 0 {
		errs = append(errs, errors.New("chat: typing, store and history timeouts must be positive"))
	}
	if c.Chat.StoreRetryBackoff < 0 {
		errs = append(errs, errors.New("chat: store retry backoff must not be negative"))
	}
	if c.Chat.HistoryLimit <= 0 || c.Chat.MaxContentBytes <= 0 {
		errs = append(errs, errors.New("chat: history limit and max content bytes must be positive"))
	}
	if !c.Auth.AllowAnonymous && c.Auth.JWTSecretKey == "" {
		errs = append(errs, errors.New("auth: jwt secret is required"))
	}
	return errors.Join(errs...)
}
