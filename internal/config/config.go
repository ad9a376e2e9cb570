package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix namespaces every environment variable, e.g. CAMPUSCHAT_HTTP_PORT.
const EnvPrefix = "CAMPUSCHAT"

// ConfigFileEnv names the variable holding an optional config file path.
const ConfigFileEnv = EnvPrefix + "_CONFIG_FILE"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `mapstructure:"database" json:"database"`
	HTTP      *HTTPConfig      `mapstructure:"http" json:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket" json:"websocket"`
	Auth      *AuthConfig      `mapstructure:"auth" json:"auth"`
	Chat      *ChatConfig      `mapstructure:"chat" json:"chat"`
	Redis     *RedisConfig     `mapstructure:"redis" json:"redis"`
	Log       *LogConfig       `mapstructure:"log" json:"log"`
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations
type DatabaseConfig struct {
	Path           string        `mapstructure:"path" json:"path"`
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxConnections int           `mapstructure:"max_connections" json:"max_connections"`
	MigrationsPath string        `mapstructure:"migrations_path" json:"migrations_path"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Port            int           `mapstructure:"port" json:"port"`
	Host            string        `mapstructure:"host" json:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration optimized for classroom scenarios
type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	BufferSize     int           `mapstructure:"buffer_size" json:"buffer_size"`
	ReadLimit      int64         `mapstructure:"read_limit" json:"read_limit"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" json:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" json:"jwt_secret"`
	Issuer    string `mapstructure:"issuer" json:"issuer"`
}

// ChatConfig tunes the messaging core.
type ChatConfig struct {
	TypingTimeout      time.Duration `mapstructure:"typing_timeout" json:"typing_timeout"`
	MaxContentLength   int           `mapstructure:"max_content_length" json:"max_content_length"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	NoticeBuffer       int           `mapstructure:"notice_buffer" json:"notice_buffer"`
	Retention          int           `mapstructure:"retention" json:"retention"`
}

// RedisConfig is optional; an empty Addr runs without Redis.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" json:"addr"`
	Password  string        `mapstructure:"password" json:"password"`
	DB        int           `mapstructure:"db" json:"db"`
	RosterTTL time.Duration `mapstructure:"roster_ttl" json:"roster_ttl"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" json:"level"`
	Development bool   `mapstructure:"development" json:"development"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults based on classroom requirements
// Database on local filesystem, HTTP on standard port, WebSocket with 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/campuschat.db",
			Timeout:        5 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
			ReadLimit:    64 * 1024,
		},
		Auth: &AuthConfig{
			Issuer: "campus",
		},
		Chat: &ChatConfig{
			TypingTimeout:      3 * time.Second,
			MaxContentLength:   4000,
			RateLimitPerMinute: 100,
			NoticeBuffer:       1024,
			Retention:          256,
		},
		Redis: &RedisConfig{
			RosterTTL: 30 * time.Second,
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	// Port 0 binds an ephemeral port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.ReadLimit <= 0 {
		return errors.New("WebSocket read limit must be positive")
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return errors.New("auth jwt_secret is required")
	}

	if c.Chat == nil {
		return errors.New("chat configuration is required")
	}
	if c.Chat.TypingTimeout <= 0 {
		return errors.New("chat typing timeout must be positive")
	}
	if c.Chat.MaxContentLength <= 0 {
		return errors.New("chat max content length must be positive")
	}
	if c.Chat.RateLimitPerMinute < 0 {
		return errors.New("chat rate limit cannot be negative")
	}
	if c.Chat.NoticeBuffer <= 0 || c.Chat.Retention <= 0 {
		return errors.New("chat notice buffer and retention must be positive")
	}

	if c.Redis == nil {
		return errors.New("redis configuration is required")
	}
	if c.Redis.Addr != "" && c.Redis.RosterTTL <= 0 {
		return errors.New("redis roster ttl must be positive")
	}

	if c.Log == nil {
		return errors.New("log configuration is required")
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "log level %q", c.Log.Level)
	}
	return nil
}

// NewLogger builds the process logger: JSON in production, console output
// in development.
func (c *LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// newViper registers every default so AutomaticEnv can resolve each key.
// TECHNICAL DISCOVERY: viper only consults the environment for keys it
// already knows, so defaults double as the key registry
func newViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()
	defaults := map[string]interface{}{
		"database.path":              d.Database.Path,
		"database.timeout":           d.Database.Timeout,
		"database.max_connections":   d.Database.MaxConnections,
		"database.migrations_path":   d.Database.MigrationsPath,
		"http.port":                  d.HTTP.Port,
		"http.host":                  d.HTTP.Host,
		"http.read_timeout":          d.HTTP.ReadTimeout,
		"http.write_timeout":         d.HTTP.WriteTimeout,
		"http.shutdown_timeout":      d.HTTP.ShutdownTimeout,
		"websocket.ping_interval":    d.WebSocket.PingInterval,
		"websocket.read_timeout":     d.WebSocket.ReadTimeout,
		"websocket.write_timeout":    d.WebSocket.WriteTimeout,
		"websocket.buffer_size":      d.WebSocket.BufferSize,
		"websocket.read_limit":       d.WebSocket.ReadLimit,
		"websocket.allowed_origins":  d.WebSocket.AllowedOrigins,
		"auth.jwt_secret":            d.Auth.JWTSecret,
		"auth.issuer":                d.Auth.Issuer,
		"chat.typing_timeout":        d.Chat.TypingTimeout,
		"chat.max_content_length":    d.Chat.MaxContentLength,
		"chat.rate_limit_per_minute": d.Chat.RateLimitPerMinute,
		"chat.notice_buffer":         d.Chat.NoticeBuffer,
		"chat.retention":             d.Chat.Retention,
		"redis.addr":                 d.Redis.Addr,
		"redis.password":             d.Redis.Password,
		"redis.db":                   d.Redis.DB,
		"redis.roster_ttl":           d.Redis.RosterTTL,
		"log.level":                  d.Log.Level,
		"log.development":            d.Log.Development,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func decode(v *viper.Viper) (*Config, error) {
	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}
	return config, nil
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Supports containerized deployments and configuration management systems
func LoadFromEnv() (*Config, error) {
	v := newViper()
	bindEnv(v)
	return decode(v)
}

// LoadFromFile reads a JSON or YAML file over the defaults and validates it.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	// ARCHITECTURAL DISCOVERY: Validate configuration after loading to catch errors early
	if err := config.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return config, nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// Enables flexible deployment patterns while maintaining sane defaults
func LoadConfigWithPrecedence(path string) (*Config, error) {
	v := newViper()
	bindEnv(v)

	if path != "" {
		file := viper.New()
		file.SetConfigFile(path)
		if err := file.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		// Set outranks the environment in viper.
		for _, key := range file.AllKeys() {
			v.Set(key, file.Get(key))
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}
