package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const configFileEnv = "CONFIG_FILE"

// Config holds all configuration required by the API process.
//
// Sources, later wins: built-in defaults, the optional YAML file named by
// CONFIG_FILE, then environment variables. No business logic should depend on
// raw environment variables.
type Config struct {
	App     AppConfig     `yaml:"app"`
	DB      DBConfig      `yaml:"db"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Calls   CallsConfig   `yaml:"calls"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Pricing PricingConfig `yaml:"pricing"`
}

type AppConfig struct {
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`
}

type DBConfig struct {
	// Driver is postgres or sqlite.
	Driver string `yaml:"driver"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"sslmode"`

	SQLitePath string `yaml:"sqlite_path"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTIssuer   string        `yaml:"jwt_issuer"`
	JWTAudience string        `yaml:"jwt_audience"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type MQTTConfig struct {
	// Broker is a URL such as tcp://localhost:1883. Empty disables publishing.
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
	// ConnectTimeout bounds the startup connect to Broker.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// QueueSize is how many events may wait for the broker before new ones
	// are dropped.
	QueueSize int `yaml:"queue_size"`
}

type CallsConfig struct {
	ResetStartOnConnect bool          `yaml:"reset_start_on_connect"`
	RingTimeout         time.Duration `yaml:"ring_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
}

type SweepConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type PricingConfig struct {
	DefaultPointsPerMinute int64 `yaml:"default_points_per_minute"`
}

// Defaults returns the built-in configuration before file and env overrides.
func Defaults() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Driver: "postgres", Port: 5432, SQLitePath: "callmeter.db"},
		Redis: RedisConfig{Port: 6379},
		Auth:  AuthConfig{TokenTTL: 15 * time.Minute},
		MQTT:  MQTTConfig{ClientID: "callmeter", TopicPrefix: "callmeter", QoS: 1, ConnectTimeout: 10 * time.Second, QueueSize: 1024},
		Calls: CallsConfig{
			ResetStartOnConnect: true,
			RingTimeout:         60 * time.Second,
			IdleTimeout:         3 * time.Minute,
		},
		Sweep: SweepConfig{Interval: 15 * time.Second, BatchSize: 100},
	}
}

func Load() (Config, error) {
	c := Defaults()

	if path := strings.TrimSpace(os.Getenv(configFileEnv)); path != "" {
		if err := loadFile(path, &c); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func loadFile(path string, c *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func applyEnv(c *Config) error {
	var errs []error

	envString("APP_ENV", &c.App.Env)
	envInt("APP_PORT", &c.App.Port, &errs)

	envString("DB_DRIVER", &c.DB.Driver)
	envString("DB_HOST", &c.DB.Host)
	envInt("DB_PORT", &c.DB.Port, &errs)
	envString("DB_USER", &c.DB.User)
	envSecret("DB_PASSWORD", &c.DB.Password)
	envString("DB_NAME", &c.DB.Name)
	envString("DB_SSLMODE", &c.DB.SSLMode)
	envString("DB_SQLITE_PATH", &c.DB.SQLitePath)

	envString("REDIS_HOST", &c.Redis.Host)
	envInt("REDIS_PORT", &c.Redis.Port, &errs)
	envSecret("REDIS_PASSWORD", &c.Redis.Password)

	envSecret("JWT_SECRET", &c.Auth.JWTSecret)
	envString("JWT_ISSUER", &c.Auth.JWTIssuer)
	envString("JWT_AUDIENCE", &c.Auth.JWTAudience)
	envDuration("JWT_TOKEN_TTL", &c.Auth.TokenTTL, &errs)

	envString("MQTT_BROKER", &c.MQTT.Broker)
	envString("MQTT_CLIENT_ID", &c.MQTT.ClientID)
	envString("MQTT_USERNAME", &c.MQTT.Username)
	envSecret("MQTT_PASSWORD", &c.MQTT.Password)
	envString("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)
	envInt("MQTT_QOS", &c.MQTT.QoS, &errs)
	envDuration("MQTT_CONNECT_TIMEOUT", &c.MQTT.ConnectTimeout, &errs)
	envInt("MQTT_QUEUE_SIZE", &c.MQTT.QueueSize, &errs)

	envBool("CALLS_RESET_START_ON_CONNECT", &c.Calls.ResetStartOnConnect, &errs)
	envDuration("CALLS_RING_TIMEOUT", &c.Calls.RingTimeout, &errs)
	envDuration("CALLS_IDLE_TIMEOUT", &c.Calls.IdleTimeout, &errs)

	envDuration("SWEEP_INTERVAL", &c.Sweep.Interval, &errs)
	envInt("SWEEP_BATCH_SIZE", &c.Sweep.BatchSize, &errs)

	{
		n := int(c.Pricing.DefaultPointsPerMinute)
		envInt("PRICING_DEFAULT_POINTS_PER_MINUTE", &n, &errs)
		c.Pricing.DefaultPointsPerMinute = int64(n)
	}

	return joinErrors(errs)
}

// Validate checks the configuration and fills derived defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.DB.Driver {
	case "postgres":
		errs = append(errs, c.validatePostgres()...)
	case "sqlite":
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER sqlite is not allowed in production"))
		}
		if strings.TrimSpace(c.DB.SQLitePath) == "" {
			errs = append(errs, errors.New("DB_SQLITE_PATH is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DB.Driver))
	}

	if c.Redis.Host == "" {
		// Without Redis the sweeper runs unguarded, which is only safe for one replica.
		if c.IsProduction() {
			errs = append(errs, errors.New("REDIS_HOST is required in production"))
		}
	} else if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 15 * time.Minute
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.Broker != "" && strings.TrimSpace(c.MQTT.TopicPrefix) == "" {
		errs = append(errs, errors.New("MQTT_TOPIC_PREFIX is required when MQTT_BROKER is set"))
	}

	if c.Calls.RingTimeout <= 0 {
		errs = append(errs, errors.New("CALLS_RING_TIMEOUT must be positive"))
	}
	if c.Calls.IdleTimeout <= 0 {
		errs = append(errs, errors.New("CALLS_IDLE_TIMEOUT must be positive"))
	} else if c.Calls.IdleTimeout < time.Minute {
		// Ticks arrive once per minute; anything shorter ends healthy calls.
		errs = append(errs, errors.New("CALLS_IDLE_TIMEOUT must be at least 1m"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.Sweep.BatchSize <= 0 {
		c.Sweep.BatchSize = 100
	}
	if c.Pricing.DefaultPointsPerMinute < 0 {
		errs = append(errs, errors.New("PRICING_DEFAULT_POINTS_PER_MINUTE must not be negative"))
	}

	return joinErrors(errs)
}

func (c *Config) validatePostgres() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	if c.Redis.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

// envSecret is envString without trimming.
func envSecret(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(key string, dst *int, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return
	}
	*dst = n
}

func envBool(key string, dst *bool, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
		return
	}
	*dst = b
}

func envDuration(key string, dst *time.Duration, errs *[]error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s must be a duration, got %q", key, v))
		return
	}
	*dst = d
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
