package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	globalConfig *Config
	mu           sync.RWMutex
)

// Config holds all runtime configuration for the service
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	OTP           OTPConfig
	JWT           JWTConfig
	OAuth         OAuthConfig
	SMTP          SMTPConfig
	Notifier      NotifierConfig
	RateLimit     RateLimitConfig
	CORS          CORSConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// DatabaseConfig selects the account/OTP store: postgres, scylla or memory.
type DatabaseConfig struct {
	Driver          string
	PostgresDSN     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RunMigrations   bool
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	// CAPath enables client TLS when set.
	CAPath   string
	CertPath string
	KeyPath  string
}

type KafkaConfig struct {
	Enabled     bool
	Brokers     []string
	OTPTopic    string
	EventsTopic string
	TLS         bool
}

type ElasticsearchConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Index    string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
	Table    string
	CAFile   string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// HashingConfig configures argon2id. Peppers are "version:value" pairs; the
// highest version hashes new values, older ones still verify.
type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Peppers           []string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

type OTPConfig struct {
	TTL         time.Duration
	MaxAttempts int
	SendLimit   int
	SendWindow  time.Duration
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
}

type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

func (p OAuthProviderConfig) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

type OAuthConfig struct {
	Google      OAuthProviderConfig
	GitHub      OAuthProviderConfig
	FrontendURL string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// NotifierConfig picks the OTP delivery channel: smtp, kafka or log.
type NotifierConfig struct {
	Channel string
	Timeout time.Duration
}

type RateLimitWindow struct {
	Limit  int
	Window time.Duration
}

type RateLimitConfig struct {
	General RateLimitWindow
	Auth    RateLimitWindow
	OTP     RateLimitWindow
	Reset   RateLimitWindow
}

type CORSConfig struct {
	AllowedOrigins []string
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 5000),
			TLSPort:      getEnvAsInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:    getEnvAsBool("ENABLE_TLS", false),
			AutoCert:     getEnvAsBool("AUTO_CERT", false),
			Domain:       getEnv("DOMAIN", "localhost"),
			CertFile:     getEnv("TLS_CERT_FILE", ""),
			KeyFile:      getEnv("TLS_KEY_FILE", ""),
			AutoCertDir:  getEnv("AUTO_CERT_DIR", "./certs"),
			Email:        getEnv("TLS_EMAIL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnv("DB_DRIVER", "memory")),
			PostgresDSN:     getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			RunMigrations:   getEnvAsBool("DB_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvAsSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "email_auth"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			CAPath:   getEnv("SCYLLA_CA_PATH", ""),
			CertPath: getEnv("SCYLLA_CERT_PATH", ""),
			KeyPath:  getEnv("SCYLLA_KEY_PATH", ""),
		},
		Kafka: KafkaConfig{
			Enabled:     getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:     getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			OTPTopic:    getEnv("KAFKA_OTP_TOPIC", "auth.otp.requested"),
			EventsTopic: getEnv("KAFKA_EVENTS_TOPIC", "auth.security-events"),
			TLS:         getEnvAsBool("KAFKA_TLS", false),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:  getEnvAsBool("ELASTICSEARCH_ENABLED", false),
			URL:      getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username: getEnv("ELASTICSEARCH_USERNAME", ""),
			Password: getEnv("ELASTICSEARCH_PASSWORD", ""),
			Index:    getEnv("ELASTICSEARCH_SECURITY_INDEX", "auth-security-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "auth_analytics"),
			Table:    getEnv("CLICKHOUSE_AUTH_EVENTS_TABLE", "auth_events"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
		},
		KMS: KMSConfig{
			Enabled: getEnvAsBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  getEnvAsInt("ARGON2_MEMORY_COST", 64*1024),
			Argon2TimeCost:    getEnvAsInt("ARGON2_TIME_COST", 3),
			Argon2Parallelism: getEnvAsInt("ARGON2_PARALLELISM", 2),
			Peppers:           getEnvAsSlice("HASH_PEPPERS", nil),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvAsInt("USER_BUCKETS", 256),
			EventBuckets: getEnvAsInt("EVENT_BUCKETS", 64),
		},
		OTP: OTPConfig{
			TTL:         time.Duration(getEnvAsInt("OTP_EXPIRY_MINUTES", 10)) * time.Minute,
			MaxAttempts: getEnvAsInt("MAX_OTP_ATTEMPTS", 3),
			SendLimit:   getEnvAsInt("OTP_SEND_LIMIT", 5),
			SendWindow:  getEnvAsDuration("OTP_SEND_WINDOW", 15*time.Minute),
		},
		JWT: JWTConfig{
			AccessSecret:  getEnv("JWT_SECRET", ""),
			RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
			AccessTTL:     getEnvAsDuration("JWT_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:    getEnvAsDuration("JWT_REFRESH_TTL", 7*24*time.Hour),
			Issuer:        getEnv("JWT_ISSUER", "email-auth-api"),
			Audience:      getEnv("JWT_AUDIENCE", "email-auth-client"),
		},
		OAuth: OAuthConfig{
			Google: OAuthProviderConfig{
				ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
				ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
				RedirectURL:  getEnv("GOOGLE_CALLBACK_URL", "http://localhost:5000/oauth/google/callback"),
			},
			GitHub: OAuthProviderConfig{
				ClientID:     getEnv("GITHUB_CLIENT_ID", ""),
				ClientSecret: getEnv("GITHUB_CLIENT_SECRET", ""),
				RedirectURL:  getEnv("GITHUB_CALLBACK_URL", "http://localhost:5000/oauth/github/callback"),
			},
			FrontendURL: strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:5173"), "/"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 465),
			Username: getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM_EMAIL", ""),
			FromName: getEnv("SMTP_FROM_NAME", "Email Auth"),
		},
		Notifier: NotifierConfig{
			Channel: strings.ToLower(getEnv("NOTIFIER_CHANNEL", "log")),
			Timeout: getEnvAsDuration("NOTIFIER_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			General: RateLimitWindow{Limit: getEnvAsInt("RATE_LIMIT_GENERAL", 500), Window: 15 * time.Minute},
			Auth:    RateLimitWindow{Limit: getEnvAsInt("RATE_LIMIT_AUTH", 100), Window: 15 * time.Minute},
			OTP:     RateLimitWindow{Limit: getEnvAsInt("RATE_LIMIT_OTP", 20), Window: time.Minute},
			Reset:   RateLimitWindow{Limit: getEnvAsInt("RATE_LIMIT_RESET", 50), Window: time.Hour},
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mu.Lock()
	globalConfig = cfg
	mu.Unlock()

	return cfg, nil
}

// Validate reports configuration that must stop the process at startup.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.JWT.RefreshSecret == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET is required"))
	}
	if c.JWT.AccessSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.OTP.MaxAttempts <= 0 {
		errs = append(errs, errors.New("MAX_OTP_ATTEMPTS must be positive"))
	}
	if c.OTP.TTL <= 0 {
		errs = append(errs, errors.New("OTP_EXPIRY_MINUTES must be positive"))
	}

	switch c.Database.Driver {
	case "memory", "scylla":
	case "postgres":
		if c.Database.PostgresDSN == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.Database.Driver))
	}

	switch c.Notifier.Channel {
	case "log":
	case "smtp":
		if c.SMTP.Host == "" || c.SMTP.From == "" {
			errs = append(errs, errors.New("SMTP_HOST and SMTP_FROM_EMAIL are required for smtp notifier"))
		}
	case "kafka":
		if !c.Kafka.Enabled {
			errs = append(errs, errors.New("KAFKA_ENABLED must be true for kafka notifier"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFIER_CHANNEL %q", c.Notifier.Channel))
	}

	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}
	if c.IsProduction() && len(c.Hashing.Peppers) == 0 {
		errs = append(errs, errors.New("HASH_PEPPERS is required in production"))
	}

	return errors.Join(errs...)
}

// Get returns the last loaded configuration.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
