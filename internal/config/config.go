package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Database  *dbConfig
	Store     *storeConfig
	Service   *svcConfig
	Worker    *workerConfig
	Reaper    *reaperConfig
	Mail      *mailConfig
	Artifacts *artifactConfig
	Signer    *signerConfig
	Events    *eventsConfig
	Portal    *portalConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"botrunner"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`

	MaxOpenConns int `envconfig:"DB_MAX_OPEN_CONNS" default:"100"`
	MaxIdleConns int `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
}

type storeConfig struct {
	Backend       string        `envconfig:"STORE_BACKEND" default:"sql"`
	RedisAddr     string        `envconfig:"STORE_REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"STORE_REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"STORE_REDIS_DB" default:"0"`
	RedisPrefix   string        `envconfig:"STORE_REDIS_PREFIX" default:"botrunner"`
	RedisTimeout  time.Duration `envconfig:"STORE_REDIS_TIMEOUT" default:"3s"`
}

type svcConfig struct {
	Address        string `envconfig:"BOT_RUNNER_ADDRESS" default:":3443"`
	MetricsAddress string `envconfig:"BOT_RUNNER_METRICS_ADDRESS" default:":8080"`
	LogLevel       string `envconfig:"BOT_RUNNER_LOG_LEVEL" default:"info"`
	// MigrationFolder overrides the migrations embedded in the binary.
	MigrationFolder string `envconfig:"BOT_RUNNER_MIGRATIONS_FOLDER" default:""`
	// CorsOrigins enables CORS on the API for the listed origins.
	CorsOrigins []string `envconfig:"BOT_RUNNER_CORS_ORIGINS" default:""`
}

type workerConfig struct {
	Workers        int           `envconfig:"BOT_RUNNER_WORKERS" default:"4"`
	QueueSize      int           `envconfig:"BOT_RUNNER_QUEUE_SIZE" default:"100"`
	TaskTimeout    time.Duration `envconfig:"BOT_RUNNER_TASK_TIMEOUT" default:"2h"`
	SessionTimeout time.Duration `envconfig:"BOT_RUNNER_SESSION_TIMEOUT" default:"5m"`
	MaxIDAttempts  int           `envconfig:"BOT_RUNNER_MAX_ID_ATTEMPTS" default:"16"`
}

type reaperConfig struct {
	Marker     string        `envconfig:"REAPER_MARKER" default:"bot-runner-helper"`
	Mode       string        `envconfig:"REAPER_MODE" default:"job"`
	Interval   time.Duration `envconfig:"REAPER_INTERVAL" default:"1m"`
	PurgeAfter time.Duration `envconfig:"REAPER_PURGE_AFTER" default:"0"`
	// ProxyCommand is the helper started by the portal_proxy variant.
	ProxyCommand string `envconfig:"REAPER_PROXY_COMMAND" default:""`
}

type mailConfig struct {
	Provider string `envconfig:"MAIL_PROVIDER" default:"none"`
	From     string `envconfig:"MAIL_FROM" default:"bot-runner@localhost"`
	Domain   string `envconfig:"MAIL_MAILGUN_DOMAIN" default:""`
	APIKey   string `envconfig:"MAIL_API_KEY" default:""`
}

type artifactConfig struct {
	Endpoint        string `envconfig:"ARTIFACTS_ENDPOINT" default:""`
	Bucket          string `envconfig:"ARTIFACTS_BUCKET" default:"bot-runner"`
	AccessKey       string `envconfig:"ARTIFACTS_ACCESS_KEY" default:""`
	SecretAccessKey string `envconfig:"ARTIFACTS_SECRET_KEY" default:""`
	UseSSL          bool   `envconfig:"ARTIFACTS_USE_SSL" default:"false"`
}

type signerConfig struct {
	// Command is run with the document on stdin and must print the signature on stdout.
	Command []string      `envconfig:"SIGNER_COMMAND" default:""`
	Timeout time.Duration `envconfig:"SIGNER_TIMEOUT" default:"30s"`
}

type eventsConfig struct {
	Sink    string   `envconfig:"EVENTS_SINK" default:"stdout"`
	Brokers []string `envconfig:"EVENTS_KAFKA_BROKERS" default:""`
	Topic   string   `envconfig:"EVENTS_KAFKA_TOPIC" default:"bot-runner.progress"`
}

type portalConfig struct {
	// BaseURL is used when a job does not carry a base_url parameter.
	BaseURL        string        `envconfig:"PORTAL_BASE_URL" default:""`
	RequestTimeout time.Duration `envconfig:"PORTAL_REQUEST_TIMEOUT" default:"30s"`
	PageSize       int           `envconfig:"PORTAL_PAGE_SIZE" default:"50"`
}

// New reads the configuration from the environment. It is meant to be called
// once at process start and the result passed down to the constructors.
func New() (*Config, error) {
	cfg := NewDefault()
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func NewDefault() *Config {
	return &Config{
		Database: &dbConfig{
			Type:     "pgsql",
			Hostname: "localhost",
			Port:     "5432",
			Name:     "botrunner",
			User:     "admin",
			Password: "adminpass",

			MaxOpenConns: 100,
			MaxIdleConns: 10,
		},
		Store: &storeConfig{
			Backend:      "sql",
			RedisAddr:    "localhost:6379",
			RedisPrefix:  "botrunner",
			RedisTimeout: 3 * time.Second,
		},
		Service: &svcConfig{
			Address:        ":3443",
			MetricsAddress: ":8080",
			LogLevel:       "info",
		},
		Worker: &workerConfig{
			Workers:        4,
			QueueSize:      100,
			TaskTimeout:    2 * time.Hour,
			SessionTimeout: 5 * time.Minute,
			MaxIDAttempts:  16,
		},
		Reaper: &reaperConfig{
			Marker:   "bot-runner-helper",
			Mode:     "job",
			Interval: time.Minute,
		},
		Mail: &mailConfig{
			Provider: "none",
			From:     "bot-runner@localhost",
		},
		Artifacts: &artifactConfig{
			Bucket: "bot-runner",
		},
		Signer: &signerConfig{
			Timeout: 30 * time.Second,
		},
		Events: &eventsConfig{
			Sink:  "stdout",
			Topic: "bot-runner.progress",
		},
		Portal: &portalConfig{
			RequestTimeout: 30 * time.Second,
			PageSize:       50,
		},
	}
}
