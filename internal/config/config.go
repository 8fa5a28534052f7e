// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment
// variables. Field names mirror the indicative dotted configuration
// keys of the external interface (database.*, cluster.ssh.*, ...),
// flattened to SCREAMING_SNAKE env vars the way the teacher config
// flattens its own dotted concerns.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORTS_API" envDefault:"8080"`

	DBHost        string `env:"DATABASE_HOST" envDefault:"localhost"`
	DBPort        int    `env:"DATABASE_PORT" envDefault:"5432"`
	DBUsername    string `env:"DATABASE_USERNAME" envDefault:"postgres"`
	DBPassword    string `env:"DATABASE_PASSWORD" envDefault:"postgres"`
	DBName        string `env:"DATABASE_DB" envDefault:"nmma_relay"`
	DBReplicaSet  string `env:"DATABASE_REPLICA_SET"`
	DBSRV         bool   `env:"DATABASE_SRV" envDefault:"false"`

	ClusterSSHHost     string `env:"CLUSTER_SSH_HOST"`
	ClusterSSHPort     int    `env:"CLUSTER_SSH_PORT" envDefault:"22"`
	ClusterSSHUsername string `env:"CLUSTER_SSH_USERNAME"`
	ClusterSSHPassword string `env:"CLUSTER_SSH_PASSWORD"`
	ClusterNMMADir     string `env:"CLUSTER_NMMA_DIR" envDefault:"/home/nmma"`
	ClusterDataDirname string `env:"CLUSTER_DATA_DIRNAME" envDefault:"data"`
	ClusterOutputDirname string `env:"CLUSTER_OUTPUT_DIRNAME" envDefault:"output"`

	LocalNMMADir         string `env:"LOCAL_NMMA_DIR" envDefault:"/tmp/nmma"`
	LocalDataDirname     string `env:"LOCAL_DATA_DIRNAME" envDefault:"data"`
	LocalOutputDirname   string `env:"LOCAL_OUTPUT_DIRNAME" envDefault:"output"`
	LocalSlurmScriptName string `env:"LOCAL_SLURM_SCRIPT_NAME" envDefault:"submit_analysis.sbatch"`

	WaitTimesSubmission       time.Duration `env:"WAIT_TIMES_SUBMISSION" envDefault:"30s"`
	WaitTimesRetrieval        time.Duration `env:"WAIT_TIMES_RETRIEVAL" envDefault:"30s"`
	WaitTimesMaxUploadFailures int          `env:"WAIT_TIMES_MAX_UPLOAD_FAILURES" envDefault:"10"`

	// ExpansionTimeLimitHours is the wall-clock budget (hours) for a
	// single cluster job; startup refuses to proceed outside [1,24].
	ExpansionTimeLimitHours int `env:"EXPANSION_TIME_LIMIT" envDefault:"6"`

	CallbackRequestTimeout time.Duration `env:"CALLBACK_REQUEST_TIMEOUT" envDefault:"60s"`

	AllowedModels        []string `env:"ALLOWED_MODELS" envSeparator:"," envDefault:"Me2017,Piro2021,nugent-hyper,TrPi2018,Bu2022Ye"`
	CentralWavelengthModels []string `env:"CENTRAL_WAVELENGTH_MODELS" envSeparator:"," envDefault:"Me2017,Piro2021,nugent-hyper,TrPi2018"`
	FilterCatalogURL     string   `env:"FILTER_CATALOG_URL" envDefault:"https://gitlab.com/Theodlz/nmma-models/raw/main/models.yaml"`
	FilterCatalogCacheFile string `env:"FILTER_CATALOG_CACHE_FILE" envDefault:"/tmp/nmma-models-cache.yaml"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"nmma-relay"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	SSHDialTimeout time.Duration `env:"SSH_DIAL_TIMEOUT" envDefault:"10s"`

	DataRetentionDays int           `env:"DATA_RETENTION_DAYS" envDefault:"90"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	WorkerMetricsPort int `env:"WORKER_METRICS_PORT" envDefault:"9090"`
}

// DBURL assembles a Postgres DSN from the discrete database.* fields,
// mirroring the connection-string assembly the original implementation
// performs (host/port/username/password/db, optionally replica_set/srv
// for a replicated deployment). replica_set and srv are carried for
// configuration-shape fidelity; a non-replicated Postgres target
// ignores them.
func (c Config) DBURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUsername, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// TimeLimit is the wall-clock budget as a time.Duration.
func (c Config) TimeLimit() time.Duration {
	return time.Duration(c.ExpansionTimeLimitHours) * time.Hour
}

// Load parses environment variables into a Config and validates
// CatastrophicError conditions (§7): expansion.time_limit must be
// within 1-24 hours, or the process must refuse to start.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.ExpansionTimeLimitHours < 1 || cfg.ExpansionTimeLimitHours > 24 {
		return Config{}, fmt.Errorf("op=config.Load: expansion.time_limit must be within 1-24 hours, got %d", cfg.ExpansionTimeLimitHours)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
