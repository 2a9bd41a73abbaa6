package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database   *dbConfig
	Service    *svcConfig
	Dispatcher *dispatcherConfig
	Agent      *agentConfig
	Queue      *queueConfig
	Artifact   *artifactConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"geolake"`
	User     string `envconfig:"DB_USER" default:"geolake"`
	Password string `envconfig:"DB_PASS" default:"geolake"`
}

type svcConfig struct {
	Address         string `envconfig:"GEOLAKE_ADDRESS" default:":8080"`
	MetricsAddress  string `envconfig:"GEOLAKE_METRICS_ADDRESS" default:":8081"`
	LogLevel        string `envconfig:"GEOLAKE_LOG_LEVEL" default:"info"`
	MigrationFolder string `envconfig:"GEOLAKE_MIGRATIONS_FOLDER" default:""`
	// MaxEstimateBytes rejects submissions whose estimated result is larger. 0 disables the check.
	MaxEstimateBytes int64  `envconfig:"GEOLAKE_MAX_ESTIMATE_BYTES" default:"0"`
	EventsWriter     string `envconfig:"GEOLAKE_EVENTS_WRITER" default:"stdout"`
}

type dispatcherConfig struct {
	PollInterval        time.Duration `envconfig:"GEOLAKE_DISPATCHER_POLL_INTERVAL" default:"5s"`
	ReclaimInterval     time.Duration `envconfig:"GEOLAKE_DISPATCHER_RECLAIM_INTERVAL" default:"15s"`
	HeartbeatInterval   time.Duration `envconfig:"GEOLAKE_HEARTBEAT_INTERVAL" default:"10s"`
	MissedHeartbeats    int           `envconfig:"GEOLAKE_MISSED_HEARTBEATS" default:"3"`
	GracePeriod         time.Duration `envconfig:"GEOLAKE_DISPATCHER_GRACE_PERIOD" default:"0s"`
	ClaimTimeout        time.Duration `envconfig:"GEOLAKE_DISPATCHER_CLAIM_TIMEOUT" default:"0s"`
	MaxRetries          int           `envconfig:"GEOLAKE_DISPATCHER_MAX_RETRIES" default:"2"`
	RunningRequestLimit int           `envconfig:"GEOLAKE_RUNNING_REQUEST_LIMIT" default:"0"`
	MaxBackoff          time.Duration `envconfig:"GEOLAKE_DISPATCHER_MAX_BACKOFF" default:"1m"`
}

type agentConfig struct {
	Host               string        `envconfig:"GEOLAKE_AGENT_HOST" default:"localhost"`
	SchedulerPort      int           `envconfig:"GEOLAKE_AGENT_SCHEDULER_PORT" default:"8188"`
	DashboardAddress   string        `envconfig:"GEOLAKE_AGENT_DASHBOARD_ADDRESS" default:":8787"`
	EngineURL          string        `envconfig:"GEOLAKE_ENGINE_URL" default:"http://localhost:9090"`
	EngineTimeout      time.Duration `envconfig:"GEOLAKE_ENGINE_TIMEOUT" default:"1h"`
	CancelPollInterval time.Duration `envconfig:"GEOLAKE_AGENT_CANCEL_POLL_INTERVAL" default:"5s"`
	ReceiveBlock       time.Duration `envconfig:"GEOLAKE_AGENT_RECEIVE_BLOCK" default:"5s"`
}

type queueConfig struct {
	Type      string   `envconfig:"GEOLAKE_QUEUE_TYPE" default:"redis"`
	Addrs     []string `envconfig:"GEOLAKE_REDIS_ADDRS" default:"localhost:6379"`
	Username  string   `envconfig:"GEOLAKE_REDIS_USERNAME" default:""`
	Password  string   `envconfig:"GEOLAKE_REDIS_PASSWORD" default:""`
	DB        int      `envconfig:"GEOLAKE_REDIS_DB" default:"0"`
	KeyPrefix string   `envconfig:"GEOLAKE_QUEUE_PREFIX" default:"geolake"`
}

type artifactConfig struct {
	Type        string `envconfig:"GEOLAKE_ARTIFACT_TYPE" default:"local"`
	StorageName string `envconfig:"GEOLAKE_ARTIFACT_STORAGE_NAME" default:"local"`
	LocalPath   string `envconfig:"GEOLAKE_ARTIFACT_LOCAL_PATH" default:"./downloads"`
	BaseURI     string `envconfig:"GEOLAKE_ARTIFACT_BASE_URI" default:"http://localhost:8080/download"`
	S3          s3Config
}

type s3Config struct {
	Endpoint  string `envconfig:"GEOLAKE_S3_ENDPOINT" default:""`
	Bucket    string `envconfig:"GEOLAKE_S3_BUCKET" default:"geolake"`
	AccessKey string `envconfig:"GEOLAKE_S3_ACCESS_KEY" default:""`
	SecretKey string `envconfig:"GEOLAKE_S3_SECRET_KEY" default:""`
	UseSSL    bool   `envconfig:"GEOLAKE_S3_USE_SSL" default:"false"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns a fresh configuration populated only with the defaults
// and the current environment. It never touches the process-wide instance.
func NewDefault() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StaleAfter is how long a worker may stay silent before it is considered offline.
func (d *dispatcherConfig) StaleAfter() time.Duration {
	if d.MissedHeartbeats <= 0 {
		return d.HeartbeatInterval
	}
	return d.HeartbeatInterval * time.Duration(d.MissedHeartbeats)
}

// Grace is the window after which a running request on a silent worker is reclaimed.
func (d *dispatcherConfig) Grace() time.Duration {
	if d.GracePeriod > 0 {
		return d.GracePeriod
	}
	return d.StaleAfter()
}
