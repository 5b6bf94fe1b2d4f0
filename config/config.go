package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

// PathList is a comma separated list of filesystem paths.
type PathList []string

func (p *PathList) UnmarshalEnvironmentValue(data string) error {
	var paths []string
	for _, path := range strings.Split(data, ",") {
		if path = strings.TrimSpace(path); path != "" {
			paths = append(paths, path)
		}
	}
	*p = paths
	return nil
}

type Config struct {
	SQLitePath              string        `env:"SQLITE_PATH,default=db/local.db"`
	PgDatabaseUrl           string        `env:"DATABASE_URL"`
	RemoteHealthGrpcAddress string        `env:"REMOTE_HEALTH_GRPC_ADDRESS"`
	StatusListenAddress     string        `env:"STATUS_LISTEN_ADDRESS,default=127.0.0.1:8090"`
	GrpcListenAddress       string        `env:"GRPC_LISTEN_ADDRESS,default=127.0.0.1:8091"`
	StatusToken             string        `env:"STATUS_TOKEN"`
	ProbeInterval           time.Duration `env:"PROBE_INTERVAL,default=30s"`
	ProbeCacheTTL           time.Duration `env:"PROBE_CACHE_TTL,default=30s"`
	ProbeTimeout            time.Duration `env:"PROBE_TIMEOUT,default=5s"`
	RecoveryProbeInterval   time.Duration `env:"RECOVERY_PROBE_INTERVAL,default=60s"`
	DrainInterval           time.Duration `env:"DRAIN_INTERVAL,default=5m"`
	QueueRetention          time.Duration `env:"QUEUE_RETENTION,default=168h"`
	NetworkWatchPaths       PathList      `env:"NETWORK_WATCH_PATHS,default=/etc/resolv.conf"`
	LogEnv                  string        `env:"LOG_ENV,default=dev"`
	LogLevel                string        `env:"LOG_LEVEL,default=info"`
	LogFile                 string        `env:"LOG_FILE"`
	BackupS3Bucket          string        `env:"BACKUP_S3_BUCKET"`
	BackupS3Region          string        `env:"BACKUP_S3_REGION,default=us-east-1"`
	BackupS3Endpoint        string        `env:"BACKUP_S3_ENDPOINT"`
	BackupS3Prefix          string        `env:"BACKUP_S3_PREFIX,default=backups/"`
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	for name, d := range map[string]time.Duration{
		"PROBE_INTERVAL":  c.ProbeInterval,
		"PROBE_CACHE_TTL": c.ProbeCacheTTL,
		"PROBE_TIMEOUT":   c.ProbeTimeout,
		"DRAIN_INTERVAL":  c.DrainInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%v must be positive, got %v", name, d)
		}
	}
	if c.RecoveryProbeInterval < 0 {
		return fmt.Errorf("RECOVERY_PROBE_INTERVAL must not be negative, got %v", c.RecoveryProbeInterval)
	}
	return nil
}
