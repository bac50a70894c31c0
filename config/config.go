// Package config builds the process configuration from environment
// variables. A .env file, when present, is loaded before the variables are
// read; real environment values win over file values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Resume modes for the ingest driver.
const (
	ResumeReplayFromZero   = "replay-from-zero"
	ResumeFromMaxSeq       = "resume-from-max-seq"
	OnDecodeErrorAbort     = "abort"
	OnDecodeErrorSkip      = "skip"
	defaultBindAddress     = "0.0.0.0:3000"
	defaultDBPath          = "./mbo.db"
	defaultMaxSubscribers  = 1024
	defaultQueueCap        = 1024
	defaultBatchSize       = 1000
	defaultBatchIntervalMs = 50
)

type Config struct {
	Server  ServerConfig
	Feed    FeedConfig
	Storage StorageConfig
	Hub     HubConfig
	Logging LoggingConfig
	Archive ArchiveConfig
	Report  ReportConfig
}

type ServerConfig struct {
	// BindAddress is the host:port the HTTP API listens on.
	BindAddress string
}

type FeedConfig struct {
	// Path of the NDJSON recording of decoded messages.
	Path string
	// ResumeMode is replay-from-zero or resume-from-max-seq.
	ResumeMode string
	// OnDecodeError is abort or skip.
	OnDecodeError string
}

type StorageConfig struct {
	DBPath        string
	BatchSize     int
	BatchInterval time.Duration
}

type HubConfig struct {
	MaxSubscribers     int
	SubscriberQueueCap int
}

type LoggingConfig struct {
	Filter string
	Format string
	Output string
	MaxAge int
}

type ArchiveConfig struct {
	Enabled bool
	Bucket  string
	Prefix  string
	Region  string
	// Endpoint overrides the S3 endpoint, for S3-compatible object stores.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BatchSize       int
	FlushInterval   time.Duration
	// ManifestDir, when set, keeps local Iceberg-style metadata describing
	// every uploaded file.
	ManifestDir string
}

type ReportConfig struct {
	Interval time.Duration
}

// Load reads the configuration from the environment. An optional .env file is
// applied first without overriding variables that are already set.
func Load() *Config {
	godotenv.Load()

	format := getEnv("LOG_FORMAT", "")
	if format == "" {
		// Production-like deployments get machine-readable logs.
		if IsProductionLike(AppEnvironment()) {
			format = "json"
		} else {
			format = "text"
		}
	}

	return &Config{
		Server: ServerConfig{
			BindAddress: getEnv("BIND_ADDRESS", defaultBindAddress),
		},
		Feed: FeedConfig{
			Path:          getEnv("DBN_FILE_PATH", ""),
			ResumeMode:    getEnv("RESUME_MODE", ResumeReplayFromZero),
			OnDecodeError: getEnv("ON_DECODE_ERROR", OnDecodeErrorAbort),
		},
		Storage: StorageConfig{
			DBPath:        getEnv("DB_PATH", defaultDBPath),
			BatchSize:     getEnvInt("BATCH_SIZE", defaultBatchSize),
			BatchInterval: time.Duration(getEnvInt("BATCH_INTERVAL_MS", defaultBatchIntervalMs)) * time.Millisecond,
		},
		Hub: HubConfig{
			MaxSubscribers:     getEnvInt("MAX_SUBSCRIBERS", defaultMaxSubscribers),
			SubscriberQueueCap: getEnvInt("SUBSCRIBER_QUEUE_CAP", defaultQueueCap),
		},
		Logging: LoggingConfig{
			Filter: getEnv("LOG_FILTER", "info"),
			Format: format,
			Output: getEnv("LOG_OUTPUT", "stdout"),
			MaxAge: getEnvInt("LOG_MAX_AGE_DAYS", 0),
		},
		Archive: ArchiveConfig{
			Enabled:         getEnvBool("ARCHIVE_ENABLED", false),
			Bucket:          getEnv("ARCHIVE_BUCKET", ""),
			Prefix:          getEnv("ARCHIVE_PREFIX", "mboflow"),
			Region:          getEnv("ARCHIVE_REGION", os.Getenv("AWS_REGION")),
			Endpoint:        getEnv("ARCHIVE_ENDPOINT", ""),
			AccessKeyID:     getEnv("ARCHIVE_ACCESS_KEY_ID", os.Getenv("AWS_ACCESS_KEY_ID")),
			SecretAccessKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", os.Getenv("AWS_SECRET_ACCESS_KEY")),
			BatchSize:       getEnvInt("ARCHIVE_BATCH_SIZE", 10000),
			FlushInterval:   time.Duration(getEnvInt("ARCHIVE_FLUSH_INTERVAL_MS", 30000)) * time.Millisecond,
			ManifestDir:     getEnv("ARCHIVE_MANIFEST_DIR", ""),
		},
		Report: ReportConfig{
			Interval: time.Duration(getEnvInt("REPORT_INTERVAL_SECONDS", 60)) * time.Second,
		},
	}
}

// Validate checks the loaded configuration. The process exits with code 2
// when this returns an error.
func (c *Config) Validate() error {
	if c.Feed.Path == "" {
		return errors.New("DBN_FILE_PATH is required")
	}
	switch c.Feed.ResumeMode {
	case ResumeReplayFromZero, ResumeFromMaxSeq:
	default:
		return errors.Errorf("invalid RESUME_MODE %q", c.Feed.ResumeMode)
	}
	switch c.Feed.OnDecodeError {
	case OnDecodeErrorAbort, OnDecodeErrorSkip:
	default:
		return errors.Errorf("invalid ON_DECODE_ERROR %q", c.Feed.OnDecodeError)
	}
	if c.Storage.BatchSize <= 0 {
		return errors.New("BATCH_SIZE must be positive")
	}
	if c.Storage.BatchInterval <= 0 {
		return errors.New("BATCH_INTERVAL_MS must be positive")
	}
	if c.Hub.MaxSubscribers < 0 {
		return errors.New("MAX_SUBSCRIBERS must not be negative")
	}
	if c.Hub.SubscriberQueueCap <= 0 {
		return errors.New("SUBSCRIBER_QUEUE_CAP must be positive")
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return errors.New("ARCHIVE_BUCKET is required when ARCHIVE_ENABLED is set")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
