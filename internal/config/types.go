package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Upload   UploadConfig   `json:"upload"`
	Database Database       `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	S3       S3Config       `json:"s3"`
	Pipeline PipelineConfig `json:"pipeline_worker"`
	Auth     AuthConfig     `json:"auth"`
	Sentry   SentryConfig   `json:"sentry"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type UploadConfig struct {
	MaxRequestBodyMB     int64 `json:"max_request_body"`
	MaxMultipartMemoryMB int64 `json:"max_multipart_memory"`
}

type Database struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

type S3Config struct {
	Endpoint    string `json:"endpoint"` // MinIO or any S3-compatible endpoint
	Region      string `json:"region"`
	BucketName  string `json:"bucket_name"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
}

// PipelineConfig drives the background image pipeline: the Redis Stream the
// producer writes to, the consumer group the workers read from, and the
// retry policy applied when a job fails.
type PipelineConfig struct {
	Stream       string        `json:"stream"`        // redis stream name
	Group        string        `json:"group"`         // consumer group name
	Consumer     string        `json:"consumer"`      // consumer name within the group
	Workers      int           `json:"workers"`       // number of concurrent goroutines
	MaxAttempts  int           `json:"max_attempts"`  // total delivery attempts; 1 means no retry
	MaxLen       int64         `json:"max_len"`       // stream max length before trim
	BackoffBase  time.Duration `json:"backoff_base"`  // base retry delay
	BlockTimeout time.Duration `json:"block_timeout"` // XREADGROUP block timeout
	JobTimeout   time.Duration `json:"job_timeout"`   // per-job watchdog; 0 disables it
	StatusTTL    time.Duration `json:"status_ttl"`    // how long job status stays queryable
}

type AuthConfig struct {
	SigningSecret string        `json:"signing_secret"`
	Algorithm     string        `json:"algorithm"` // HS256 unless overridden
	TokenTTL      time.Duration `json:"token_ttl"`
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
