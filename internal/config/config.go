// Package config loads pipeline configuration from the environment.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Mailbox holds the IMAP connection settings.
type Mailbox struct {
	Host           string        `envconfig:"MAILBOX_HOST" required:"true"`
	Port           int           `envconfig:"MAILBOX_PORT" default:"993"`
	Username       string        `envconfig:"MAILBOX_USER" required:"true"`
	Password       string        `envconfig:"MAILBOX_PASSWORD" required:"true"`
	Folder         string        `envconfig:"MAILBOX_FOLDER" default:"INBOX"`
	ConnectTimeout time.Duration `envconfig:"MAILBOX_CONNECT_TIMEOUT" default:"10s"`
	AuthTimeout    time.Duration `envconfig:"MAILBOX_AUTH_TIMEOUT" default:"10s"`
	FetchTimeout   time.Duration `envconfig:"MAILBOX_FETCH_TIMEOUT" default:"15s"`
	BulkTimeout    time.Duration `envconfig:"MAILBOX_BULK_TIMEOUT" default:"60s"`
}

// RecordStore holds the GraphQL content API settings.
type RecordStore struct {
	URL        string        `envconfig:"RECORDSTORE_URL" required:"true"`
	Token      string        `envconfig:"RECORDSTORE_TOKEN" required:"true"`
	MaxRetries int           `envconfig:"RECORDSTORE_MAX_RETRIES" default:"2"`
	RetryDelay time.Duration `envconfig:"RECORDSTORE_RETRY_DELAY" default:"1s"`
}

// Storage holds the object storage settings.
type Storage struct {
	Bucket  string `envconfig:"STORAGE_BUCKET" required:"true"`
	BaseURL string `envconfig:"STORAGE_BASE_URL" required:"true"`
}

// Config is the full pipeline configuration.
type Config struct {
	Mailbox     Mailbox
	RecordStore RecordStore
	Storage     Storage

	LeaseTable        string        `envconfig:"LEASE_TABLE_NAME" required:"true"`
	SyncLeaseTTL      time.Duration `envconfig:"SYNC_LEASE_TTL" default:"5m"`
	ProcessLeaseTTL   time.Duration `envconfig:"PROCESS_LEASE_TTL" default:"10m"`
	QueueURL          string        `envconfig:"JOB_QUEUE_URL" required:"true"`
	TriggerSecret     string        `envconfig:"TRIGGER_SECRET" required:"true"`
	SyncBatchSize     int           `envconfig:"SYNC_BATCH_SIZE" default:"50"`
	UploadConcurrency int           `envconfig:"UPLOAD_CONCURRENCY" default:"3"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("ethos", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
