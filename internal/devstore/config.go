package devstore

import (
	"time"

	"s3console/internal/auth"
	"s3console/internal/storage"
)

const (
	DefaultAccessKeyID     = "minioadmin"
	DefaultSecretAccessKey = "minioadmin"
	DefaultRegion          = "us-east-1"

	// DefaultCapacity is the storage capacity given to users created
	// without one.
	DefaultCapacity int64 = 10 << 30

	// MaxSessionDuration caps the DurationSeconds of AssumeRole.
	MaxSessionDuration = 7 * 24 * time.Hour
)

type Config struct {
	DataDir string
	Region  string

	// AdminAccessKey and AdminSecretKey are seeded as an administrator on
	// every start.
	AdminAccessKey string
	AdminSecretKey string

	Engine        storage.StorageEngine
	Authenticator auth.AuthEngine
	Now           func() time.Time
}

type ConfigOption func(*Config)

func WithStorageEngine(engine storage.StorageEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

// WithAdmin sets the credentials of the seeded administrator.
func WithAdmin(accessKey string, secretKey string) ConfigOption {
	return func(cfg *Config) {
		cfg.AdminAccessKey = accessKey
		cfg.AdminSecretKey = secretKey
	}
}

func WithClock(now func() time.Time) ConfigOption {
	return func(cfg *Config) {
		cfg.Now = now
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
