package config

import (
	"time"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Config is the complete emulator configuration.
type Config struct {
	// DataDir holds every provider's metadata database and blob tree.
	DataDir  string `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
	BindHost string `mapstructure:"bind_host" yaml:"bind_host" validate:"required"`

	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Providers ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	AWS       AWSConfig       `mapstructure:"aws" yaml:"aws"`
	Azure     AzureConfig     `mapstructure:"azure" yaml:"azure"`
	GCP       GCPConfig       `mapstructure:"gcp" yaml:"gcp"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Functions FunctionsConfig `mapstructure:"functions" yaml:"functions"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// StorageConfig configures the storage engine.
type StorageConfig struct {
	Mode        string        `mapstructure:"mode" yaml:"mode" validate:"oneof=isolated shared"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout" validate:"gt=0"`
	Compression string        `mapstructure:"compression" yaml:"compression" validate:"oneof=none zstd lz4"`
	PoolSize    int           `mapstructure:"pool_size" yaml:"pool_size" validate:"gte=1,lte=64"`

	// ReapInterval is how often expired resources are purged. Zero
	// disables the reaper; expired resources stay invisible either way.
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval" validate:"gte=0"`
}

// ProviderConfig enables one provider listener.
type ProviderConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"gte=1,lte=65535"`
}

// ProvidersConfig holds the per-provider listeners.
type ProvidersConfig struct {
	AWS   ProviderConfig `mapstructure:"aws" yaml:"aws"`
	Azure ProviderConfig `mapstructure:"azure" yaml:"azure"`
	GCP   ProviderConfig `mapstructure:"gcp" yaml:"gcp"`
}

// For returns the listener settings of p.
func (pc ProvidersConfig) For(p resource.Provider) ProviderConfig {
	switch p {
	case resource.AWS:
		return pc.AWS
	case resource.Azure:
		return pc.Azure
	case resource.GCP:
		return pc.GCP
	}
	return ProviderConfig{}
}

// Enabled returns the enabled providers in canonical order.
func (pc ProvidersConfig) Enabled() []resource.Provider {
	var out []resource.Provider
	for _, p := range resource.Providers() {
		if pc.For(p).Enabled {
			out = append(out, p)
		}
	}
	return out
}

// AWSConfig holds the identity reported to AWS clients.
type AWSConfig struct {
	Region    string `mapstructure:"region" yaml:"region" validate:"required"`
	AccountID string `mapstructure:"account_id" yaml:"account_id" validate:"required,len=12,numeric"`
}

// AzureConfig holds the default storage account name.
type AzureConfig struct {
	Account string `mapstructure:"account" yaml:"account" validate:"required"`
}

// GCPConfig holds the default project id.
type GCPConfig struct {
	Project string `mapstructure:"project" yaml:"project" validate:"required"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	MaxBodyBytes    int64           `mapstructure:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=1"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// RequestLogSize is the capacity of the captured-request ring. Zero
	// disables capture.
	RequestLogSize int `mapstructure:"request_log_size" yaml:"request_log_size" validate:"gte=0"`
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	RPS     float64 `mapstructure:"rps" yaml:"rps" validate:"gt=0"`
	Burst   int     `mapstructure:"burst" yaml:"burst" validate:"gte=1"`
}

// FunctionsConfig configures the function runtime.
type FunctionsConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// Default ports, one per provider.
const (
	DefaultAWSPort   = 4566
	DefaultAzurePort = 4567
	DefaultGCPPort   = 4568
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  ".cloudemu",
		BindHost: "0.0.0.0",
		Storage: StorageConfig{
			Mode:         "isolated",
			LockTimeout:  5 * time.Second,
			Compression:  "none",
			PoolSize:     8,
			ReapInterval: 30 * time.Second,
		},
		Providers: ProvidersConfig{
			AWS:   ProviderConfig{Enabled: true, Port: DefaultAWSPort},
			Azure: ProviderConfig{Enabled: true, Port: DefaultAzurePort},
			GCP:   ProviderConfig{Enabled: true, Port: DefaultGCPPort},
		},
		AWS:   AWSConfig{Region: "us-east-1", AccountID: "000000000000"},
		Azure: AzureConfig{Account: "devstoreaccount1"},
		GCP:   GCPConfig{Project: "cloudemu-local"},
		Server: ServerConfig{
			MaxBodyBytes:    64 << 20,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       RateLimitConfig{RPS: 1000, Burst: 2000},
			RequestLogSize:  1000,
		},
		Functions: FunctionsConfig{Timeout: 3 * time.Second},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}
