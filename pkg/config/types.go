package config

import (
	"time"

	"github.com/cookieguardian/cookieguardian/pkg/breaker"
	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
)

// Config is the complete guardian configuration, usually read from guardian.yaml.
type Config struct {
	// App holds run loop and sharding settings.
	App AppConfig `yaml:"app"`

	// Rotation holds due-item policy.
	Rotation RotationConfig `yaml:"rotation"`

	// GitHub configures the secrets store.
	GitHub GitHubConfig `yaml:"github"`

	// Oracle configures the decision oracle and its monthly budget.
	Oracle OracleConfig `yaml:"oracle"`

	// Breaker configures the per-platform circuit breakers.
	Breaker breaker.Config `yaml:"breaker"`

	// Storage configures the registry database.
	Storage StorageConfig `yaml:"storage"`

	// Telemetry configures logging, tracing and metrics.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Warp configures the egress rotator.
	Warp WarpConfig `yaml:"warp"`

	// Worker configures the extraction worker process.
	Worker WorkerConfig `yaml:"worker"`

	// Credentials configures where platform credentials are looked up.
	Credentials CredentialsConfig `yaml:"credentials"`

	// path is the file the configuration was loaded from, if any.
	path string
}

// AppConfig holds run loop settings.
type AppConfig struct {
	// Name identifies the deployment in logs and traces.
	Name string `yaml:"name" validate:"required"`

	// MaxConcurrency bounds the number of coordinators running at once.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=1,lte=64"`

	// ShardID is this process's shard, 1-based.
	ShardID int `yaml:"shard_id" validate:"gte=1,ltefield=ShardTotal"`

	// ShardTotal is the number of shards sharing the registry.
	ShardTotal int `yaml:"shard_total" validate:"gte=1"`

	// RunDeadline bounds a whole run.
	RunDeadline time.Duration `yaml:"run_deadline" validate:"gt=0"`

	// LeaseTTL is how long an item lease survives a crashed holder.
	LeaseTTL time.Duration `yaml:"lease_ttl" validate:"gt=0"`

	StateTimeout time.Duration `yaml:"state_timeout" validate:"gt=0"`

	// Schedule is the standard cron expression the daemon runs on.
	Schedule string `yaml:"schedule" validate:"required"`

	// MaxTasksPerRun caps the batch size. A negative value leaves it unlimited.
	MaxTasksPerRun int `yaml:"max_tasks_per_run" validate:"ne=0"`

	// EmergencyShare is the fraction of the batch emergencies may take while
	// scheduled items are waiting.
	EmergencyShare float64 `yaml:"emergency_share" validate:"gt=0,lte=1"`
}

// RotationConfig holds due-item policy.
type RotationConfig struct {
	// RotateBeforeHours starts rotation this many hours ahead of expiry.
	RotateBeforeHours int `yaml:"rotate_before_hours" validate:"gte=1"`

	// DefaultAgeHours is the assumed artifact lifetime for unknown platforms.
	DefaultAgeHours int `yaml:"default_age_hours" validate:"gte=1"`

	// Platforms maps a platform name to its expected artifact lifetime.
	Platforms map[string]PlatformConfig `yaml:"platforms" validate:"dive"`
}

// PlatformConfig describes one platform.
type PlatformConfig struct {
	DefaultDays float64 `yaml:"default_days" validate:"gt=0"`
}

// GitHubConfig configures the GitHub Actions secrets store.
type GitHubConfig struct {
	APIURL string `yaml:"api_url" validate:"required,url"`

	// TokenEnv names the environment variable holding the API token.
	TokenEnv string `yaml:"token_env" validate:"required"`

	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// OracleConfig configures the decision oracle.
type OracleConfig struct {
	// Enabled turns oracle calls on; when off every decision uses fallbacks.
	Enabled bool `yaml:"enabled"`

	APIURL string `yaml:"api_url" validate:"required,url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env" validate:"required"`

	Model string `yaml:"model" validate:"required"`

	// MonthlyBudgetUSD is the fixed spend cap per calendar month.
	MonthlyBudgetUSD float64 `yaml:"monthly_budget_usd" validate:"gte=0"`

	// Timeout bounds each call.
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// CacheTTL is how long successful answers are reused.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gte=0"`

	InputPricePerMTok  float64 `yaml:"input_price_per_mtok" validate:"gte=0"`
	OutputPricePerMTok float64 `yaml:"output_price_per_mtok" validate:"gte=0"`
	MaxOutputTokens    int     `yaml:"max_output_tokens" validate:"gte=1"`
}

// StorageConfig configures the registry database.
type StorageConfig struct {
	// DatabasePath is the SQLite file. A leading ~ is expanded.
	DatabasePath string `yaml:"database_path" validate:"required"`

	BusyTimeout time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// WarpConfig configures the WARP egress rotator.
type WarpConfig struct {
	// Enabled turns egress rotation on.
	Enabled bool `yaml:"enabled"`

	// Binary is the warp-cli executable.
	Binary string `yaml:"binary" validate:"required"`

	// ConnectTimeout bounds waiting for the tunnel to come back up.
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
}

// WorkerConfig configures the extraction worker process.
type WorkerConfig struct {
	// Command is the worker executable followed by its arguments.
	Command []string `yaml:"command" validate:"min=1,dive,required"`

	// StartupTimeout bounds the wait for the worker's READY message.
	StartupTimeout time.Duration `yaml:"startup_timeout" validate:"gt=0"`

	// Env lists extra environment variables passed to the worker.
	Env map[string]string `yaml:"env"`
}

// CredentialsConfig configures credential lookup.
type CredentialsConfig struct {
	// Prefix is prepended to the upper-case platform name, e.g.
	// USER_CREDENTIALS_GITHUB.
	Prefix string `yaml:"prefix" validate:"required"`
}
