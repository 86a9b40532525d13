package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cookieguardian/cookieguardian/pkg/breaker"
	"github.com/cookieguardian/cookieguardian/pkg/budget"
	"github.com/cookieguardian/cookieguardian/pkg/oracle"
	"github.com/cookieguardian/cookieguardian/pkg/rotation"
	"github.com/cookieguardian/cookieguardian/pkg/telemetry"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "guardian.yaml"

var validate = validator.New()

// Defaults returns a configuration with every field set to its default.
func Defaults() *Config {
	return &Config{
		App: AppConfig{
			Name:           "cookie-guardian",
			MaxConcurrency: rotation.DefaultConcurrency,
			ShardID:        1,
			ShardTotal:     1,
			RunDeadline:    rotation.DefaultRunDeadline,
			LeaseTTL:       rotation.DefaultLeaseTTL,
			StateTimeout:   rotation.DefaultStateTimeout,
			Schedule:       rotation.DefaultSchedule,
			MaxTasksPerRun: rotation.DefaultMaxTasksPerRun,
			EmergencyShare: rotation.DefaultEmergencyShare,
		},
		Rotation: RotationConfig{
			RotateBeforeHours: 24,
			DefaultAgeHours:   24,
			Platforms:         map[string]PlatformConfig{},
		},
		GitHub: GitHubConfig{
			APIURL:   "https://api.github.com",
			TokenEnv: "GITHUB_TOKEN",
			Timeout:  15 * time.Second,
		},
		Oracle: OracleConfig{
			Enabled:            true,
			APIURL:             oracle.DefaultAPIURL,
			APIKeyEnv:          "GLM_API_KEY",
			Model:              oracle.DefaultModel,
			MonthlyBudgetUSD:   budget.DefaultMonthlyCapUSD,
			Timeout:            oracle.DefaultTimeout,
			CacheTTL:           time.Hour,
			InputPricePerMTok:  0.2,
			OutputPricePerMTok: 1.1,
			MaxOutputTokens:    400,
		},
		Breaker: breaker.Config{
			Threshold: breaker.DefaultThreshold,
			Cooldown:  breaker.DefaultCooldown,
		},
		Storage: StorageConfig{
			DatabasePath: "data/cookie_guardian.sqlite",
			BusyTimeout:  5 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
		Warp: WarpConfig{
			Enabled:        true,
			Binary:         "warp-cli",
			ConnectTimeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Command:        []string{"guardian-worker"},
			StartupTimeout: 30 * time.Second,
		},
		Credentials: CredentialsConfig{
			Prefix: "USER_CREDENTIALS",
		},
	}
}

// Load reads the YAML file at path on top of the defaults and validates the
// result. A missing file is not an error when path is the default path.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		cfg.path = path
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// defaults only
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.Storage.DatabasePath = ExpandPath(cfg.Storage.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Storage.DatabasePath = ExpandPath(cfg.Storage.DatabasePath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Path returns the file the configuration was loaded from, or "" when only
// defaults are in effect.
func (c *Config) Path() string {
	return c.path
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	if _, err := rotation.ParseSchedule(c.App.Schedule); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// DuePolicy converts the rotation section to the scheduler's policy.
func (c *Config) DuePolicy() rotation.DuePolicy {
	defaults := make(map[string]time.Duration, len(c.Rotation.Platforms))
	for name, p := range c.Rotation.Platforms {
		defaults[strings.ToLower(name)] = time.Duration(p.DefaultDays * float64(24*time.Hour))
	}
	return rotation.DuePolicy{
		RotateBefore:     time.Duration(c.Rotation.RotateBeforeHours) * time.Hour,
		PlatformDefaults: defaults,
		DefaultAge:       time.Duration(c.Rotation.DefaultAgeHours) * time.Hour,
	}
}

// SchedulerConfig converts the app section for one shard. Non-zero shard
// arguments override the file.
func (c *Config) SchedulerConfig(shardID, shardTotal int) rotation.SchedulerConfig {
	if shardID == 0 {
		shardID = c.App.ShardID
	}
	if shardTotal == 0 {
		shardTotal = c.App.ShardTotal
	}
	return rotation.SchedulerConfig{
		ShardID:        shardID,
		ShardTotal:     shardTotal,
		RunDeadline:    c.App.RunDeadline,
		MaxTasksPerRun: c.App.MaxTasksPerRun,
		EmergencyShare: c.App.EmergencyShare,
		Policy:         c.DuePolicy(),
		Schedule:       c.App.Schedule,
	}
}

// CoordinatorConfig converts the app section for coordinators.
func (c *Config) CoordinatorConfig() rotation.CoordinatorConfig {
	return rotation.CoordinatorConfig{
		LeaseTTL:     c.App.LeaseTTL,
		StateTimeout: c.App.StateTimeout,
	}
}

// OracleAdapterConfig converts the oracle section for the adapter.
func (c *Config) OracleAdapterConfig() oracle.Config {
	return oracle.Config{
		Timeout:            c.Oracle.Timeout,
		CacheTTL:           c.Oracle.CacheTTL,
		InputPricePerMTok:  c.Oracle.InputPricePerMTok,
		OutputPricePerMTok: c.Oracle.OutputPricePerMTok,
		MaxOutputTokens:    c.Oracle.MaxOutputTokens,
		PlatformDefaults:   c.DuePolicy().PlatformDefaults,
	}
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
