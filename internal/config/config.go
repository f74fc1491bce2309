package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Keys double as environment variable names (upper-cased) and .env keys
const (
	KeyAPIKey             = "runpod_api_key"
	KeyMinVRAMGB          = "min_vram_gb"
	KeyMaxCostPerHour     = "max_cost_per_hour"
	KeyDockerImage        = "docker_image"
	KeyContainerDiskGB    = "container_disk_gb"
	KeySpotMaxCostPerHour = "spot_max_cost_per_hour"
	KeySpotClampAbove     = "spot_clamp_above"
	KeySSHKeyPath         = "ssh_key_path"
	KeySSHUser            = "ssh_user"
	KeyReadyTimeout       = "ready_timeout"
	KeyPollInterval       = "poll_interval"
	KeyRedisAddr          = "redis_addr"
	KeyRedisDB            = "redis_db"
	KeyRedisPassword      = "redis_password"
)

const (
	DefaultMinVRAMGB          = 16
	DefaultMaxCostPerHour     = 1.0
	DefaultDockerImage        = "kajdo/kokoro-fastapi:latest"
	DefaultContainerDiskGB    = 50
	DefaultSpotMaxCostPerHour = 0.30
	DefaultSpotClampAbove     = 0.50
	DefaultSSHUser            = "root"
	DefaultReadyTimeout       = 10 * time.Minute
	DefaultPollInterval       = 5 * time.Second
	DefaultEnvFile            = ".env"

	APIKeyPrefix = "rpa_"
)

// Settings is the resolved configuration for one invocation
type Settings struct {
	APIKey          string
	MinVRAMGB       int
	MaxCostPerHour  float64
	DockerImage     string
	ContainerDiskGB int

	// Spot ceilings above SpotClampAbove are lowered to SpotMaxCostPerHour
	SpotMaxCostPerHour float64
	SpotClampAbove     float64

	SSHKeyPath string
	SSHUser    string

	ReadyTimeout time.Duration
	PollInterval time.Duration

	// Session ledger; empty RedisAddr disables it
	RedisAddr     string
	RedisDB       int
	RedisPassword string
}

// SetDefaults registers default values for every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyMinVRAMGB, DefaultMinVRAMGB)
	v.SetDefault(KeyMaxCostPerHour, DefaultMaxCostPerHour)
	v.SetDefault(KeyDockerImage, DefaultDockerImage)
	v.SetDefault(KeyContainerDiskGB, DefaultContainerDiskGB)
	v.SetDefault(KeySpotMaxCostPerHour, DefaultSpotMaxCostPerHour)
	v.SetDefault(KeySpotClampAbove, DefaultSpotClampAbove)
	v.SetDefault(KeySSHUser, DefaultSSHUser)
	v.SetDefault(KeyReadyTimeout, DefaultReadyTimeout)
	v.SetDefault(KeyPollInterval, DefaultPollInterval)
	v.SetDefault(KeyRedisDB, 0)
}

// MergeEnvFile merges KEY=VALUE pairs from a .env file over the config file
// layer. A missing file is ignored unless required is set.
func MergeEnvFile(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read env file: %w", err)
	}

	ev := viper.New()
	ev.SetConfigFile(path)
	ev.SetConfigType("env")
	if err := ev.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to parse env file %s: %w", path, err)
	}
	return v.MergeConfigMap(ev.AllSettings())
}

// Load resolves Settings from v. Environment variables are consulted for
// every key.
func Load(v *viper.Viper) (*Settings, error) {
	v.AutomaticEnv()

	readyTimeout, err := duration(v, KeyReadyTimeout)
	if err != nil {
		return nil, err
	}
	pollInterval, err := duration(v, KeyPollInterval)
	if err != nil {
		return nil, err
	}

	return &Settings{
		APIKey:             strings.TrimSpace(v.GetString(KeyAPIKey)),
		MinVRAMGB:          v.GetInt(KeyMinVRAMGB),
		MaxCostPerHour:     v.GetFloat64(KeyMaxCostPerHour),
		DockerImage:        v.GetString(KeyDockerImage),
		ContainerDiskGB:    v.GetInt(KeyContainerDiskGB),
		SpotMaxCostPerHour: v.GetFloat64(KeySpotMaxCostPerHour),
		SpotClampAbove:     v.GetFloat64(KeySpotClampAbove),
		SSHKeyPath:         v.GetString(KeySSHKeyPath),
		SSHUser:            v.GetString(KeySSHUser),
		ReadyTimeout:       readyTimeout,
		PollInterval:       pollInterval,
		RedisAddr:          v.GetString(KeyRedisAddr),
		RedisDB:            v.GetInt(KeyRedisDB),
		RedisPassword:      v.GetString(KeyRedisPassword),
	}, nil
}

// duration accepts Go durations ("90s", "10m") and bare numbers of seconds
func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.Get(key)
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("invalid %s %q: expected a duration like 10m", strings.ToUpper(key), s)
	}
	return v.GetDuration(key), nil
}

// Validate reports every invalid setting
func (s *Settings) Validate() error {
	var errs []error
	switch {
	case s.APIKey == "":
		errs = append(errs, errors.New("RUNPOD_API_KEY is required"))
	case !strings.HasPrefix(s.APIKey, APIKeyPrefix):
		errs = append(errs, fmt.Errorf("RUNPOD_API_KEY should start with '%s', check your API key", APIKeyPrefix))
	}
	if s.MinVRAMGB < 1 {
		errs = append(errs, errors.New("MIN_VRAM_GB must be at least 1"))
	}
	if s.MaxCostPerHour <= 0 {
		errs = append(errs, errors.New("MAX_COST_PER_HOUR must be greater than 0"))
	}
	if s.ContainerDiskGB < 10 {
		errs = append(errs, errors.New("CONTAINER_DISK_GB must be at least 10 GB"))
	}
	if s.SpotMaxCostPerHour <= 0 {
		errs = append(errs, errors.New("SPOT_MAX_COST_PER_HOUR must be greater than 0"))
	}
	return utilerrors.NewAggregate(errs)
}

// MaskedAPIKey returns the key with everything but the prefix and the last
// four characters hidden
func (s *Settings) MaskedAPIKey() string {
	if len(s.APIKey) <= len(APIKeyPrefix)+4 {
		return strings.Repeat("*", len(s.APIKey))
	}
	return s.APIKey[:len(APIKeyPrefix)] + strings.Repeat("*", len(s.APIKey)-len(APIKeyPrefix)-4) + s.APIKey[len(s.APIKey)-4:]
}
