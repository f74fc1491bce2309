package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinVRAMGB, s.MinVRAMGB)
	assert.InDelta(t, DefaultMaxCostPerHour, s.MaxCostPerHour, 1e-9)
	assert.Equal(t, DefaultDockerImage, s.DockerImage)
	assert.Equal(t, DefaultContainerDiskGB, s.ContainerDiskGB)
	assert.InDelta(t, 0.30, s.SpotMaxCostPerHour, 1e-9)
	assert.InDelta(t, 0.50, s.SpotClampAbove, 1e-9)
	assert.Equal(t, "root", s.SSHUser)
	assert.Equal(t, 10*time.Minute, s.ReadyTimeout)
	assert.Equal(t, 5*time.Second, s.PollInterval)
	assert.Empty(t, s.RedisAddr)
}

func TestLoad_EnvFileOverridesConfigFile(t *testing.T) {
	yaml := writeFile(t, "podlink.yaml", "min_vram_gb: 24\ndocker_image: from/yaml:1\nmax_cost_per_hour: 0.8\n")
	env := writeFile(t, ".env", "# comment\nRUNPOD_API_KEY=rpa_fromfile\nMIN_VRAM_GB=48\nREADY_TIMEOUT=90\n")

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(yaml)
	require.NoError(t, v.ReadInConfig())
	require.NoError(t, MergeEnvFile(v, env, true))

	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "rpa_fromfile", s.APIKey)
	assert.Equal(t, 48, s.MinVRAMGB)
	assert.Equal(t, "from/yaml:1", s.DockerImage)
	assert.InDelta(t, 0.8, s.MaxCostPerHour, 1e-9)
	assert.Equal(t, 90*time.Second, s.ReadyTimeout)
}

func TestLoad_EnvironmentOverridesEnvFile(t *testing.T) {
	env := writeFile(t, ".env", "MIN_VRAM_GB=48\nPOLL_INTERVAL=2s\n")
	t.Setenv("MIN_VRAM_GB", "80")

	v := viper.New()
	SetDefaults(v)
	require.NoError(t, MergeEnvFile(v, env, true))

	s, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 80, s.MinVRAMGB)
	assert.Equal(t, 2*time.Second, s.PollInterval)
}

func TestLoad_InvalidDuration(t *testing.T) {
	for _, value := range []string{"soon", "5minutes", "10 m", "-5"} {
		t.Run(value, func(t *testing.T) {
			t.Setenv("READY_TIMEOUT", value)
			v := viper.New()
			SetDefaults(v)

			_, err := Load(v)
			assert.ErrorContains(t, err, "READY_TIMEOUT")
		})
	}
}

func TestLoad_DurationForms(t *testing.T) {
	tests := map[string]time.Duration{
		"90":   90 * time.Second,
		"1.5":  1500 * time.Millisecond,
		"2m":   2 * time.Minute,
		" 45s": 45 * time.Second,
	}
	for value, want := range tests {
		t.Run(value, func(t *testing.T) {
			t.Setenv("POLL_INTERVAL", value)
			v := viper.New()
			SetDefaults(v)

			s, err := Load(v)
			require.NoError(t, err)
			assert.Equal(t, want, s.PollInterval)
		})
	}
}

func TestMergeEnvFile_Missing(t *testing.T) {
	v := viper.New()
	missing := filepath.Join(t.TempDir(), ".env")
	assert.NoError(t, MergeEnvFile(v, missing, false))
	assert.Error(t, MergeEnvFile(v, missing, true))
}

func validSettings() *Settings {
	return &Settings{
		APIKey:             "rpa_ABCDEFGH1234",
		MinVRAMGB:          16,
		MaxCostPerHour:     1.0,
		ContainerDiskGB:    50,
		SpotMaxCostPerHour: 0.3,
	}
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"valid", func(*Settings) {}, ""},
		{"missing key", func(s *Settings) { s.APIKey = "" }, "RUNPOD_API_KEY is required"},
		{"wrong prefix", func(s *Settings) { s.APIKey = "sk_123" }, "should start with 'rpa_'"},
		{"vram", func(s *Settings) { s.MinVRAMGB = 0 }, "MIN_VRAM_GB must be at least 1"},
		{"cost", func(s *Settings) { s.MaxCostPerHour = 0 }, "MAX_COST_PER_HOUR must be greater than 0"},
		{"disk", func(s *Settings) { s.ContainerDiskGB = 9 }, "CONTAINER_DISK_GB must be at least 10 GB"},
		{"spot ceiling", func(s *Settings) { s.SpotMaxCostPerHour = -1 }, "SPOT_MAX_COST_PER_HOUR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSettings_ValidateReportsEverything(t *testing.T) {
	s := &Settings{SpotMaxCostPerHour: 0.3}
	err := s.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RUNPOD_API_KEY")
	assert.Contains(t, err.Error(), "MIN_VRAM_GB")
	assert.Contains(t, err.Error(), "CONTAINER_DISK_GB")
}

func TestSettings_MaskedAPIKey(t *testing.T) {
	assert.Equal(t, "rpa_********1234", validSettings().MaskedAPIKey())
	assert.Equal(t, "***", (&Settings{APIKey: "abc"}).MaskedAPIKey())
}
