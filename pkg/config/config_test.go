package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cloudemu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, []resource.Provider{resource.AWS, resource.Azure, resource.GCP}, cfg.Providers.Enabled())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
data_dir: /var/lib/cloudemu
storage:
  mode: shared
  lock_timeout: 250ms
providers:
  azure:
    enabled: false
aws:
  region: eu-west-1
`)
	cfg, err := Load(Options{File: path})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/cloudemu", cfg.DataDir)
	assert.Equal(t, "shared", cfg.Storage.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Storage.LockTimeout)
	assert.False(t, cfg.Providers.Azure.Enabled)
	assert.Equal(t, DefaultAzurePort, cfg.Providers.Azure.Port)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "000000000000", cfg.AWS.AccountID, "untouched keys keep defaults")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "storage:\n  mode: shared\n")
	t.Setenv("CLOUDEMU_STORAGE_MODE", "isolated")
	t.Setenv("CLOUDEMU_SERVER_RATE_LIMIT_ENABLED", "true")
	t.Setenv("CLOUDEMU_LOG_LEVEL", "debug")

	cfg, err := Load(Options{File: path})
	require.NoError(t, err)
	assert.Equal(t, "isolated", cfg.Storage.Mode)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_FlatEnvAliases(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CLOUDEMU_AWS_PORT", "5566")
	t.Setenv("CLOUDEMU_ENABLE_GCP", "false")
	t.Setenv("CLOUDEMU_DATA_DIR", "/tmp/emu")
	t.Setenv("CLOUDEMU_HOST", "127.0.0.1")
	t.Setenv("CLOUDEMU_REGION", "ap-south-1")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, 5566, cfg.Providers.AWS.Port)
	assert.False(t, cfg.Providers.GCP.Enabled)
	assert.Equal(t, "/tmp/emu", cfg.DataDir)
	assert.Equal(t, "127.0.0.1", cfg.BindHost)
	assert.Equal(t, "ap-south-1", cfg.AWS.Region)
}

func TestLoad_StructuredEnvBeatsAlias(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CLOUDEMU_PROVIDERS_AWS_PORT", "6000")
	t.Setenv("CLOUDEMU_AWS_PORT", "5000")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Providers.AWS.Port)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CLOUDEMU_DATA_DIR", "/from/env")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.String("data_dir", "", "")
	fs.Int("aws-port", 0, "")
	fs.String("storage.mode", "isolated", "")
	require.NoError(t, fs.Parse([]string{"--data_dir=/from/flag", "--aws-port=7000"}))

	cfg, err := Load(Options{Flags: fs, FlagKeys: map[string]string{"aws-port": "providers.aws.port"}})
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.DataDir)
	assert.Equal(t, 7000, cfg.Providers.AWS.Port)
	assert.Equal(t, "isolated", cfg.Storage.Mode, "unchanged flags do not override")
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = Load(Options{File: writeFile(t, "storage: [unclosed")})
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		fields []string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "bad storage mode", mutate: func(c *Config) { c.Storage.Mode = "sharded" }, fields: []string{"storage.mode"}},
		{name: "bad compression", mutate: func(c *Config) { c.Storage.Compression = "gzip" }, fields: []string{"storage.compression"}},
		{name: "port out of range", mutate: func(c *Config) { c.Providers.GCP.Port = 70000 }, fields: []string{"providers.gcp.port"}},
		{name: "duplicate ports", mutate: func(c *Config) { c.Providers.Azure.Port = c.Providers.AWS.Port }, fields: []string{"providers.azure.port"}},
		{name: "duplicate port on disabled provider", mutate: func(c *Config) {
			c.Providers.Azure.Port = c.Providers.AWS.Port
			c.Providers.Azure.Enabled = false
		}},
		{name: "nothing enabled", mutate: func(c *Config) {
			c.Providers.AWS.Enabled, c.Providers.Azure.Enabled, c.Providers.GCP.Enabled = false, false, false
		}, fields: []string{"providers.enabled"}},
		{name: "short account id", mutate: func(c *Config) { c.AWS.AccountID = "123" }, fields: []string{"aws.account_id"}},
		{name: "missing data dir", mutate: func(c *Config) { c.DataDir = "" }, fields: []string{"data_dir"}},
		{name: "bad log level and format", mutate: func(c *Config) {
			c.Log.Level, c.Log.Format = "loud", "xml"
		}, fields: []string{"log.level", "log.format"}},
		{name: "zero lock timeout", mutate: func(c *Config) { c.Storage.LockTimeout = 0 }, fields: []string{"storage.lock_timeout"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs), "got %v", err)
			var fields []string
			for _, fe := range verrs {
				fields = append(fields, fe.Field)
			}
			assert.Equal(t, tt.fields, fields)
		})
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	out, err := Marshal(Default())
	require.NoError(t, err)

	var tree map[string]any
	require.NoError(t, yaml.Unmarshal(out, &tree))
	assert.Contains(t, tree, "providers")

	cfg, err := Load(Options{File: writeFile(t, string(out))})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
