package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "CLOUDEMU"

// DefaultFile is looked up in the working directory when no file is named.
const DefaultFile = "cloudemu.yaml"

// Common errors for configuration loading.
var (
	ErrFileNotFound = errors.New("configuration file not found")
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
)

// aliases maps keys to the flat environment variables of earlier releases.
// The structured CLOUDEMU_<KEY> form is always checked first.
var aliases = map[string][]string{
	"bind_host":               {"CLOUDEMU_HOST"},
	"providers.aws.port":      {"CLOUDEMU_AWS_PORT"},
	"providers.azure.port":    {"CLOUDEMU_AZURE_PORT"},
	"providers.gcp.port":      {"CLOUDEMU_GCP_PORT"},
	"providers.aws.enabled":   {"CLOUDEMU_ENABLE_AWS"},
	"providers.azure.enabled": {"CLOUDEMU_ENABLE_AZURE"},
	"providers.gcp.enabled":   {"CLOUDEMU_ENABLE_GCP"},
	"aws.region":              {"CLOUDEMU_REGION"},
	"aws.account_id":          {"CLOUDEMU_ACCOUNT_ID"},
}

// Options controls Load.
type Options struct {
	// File names a YAML file. It must exist when set. When empty,
	// DefaultFile is read if present.
	File string

	// Flags are bound by their key names ("storage.mode"). Only flags the
	// user changed override lower layers.
	Flags *pflag.FlagSet

	// FlagKeys maps flag names to keys for flags whose name differs from
	// the key ("port-aws" -> "providers.aws.port").
	FlagKeys map[string]string
}

// Load layers defaults, the config file, the environment and flags, and
// validates the result.
func Load(opts Options) (*Config, error) {
	v, err := NewViper(opts)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// NewViper returns a viper instance with every layer of opts applied.
func NewViper(opts Options) (*viper.Viper, error) {
	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range aliases {
		structured := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, structured}, names...)...); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if err := readFile(v, opts.File); err != nil {
		return nil, err
	}

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			key := f.Name
			if k, ok := opts.FlagKeys[f.Name]; ok {
				key = k
			}
			if !v.IsSet(key) {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("config: bind flags: %w", bindErr)
		}
	}
	return v, nil
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(v *viper.Viper, file string) error {
	v.SetConfigType("yaml")
	if file == "" {
		if _, err := os.Stat(DefaultFile); err != nil {
			return nil
		}
		file = DefaultFile
	} else if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, file)
		}
		return fmt.Errorf("config: stat %s: %w", file, err)
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		var parseErr viper.ConfigParseError
		if errors.As(err, &parseErr) {
			return fmt.Errorf("%w in %s: %v", ErrInvalidYAML, filepath.Base(file), err)
		}
		return fmt.Errorf("config: read %s: %w", file, err)
	}
	return nil
}

// setDefaults registers every leaf of d as a viper default. Registering
// the keys is what lets AutomaticEnv reach them during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) error {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("config: encode defaults: %w", err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("config: decode defaults: %w", err)
	}
	for key, value := range flatten("", tree) {
		v.SetDefault(key, value)
	}
	return nil
}

func flatten(prefix string, tree map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			for sk, sv := range flatten(key, sub) {
				out[sk] = sv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return out, nil
}
