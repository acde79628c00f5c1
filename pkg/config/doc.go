// Package config defines the emulator's configuration and loads it.
//
// Values are layered, later sources winning:
//
//   - built-in defaults (Default)
//   - an optional YAML file (--config, or ./cloudemu.yaml)
//   - CLOUDEMU_* environment variables, e.g. CLOUDEMU_STORAGE_MODE
//   - command-line flags bound by the caller
//
// The flat variables of earlier releases (CLOUDEMU_AWS_PORT,
// CLOUDEMU_ENABLE_AWS, CLOUDEMU_DATA_DIR, ...) are still honored.
//
// A loaded Config is validated before use:
//
//	cfg, err := config.Load(config.Options{File: path})
//	if err != nil {
//	    return err
//	}
package config
