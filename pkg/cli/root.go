// Package cli implements the cloudemu command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cloudemu/cloudemu/pkg/config"
)

var (
	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"data-dir":      "data_dir",
	"host":          "bind_host",
	"storage-mode":  "storage.mode",
	"compression":   "storage.compression",
	"aws-port":      "providers.aws.port",
	"azure-port":    "providers.azure.port",
	"gcp-port":      "providers.gcp.port",
	"enable-aws":    "providers.aws.enabled",
	"enable-azure":  "providers.azure.enabled",
	"enable-gcp":    "providers.gcp.enabled",
	"region":        "aws.region",
	"account-id":    "aws.account_id",
	"azure-account": "azure.account",
	"project":       "gcp.project",
	"rate-limit":    "server.rate_limit.enabled",
	"log-level":     "log.level",
	"log-format":    "log.format",
}

// globals are the persistent flags shared by every command.
type globals struct {
	configFile string
	jsonOutput bool
}

// NewRootCmd builds the cloudemu command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "cloudemu",
		Short: "cloudemu emulates AWS, Azure and GCP services locally",
		Long: `cloudemu serves local emulations of AWS, Azure and GCP services on one
port per provider, backed by a single on-disk storage engine.

Configuration is layered: built-in defaults, then a YAML file (--config or
./cloudemu.yaml), then CLOUDEMU_* environment variables, then flags.`,
		// No Run function here means 'cloudemu' with no args prints help.
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configFile, "config", "c", "", "Path to a YAML configuration file")
	pf.BoolVar(&g.jsonOutput, "json", false, "Output command results in JSON format")
	addConfigFlags(pf)

	root.AddCommand(
		newServeCmd(g),
		newConfigCmd(g),
		newResourcesCmd(g),
		newVersionCmd(g),
	)
	return root
}

// addConfigFlags registers the flags that override configuration keys.
// Their defaults mirror config.Default so help output is accurate; only
// flags the user sets take effect.
func addConfigFlags(fs *pflag.FlagSet) {
	d := config.Default()
	fs.String("data-dir", d.DataDir, "Directory holding metadata and blobs")
	fs.String("host", d.BindHost, "Address the provider listeners bind to")
	fs.String("storage-mode", d.Storage.Mode, "Storage layout (isolated, shared)")
	fs.String("compression", d.Storage.Compression, "Blob compression at rest (none, zstd, lz4)")
	fs.Int("aws-port", d.Providers.AWS.Port, "AWS listener port")
	fs.Int("azure-port", d.Providers.Azure.Port, "Azure listener port")
	fs.Int("gcp-port", d.Providers.GCP.Port, "GCP listener port")
	fs.Bool("enable-aws", d.Providers.AWS.Enabled, "Serve AWS services")
	fs.Bool("enable-azure", d.Providers.Azure.Enabled, "Serve Azure services")
	fs.Bool("enable-gcp", d.Providers.GCP.Enabled, "Serve GCP services")
	fs.String("region", d.AWS.Region, "AWS region reported to clients")
	fs.String("account-id", d.AWS.AccountID, "AWS account id reported to clients")
	fs.String("azure-account", d.Azure.Account, "Default Azure storage account")
	fs.String("project", d.GCP.Project, "Default GCP project")
	fs.Bool("rate-limit", d.Server.RateLimit.Enabled, "Enable per-client rate limiting")
	fs.String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	fs.String("log-format", d.Log.Format, "Log format (text, json)")
}

// loadConfig resolves the effective configuration for cmd.
func loadConfig(cmd *cobra.Command, g *globals) (*config.Config, error) {
	return config.Load(config.Options{
		File:     g.configFile,
		Flags:    cmd.Flags(),
		FlagKeys: flagKeys,
	})
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
