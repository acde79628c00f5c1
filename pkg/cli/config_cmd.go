package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cloudemu/cloudemu/pkg/cli/internal/output"
	"github.com/cloudemu/cloudemu/pkg/config"
)

func newConfigCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration serve would use after layering defaults, the
YAML file, CLOUDEMU_* environment variables and flags. The output is valid
input for --config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			raw, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				// Re-read the YAML so JSON keys match the file format.
				var tree map[string]any
				if err := yaml.Unmarshal(raw, &tree); err != nil {
					return err
				}
				return output.JSON(cmd.OutOrStdout(), tree)
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
}
