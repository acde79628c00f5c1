package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudemu/cloudemu/pkg/cli/internal/output"
	"github.com/cloudemu/cloudemu/pkg/config"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
	"github.com/cloudemu/cloudemu/pkg/storage/blobfs"
)

type resourcesFlags struct {
	providers []string
	service   string
	kind      string
	prefix    string
	limit     int
}

func newResourcesCmd(g *globals) *cobra.Command {
	f := &resourcesFlags{}
	cmd := &cobra.Command{
		Use:     "resources",
		Aliases: []string{"ls"},
		Short:   "List stored resources",
		Long: `List resources straight from the data directory, without a running
emulator. Records in transitional states are shown with their state.`,
		Example: `  # Everything stored for AWS
  cloudemu resources --provider aws

  # Objects of one GCS bucket
  cloudemu resources --provider gcp --service object-storage --prefix photos/

  # Machine-readable
  cloudemu resources --json --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			list, err := listResources(cmd.Context(), cfg, f)
			if err != nil {
				return err
			}
			if g.jsonOutput {
				return output.JSON(cmd.OutOrStdout(), list)
			}
			printResources(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&f.providers, "provider", "p", nil, "Provider to list (repeatable; default: every enabled provider)")
	cmd.Flags().StringVarP(&f.service, "service", "s", "", "Service type, e.g. object-storage or key-value")
	cmd.Flags().StringVar(&f.kind, "kind", "", "Resource kind, e.g. bucket or object")
	cmd.Flags().StringVar(&f.prefix, "prefix", "", "Only ids starting with this prefix")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 100, "Maximum resources per provider (0 = no limit)")
	return cmd
}

func (f *resourcesFlags) filter() (storage.Filter, []resource.Provider, error) {
	var providers []resource.Provider
	for _, name := range f.providers {
		p, err := resource.ParseProvider(name)
		if err != nil {
			return storage.Filter{}, nil, err
		}
		if !slices.Contains(providers, p) {
			providers = append(providers, p)
		}
	}
	filter := storage.Filter{Kind: f.kind, IDPrefix: f.prefix, Limit: f.limit}
	if f.service != "" {
		s, err := resource.ParseServiceType(f.service)
		if err != nil {
			return storage.Filter{}, nil, err
		}
		filter.Service = s
	}
	if f.limit < 0 {
		return storage.Filter{}, nil, fmt.Errorf("--limit must not be negative")
	}
	return filter, providers, nil
}

// listResources reads the stores of cfg directly. Opening a store creates
// its directory when missing; nothing else is written.
func listResources(ctx context.Context, cfg *config.Config, f *resourcesFlags) ([]*resource.Resource, error) {
	filter, providers, err := f.filter()
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		providers = cfg.Providers.Enabled()
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no provider selected")
	}

	mode, err := storage.ParseMode(cfg.Storage.Mode)
	if err != nil {
		return nil, err
	}
	compression, err := blobfs.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}
	set, err := storage.OpenSet(ctx, cfg.DataDir, mode, providers, storage.Config{
		Compression: compression,
		PoolSize:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage in %s: %w", cfg.DataDir, err)
	}
	defer func() { _ = set.Close() }()

	out := []*resource.Resource{}
	for _, p := range providers {
		pf := filter
		pf.Provider = p
		for r, err := range set.For(p).List(ctx, pf) {
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func printResources(w io.Writer, list []*resource.Resource) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No resources found")
		return
	}
	tw := output.Table(w)
	fmt.Fprintln(tw, "PROVIDER\tSERVICE\tKIND\tID\tSTATE\tSIZE\tUPDATED")
	for _, r := range list {
		size := "-"
		if r.Blob != nil {
			size = fmt.Sprint(r.Blob.Size)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Provider, r.Service, r.Kind, r.ID, r.State, size,
			r.UpdatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}
