// stripectl is the cluster maintenance tool: it inspects drive
// connectivity, scans the stored key set for redundancy damage, repairs it
// and wipes clusters.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stripefs/stripefs"
	"github.com/stripefs/stripefs/internal/cluster"
	"github.com/stripefs/stripefs/internal/config"
	"github.com/stripefs/stripefs/internal/drive"
	"github.com/stripefs/stripefs/internal/drive/s3drive"
	"github.com/stripefs/stripefs/pkg/types"
)

var (
	flagCluster    string
	flagRedundancy string
	flagMax        int
)

func main() {
	root := &cobra.Command{
		Use:           "stripectl",
		Short:         "maintenance tool for stripefs clusters",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagCluster, "cluster", "", "cluster id (required)")
	root.PersistentFlags().StringVar(&flagRedundancy, "redundancy", "erasure", "redundancy mode: erasure or replication")
	root.PersistentFlags().IntVar(&flagMax, "max", -1, "maximum number of keys to process")

	root.AddCommand(
		statusCommand(),
		scanCommand(),
		repairCommand(),
		resetCommand(),
		sizeCommand(),
	)

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func adminCluster(ctx context.Context) (*cluster.AdminCluster, error) {
	if flagCluster == "" {
		return nil, fmt.Errorf("--cluster is required")
	}
	redundancy, err := parseRedundancy(flagRedundancy)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	connector, err := buildConnector(ctx, cfg)
	if err != nil {
		return nil, err
	}
	runtime, err := stripefs.New(cfg, connector)
	if err != nil {
		return nil, err
	}
	return runtime.Clusters.GetAdminCluster(ctx, flagCluster, redundancy)
}

func buildConnector(ctx context.Context, cfg *config.Config) (drive.Connector, error) {
	if cfg.Tuning.S3.Bucket == "" {
		return nil, fmt.Errorf("no drive backend configured: set s3.bucket in the tuning file")
	}
	return s3drive.Dial(ctx, s3drive.Options{
		Bucket:   cfg.Tuning.S3.Bucket,
		Region:   cfg.Tuning.S3.Region,
		Endpoint: cfg.Tuning.S3.Endpoint,
	})
}

func parseRedundancy(name string) (types.RedundancyType, error) {
	switch name {
	case "erasure", "ec":
		return types.RedundancyErasure, nil
	case "replication", "repl":
		return types.RedundancyReplication, nil
	default:
		return 0, fmt.Errorf("unknown redundancy mode %q", name)
	}
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show per-drive connectivity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := adminCluster(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range admin.DriveStatus() {
				state := "unhealthy"
				if s.Healthy {
					state = "healthy"
				}
				fmt.Printf("%-24s %s\n", s.WWN, state)
			}
			return nil
		},
	}
}

func scanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "classify stored keys by stripe health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := adminCluster(cmd.Context())
			if err != nil {
				return err
			}
			attention, err := admin.Scan(cmd.Context(), flagMax)
			if err != nil {
				return err
			}
			printCounts(admin.Counts())
			fmt.Printf("keys needing attention: %d\n", attention)
			return nil
		},
	}
}

func repairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "restore full redundancy for damaged keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := adminCluster(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := admin.Repair(cmd.Context(), flagMax); err != nil {
				return err
			}
			printCounts(admin.Counts())
			return nil
		},
	}
}

func resetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "force-remove stored keys",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := adminCluster(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := admin.Reset(cmd.Context(), flagMax); err != nil {
				return err
			}
			printCounts(admin.Counts())
			return nil
		},
	}
}

func sizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "show aggregated cluster capacity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := adminCluster(cmd.Context())
			if err != nil {
				return err
			}
			size, status := admin.Size(cmd.Context())
			if !status.OK() {
				return fmt.Errorf("capacity aggregation: %s", status)
			}
			fmt.Printf("total: %d bytes\nfree:  %d bytes\n", size.BytesTotal, size.BytesFree)
			return nil
		},
	}
}

func printCounts(c types.KeyCounts) {
	fmt.Printf("total: %d  incomplete: %d  need-action: %d  repaired: %d  removed: %d  unrepairable: %d\n",
		c.Total, c.Incomplete, c.NeedAction, c.Repaired, c.Removed, c.Unrepairable)
}
