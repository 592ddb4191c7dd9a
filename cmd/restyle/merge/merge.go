package mergecmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quietloudlab/designmewithme/cmd/restyle/sqlitepath"
	"github.com/quietloudlab/designmewithme/pkg/merkle"
)

const mergeLongDesc string = `Merge one or more thread-history databases into a target.

Every conversation turn is a content-addressed node, so merging is a
plain union: nodes already present in the target are skipped.

Examples:
  restyle merge laptop.db desktop.db
  restyle merge --sqlite /tmp/all.db ~/alice/restyle.db ~/bob/restyle.db`

const mergeShortDesc string = "Merge thread-history databases"

type mergeCommander struct {
	sqlitePath string
}

func NewMergeCmd() *cobra.Command {
	cmder := &mergeCommander{}

	cmd := &cobra.Command{
		Use:   "merge [sources...]",
		Short: mergeShortDesc,
		Long:  mergeLongDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to target SQLite database")

	return cmd
}

func (c *mergeCommander) run(ctx context.Context, cmd *cobra.Command, sources []string) error {
	targetPath, err := sqlitepath.ResolveSQLitePath(c.sqlitePath)
	if err != nil {
		return fmt.Errorf("could not resolve target database: %w", err)
	}

	target, err := merkle.NewSQLiteStorer(targetPath)
	if err != nil {
		return fmt.Errorf("could not open target database %s: %w", targetPath, err)
	}
	defer target.Close()

	var totalNew, totalDuped int

	for _, srcPath := range sources {
		srcNew, srcDuped, err := mergeFrom(ctx, target, srcPath)
		if err != nil {
			return err
		}

		totalNew += srcNew
		totalDuped += srcDuped

		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d new, %d already existed\n", srcPath, srcNew, srcDuped)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Merged %d new nodes from %d sources (%d already existed) into %s\n",
		totalNew, len(sources), totalDuped, targetPath)

	return nil
}

func mergeFrom(ctx context.Context, target merkle.Storer, srcPath string) (int, int, error) {
	source, err := merkle.NewSQLiteStorer(srcPath)
	if err != nil {
		return 0, 0, fmt.Errorf("could not open source database %s: %w", srcPath, err)
	}
	defer source.Close()

	nodes, err := source.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("could not list nodes from %s: %w", srcPath, err)
	}

	var added, duped int
	for _, n := range nodes {
		exists, err := target.Has(ctx, n.Hash)
		if err != nil {
			return 0, 0, fmt.Errorf("could not check node %s: %w", n.Hash, err)
		}
		if exists {
			duped++
			continue
		}
		if err := target.Put(ctx, n); err != nil {
			return 0, 0, fmt.Errorf("could not put node %s: %w", n.Hash, err)
		}
		added++
	}
	return added, duped, nil
}
