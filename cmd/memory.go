package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentcore/internal/config"
	"github.com/nextlevelbuilder/agentcore/internal/memory"
	"github.com/nextlevelbuilder/agentcore/internal/store"
)

// memory.Manager is the admin-facing façade over task memory (see
// DESIGN.md's internal/memory entry) — the Agent Loop and the
// memory_search tool talk to store.MemoryRepo directly on the hot
// path, so this CLI surface is the one place the Manager itself gets
// exercised.
func init() {
	rootCmd.AddCommand(memoryCmd())
}

func openMemoryManager(ctx context.Context) (*memory.Manager, store.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return memory.NewManager(store.NewMemoryRepo(db)), db, nil
}

func memoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage recorded task memory",
	}
	cmd.AddCommand(memoryListCmd())
	cmd.AddCommand(memoryClearCmd())
	return cmd
}

func memoryListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent task memory across all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			mgr, db, err := openMemoryManager(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			mems, err := mgr.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if len(mems) == 0 {
				fmt.Println("no task memory recorded")
				return nil
			}
			for _, m := range mems {
				fmt.Printf("[%s] %s: %s (%s)\n", m.CreatedAt.Format("2006-01-02 15:04"), m.SessionID, m.TaskSummary, m.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries to show")
	return cmd
}

func memoryClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all recorded task memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			mgr, db, err := openMemoryManager(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := mgr.ClearAll(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("cleared %d entries\n", n)
			return nil
		},
	}
}
