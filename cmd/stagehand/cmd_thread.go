package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/stagehand/internal/store"
	"github.com/user/stagehand/internal/types"
)

func init() {
	rootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadListCmd, threadArchiveCmd)
}

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Manage conversation threads",
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st := store.NewFileStore(cfg.DataDir)
		ctx := context.Background()

		recs, err := st.Query(ctx, types.KindThread, nil, types.SortCreatedDesc)
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}

		if len(recs) == 0 {
			fmt.Println("No threads found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tTARGET\tTURNS\tTOKENS\tCREATED")
		for _, rec := range recs {
			thread, ok := rec.(*types.Thread)
			if !ok {
				continue
			}
			turns, err := st.Query(ctx, types.KindInteraction,
				types.Filter{"thread_id": thread.ID}, types.SortNone)
			if err != nil {
				turns = nil
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				thread.ID,
				thread.Status,
				thread.Agent,
				thread.ReplyTarget,
				len(turns),
				thread.Usage.TotalTokens,
				thread.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var threadArchiveCmd = &cobra.Command{
	Use:   "archive <id|all>",
	Short: "Archive a thread or all active threads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		st := store.NewFileStore(cfg.DataDir)
		ctx := context.Background()

		if args[0] == "all" {
			recs, err := st.Query(ctx, types.KindThread,
				types.Filter{"status": types.ThreadActive}, types.SortNone)
			if err != nil {
				return fmt.Errorf("list threads: %w", err)
			}
			for _, rec := range recs {
				thread := rec.(*types.Thread)
				thread.Status = types.ThreadArchived
				if err := st.Update(ctx, thread, "thread_archived"); err != nil {
					return fmt.Errorf("archive thread %s: %w", thread.ID, err)
				}
			}
			fmt.Fprintf(os.Stdout, "Archived %d thread(s).\n", len(recs))
			return nil
		}

		rec, err := st.Get(ctx, types.KindThread, args[0])
		if err != nil {
			return fmt.Errorf("thread not found: %s", args[0])
		}
		thread := rec.(*types.Thread)
		if thread.Status == types.ThreadArchived {
			fmt.Fprintf(os.Stdout, "Thread %s is already archived.\n", thread.ID)
			return nil
		}
		thread.Status = types.ThreadArchived
		if err := st.Update(ctx, thread, "thread_archived"); err != nil {
			return fmt.Errorf("archive thread: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Thread %s archived.\n", thread.ID)
		return nil
	},
}
