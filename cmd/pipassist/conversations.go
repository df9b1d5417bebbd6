package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chenpipi0807/PIP-Assistant/internal/config"
	"github.com/chenpipi0807/PIP-Assistant/internal/conversation"
	"github.com/chenpipi0807/PIP-Assistant/internal/runtime"
)

// openStore opens the configured snapshot store without starting a server.
func openStore(ctx context.Context) (config.Config, *conversation.Store, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	backend, closer, err := runtime.OpenBackend(ctx, cfg.Store)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	store := conversation.Open(ctx, backend, conversation.WithLogger(logger))
	cleanup := func() {
		if closer != nil {
			_ = closer.Close()
		}
	}
	return cfg, store, cleanup, nil
}

func newSweepCmd() *cobra.Command {
	var (
		maxAge   time.Duration
		maxCount int
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Apply the retention policy once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, cleanup, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			policy := conversation.RetentionPolicy{
				MaxAge:   cfg.Retention.MaxAge.Std(),
				MaxCount: cfg.Retention.MaxCount,
			}
			if cmd.Flags().Changed("max-age") {
				policy.MaxAge = maxAge
			}
			if cmd.Flags().Changed("max-count") {
				policy.MaxCount = maxCount
			}
			janitor, err := conversation.NewJanitor(store, policy, cfg.Retention.Schedule, nil)
			if err != nil {
				return err
			}
			removed := janitor.RunOnce(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d conversations, %d remain\n", len(removed), store.Len())
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Remove conversations not updated within this duration")
	cmd.Flags().IntVar(&maxCount, "max-count", 0, "Keep at most this many conversations")

	return cmd
}

func newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect and manage stored conversations",
	}
	cmd.AddCommand(newConversationsListCmd())
	cmd.AddCommand(newConversationsShowCmd())
	cmd.AddCommand(newConversationsDeleteCmd())
	return cmd
}

func newConversationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, cleanup, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return printList(cmd.OutOrStdout(), store.List(cmd.Context()))
		},
	}
}

func printList(out io.Writer, list []*conversation.Conversation) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMESSAGES\tUPDATED\tTITLE")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", c.ID, len(c.Messages), c.UpdatedAt.Format(time.RFC3339), c.Title())
	}
	return tw.Flush()
}

func newConversationsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a conversation as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, cleanup, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			c, ok := store.Get(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("conversation %q not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(c)
		},
	}
}

func newConversationsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete conversations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, cleanup, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			for _, id := range args {
				if err := store.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("deleting %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}
