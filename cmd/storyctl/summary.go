package main

import (
	"context"
	"fmt"
	"io"

	"story-graph-server/internal/service"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewSummaryCommand печатает итог завершенной истории.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "summary <story-id>",
		Short: "Show the end-of-story summary, generating it on first use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storyID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid story id: %w", err)
			}
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}

			engine, cleanup, err := buildEngine(cmd.Context(), cfg, componentLogger(rootOpts.Verbose))
			if err != nil {
				return err
			}
			defer cleanup()

			return runSummary(cmd.Context(), engine, userID, storyID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner id (uuid)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runSummary(ctx context.Context, engine service.StoryEngine, userID, storyID uuid.UUID, out io.Writer) error {
	summary, err := engine.GetSummary(ctx, userID, storyID)
	if err != nil {
		return fmt.Errorf("story summary: %w", err)
	}
	fmt.Fprintf(out, "Story %s (%s)\n\n", summary.StoryID, summary.Outcome)
	fmt.Fprintln(out, summary.Summary)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Key lessons:")
	for _, lesson := range summary.KeyLessons {
		fmt.Fprintf(out, "  - %s\n", lesson)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, summary.Encouragement)
	return nil
}
