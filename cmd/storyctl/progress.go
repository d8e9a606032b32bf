package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewProgressCommand печатает прогресс истории в JSON.
func NewProgressCommand(rootOpts *RootOptions) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "progress <story-id>",
		Short: "Show the progress of a stored story",
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

			progress, err := engine.GetProgress(cmd.Context(), userID, storyID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(progress)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "owner id (uuid)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
