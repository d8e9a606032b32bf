package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"story-graph-server/internal/models"
	"story-graph-server/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type playOptions struct {
	topic      string
	difficulty string
	user       string
	memory     bool
}

// NewPlayCommand создает интерактивную команду прохождения истории.
func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &playOptions{}

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a story in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUser(opts.user)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts.memory)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, cleanup, err := buildEngine(ctx, cfg, componentLogger(rootOpts.Verbose))
			if err != nil {
				return err
			}
			defer cleanup()

			log.Info().Str("user", userID.String()).Str("storage", cfg.StorageDriver).Msg("starting story")
			return runPlay(ctx, engine, userID, opts.topic, models.Difficulty(opts.difficulty), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.topic, "topic", "", "story topic (required)")
	cmd.Flags().StringVar(&opts.difficulty, "difficulty", string(models.DifficultyEasy), "easy|medium|hard")
	cmd.Flags().StringVar(&opts.user, "user", "", "player id (uuid, random if empty)")
	cmd.Flags().BoolVar(&opts.memory, "memory", false, "keep the story in memory instead of PostgreSQL")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

// runPlay ведет диалог: показывает узел, читает id выбора, повторяет до концовки.
// "q" или конец ввода завершают игру, история остается сохраненной.
func runPlay(ctx context.Context, engine service.StoryEngine, userID uuid.UUID, topic string, difficulty models.Difficulty, in io.Reader, out io.Writer) error {
	started, err := engine.StartStory(ctx, userID, topic, difficulty)
	if err != nil {
		return fmt.Errorf("start story: %w", err)
	}
	story := started.Story
	node := started.RootNode
	fmt.Fprintf(out, "Story %s (%s, %s)\n\n", story.ID, story.Topic, story.Difficulty)

	scanner := bufio.NewScanner(in)
	for {
		printNode(out, node)
		if node.IsEnding || len(node.Choices) == 0 {
			break
		}

		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintf(out, "\nStory %s saved.\n", story.ID)
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "q" {
			fmt.Fprintf(out, "Story %s saved.\n", story.ID)
			return nil
		}
		if node.FindChoice(input) == nil {
			fmt.Fprintf(out, "Unknown choice %q\n\n", input)
			continue
		}

		res, err := engine.ResolveChoice(ctx, service.ResolveChoiceInput{
			UserID:        userID,
			StoryID:       story.ID,
			CurrentNodeID: node.ID,
			ChoiceID:      input,
		})
		switch {
		case errors.Is(err, models.ErrInvalidContent), errors.Is(err, models.ErrGenerationFailed):
			fmt.Fprintln(out, "The storyteller stumbled, try again.")
			fmt.Fprintln(out)
			continue
		case err != nil:
			return fmt.Errorf("resolve choice: %w", err)
		}
		node = res.Node
		if res.Story != nil {
			story = res.Story
		}
		fmt.Fprintln(out)
	}

	if node.IsWinningEnding {
		fmt.Fprintln(out, "*** You won! ***")
	} else {
		fmt.Fprintln(out, "*** The story is over. ***")
	}
	return nil
}

func printNode(out io.Writer, node *models.StoryNode) {
	fmt.Fprintln(out, node.Content)
	if len(node.Choices) > 0 {
		fmt.Fprintln(out)
	}
	for _, c := range node.Choices {
		fmt.Fprintf(out, "  [%s] %s\n", c.ID, c.Text)
	}
}

func parseUser(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --user: %w", err)
	}
	return id, nil
}
