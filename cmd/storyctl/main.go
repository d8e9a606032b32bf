// Command storyctl управляет схемой БД и позволяет пройти историю из терминала.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	if err := NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("storyctl failed")
		os.Exit(1)
	}
}
