package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/freemannotes/notesync/internal/cmd/agent"
	"github.com/freemannotes/notesync/internal/cmd/migrate"
	"github.com/freemannotes/notesync/internal/cmd/relay"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "notesync",
		Usage: "Local-first sync core and collaboration relay for notes",
		Commands: []*cli.Command{
			agent.Command(),
			relay.Command(),
			migrate.Command(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
