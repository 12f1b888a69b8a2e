// Package agent runs the client-side sync core: the durable outbox and
// upload queues plus the orchestrator that drains them on a timer.
package agent

import (
	"context"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/freemannotes/notesync/internal/config"
	"github.com/freemannotes/notesync/internal/events"
	"github.com/freemannotes/notesync/internal/outbox"
	"github.com/freemannotes/notesync/internal/store"
	"github.com/freemannotes/notesync/internal/syncengine"
	"github.com/freemannotes/notesync/internal/uploads"
)

// Command returns the agent sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "agent",
		Usage: "Run the local sync agent (outbox and upload queue drain)",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "db",
			Sources:     cli.EnvVars("NOTESYNC_DB_PATH"),
			Destination: &cfg.DBPath,
			Value:       cfg.DBPath,
			Usage:       "Path to the local SQLite database",
		},
		&cli.StringFlag{
			Name:        "api-base-url",
			Sources:     cli.EnvVars("NOTESYNC_API_BASE_URL"),
			Destination: &cfg.APIBaseURL,
			Value:       cfg.APIBaseURL,
			Usage:       "Base URL of the notes REST API",
		},
		&cli.DurationFlag{
			Name:        "sync-interval",
			Sources:     cli.EnvVars("NOTESYNC_SYNC_INTERVAL"),
			Destination: &cfg.SyncInterval,
			Value:       cfg.SyncInterval,
			Usage:       "Interval between periodic sync cycles",
		},
		&cli.StringFlag{
			Name:        "mode",
			Sources:     cli.EnvVars("NOTESYNC_MODE"),
			Destination: &cfg.Mode,
			Value:       cfg.Mode,
			Usage:       "Run mode: prod or testing",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log.Info("Starting sync agent", "db", cfg.DBPath, "api", cfg.APIBaseURL, "interval", cfg.SyncInterval)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	bus := events.NewBus()
	defer bus.Stop()

	up := uploads.New(st, bus, cfg.APIBaseURL, nil)
	ob := outbox.New(st, bus, up, cfg.APIBaseURL, nil)

	engine := syncengine.New(syncengine.Options{
		Outbox:        ob,
		Uploads:       up,
		TokenSupplier: func() string { return os.Getenv("NOTESYNC_API_TOKEN") },
		Online:        func() bool { return online(cfg.APIBaseURL) },
		Interval:      cfg.SyncInterval,
	})

	go logBusEvents(bus)

	engine.Start(ctx)
	<-ctx.Done()
	log.Info("Shutting down sync agent...")
	engine.Stop()
	return nil
}

// online probes reachability of the API host. The flush itself still handles
// transient failures; this only short-circuits obviously offline cycles.
func online(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return false
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.Dial("tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func logBusEvents(bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()
	for ev := range ch {
		switch ev.Kind {
		case events.KindNoteReconciled:
			log.Info("Note reconciled", "opId", ev.OpID, "tempClientNoteId", ev.TempClientNoteID)
		case events.KindMutationRetry:
			log.Warn("Mutation retry scheduled", "opId", ev.OpID, "attempt", ev.Attempt, "nextDelay", ev.NextDelay, "err", ev.Err)
		case events.KindMutationDropped:
			log.Error("Mutation dropped", "opId", ev.OpID, "err", ev.Err)
		case events.KindUploadSuccess:
			log.Info("Upload completed", "opId", ev.OpID, "noteId", ev.NoteID)
		case events.KindUploadFailure:
			log.Warn("Upload retry scheduled", "opId", ev.OpID, "noteId", ev.NoteID, "attempt", ev.Attempt, "err", ev.Err)
		}
	}
}
