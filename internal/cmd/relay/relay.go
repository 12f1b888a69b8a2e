// Package relay is the server relay sub-command: websocket collab endpoint
// plus the optional Redis replication bridge.
package relay

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/freemannotes/notesync/internal/bridge"
	"github.com/freemannotes/notesync/internal/config"
	"github.com/freemannotes/notesync/internal/crdt"
	relayserver "github.com/freemannotes/notesync/internal/relay"
)

// Command returns the relay sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "relay",
		Usage: "Run the collaboration relay server",
		Flags: flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "port",
			Sources:     cli.EnvVars("NOTESYNC_RELAY_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "Relay HTTP server port",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Sources:     cli.EnvVars("NOTESYNC_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis URL for cross-instance replication",
		},
		&cli.BoolFlag{
			Name:        "redis-pubsub",
			Sources:     cli.EnvVars("NOTESYNC_REDIS_PUBSUB_ENABLED"),
			Destination: &cfg.RedisPubSubEnabled,
			Usage:       "Enable the Redis replication bridge",
		},
		&cli.DurationFlag{
			Name:        "drain-timeout",
			Sources:     cli.EnvVars("NOTESYNC_DRAIN_TIMEOUT"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	br := bridge.Disabled()
	if cfg.RedisPubSubEnabled && cfg.RedisURL != "" {
		var err error
		br, err = bridge.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		log.Info("Replication bridge enabled", "instanceId", br.InstanceID())
	} else {
		log.Info("Replication bridge disabled; running single-instance")
	}

	srv := relayserver.New(&cfg, br, func() crdt.Doc { return crdt.NewUnionDoc() })
	err := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if berr := br.Shutdown(shutdownCtx); berr != nil {
		log.Error("Bridge shutdown error", "err", berr)
	}
	return err
}
