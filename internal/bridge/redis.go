package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	goredis "github.com/redis/go-redis/v9"
)

// redisTransport uses separate publish and subscribe connections; a client
// in subscriber mode cannot issue regular commands.
type redisTransport struct {
	pub  *goredis.Client
	sub  *goredis.Client
	psub *goredis.PubSub

	msgs      chan Inbound
	closeOnce sync.Once
}

func newRedisTransport(ctx context.Context, redisURL string) (*redisTransport, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("bridge: invalid redis URL: %w", err)
	}
	pub := goredis.NewClient(opts)
	if err := pub.Ping(ctx).Err(); err != nil {
		pub.Close()
		return nil, fmt.Errorf("bridge: redis ping failed: %w", err)
	}
	sub := goredis.NewClient(opts)
	psub := sub.PSubscribe(ctx, Pattern)
	if _, err := psub.Receive(ctx); err != nil {
		psub.Close()
		sub.Close()
		pub.Close()
		return nil, fmt.Errorf("bridge: pattern subscribe failed: %w", err)
	}

	t := &redisTransport{
		pub:  pub,
		sub:  sub,
		psub: psub,
		msgs: make(chan Inbound, 256),
	}
	go t.pump()
	return t, nil
}

func (t *redisTransport) pump() {
	defer close(t.msgs)
	for msg := range t.psub.Channel() {
		select {
		case t.msgs <- Inbound{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		default:
			log.Warn("Bridge inbound buffer full, dropping message", "channel", msg.Channel)
		}
	}
}

func (t *redisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.pub.Publish(ctx, channel, payload).Err()
}

func (t *redisTransport) Messages() <-chan Inbound { return t.msgs }

func (t *redisTransport) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		if cerr := t.psub.Close(); cerr != nil {
			err = cerr
		}
		if cerr := t.sub.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := t.pub.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
