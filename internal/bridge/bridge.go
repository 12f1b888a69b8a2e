// Package bridge replicates collaborative document updates across server
// instances over Redis pub/sub. Delivery is at-least-once with no ordering
// guarantee and no deduplication; correctness rests on the document merge
// being commutative and idempotent.
package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/freemannotes/notesync/internal/crdt"
	"github.com/freemannotes/notesync/internal/metrics"
)

const (
	// ChannelPrefix namespaces one pub/sub channel per document.
	ChannelPrefix = "yjs:doc:"
	// Pattern is the single pattern subscription covering all documents.
	Pattern = ChannelPrefix + "*"
	// Origin is the sentinel tagged onto applied inbound updates, so the
	// publish listener never re-publishes them.
	Origin = "redis-bridge"
)

// Channel returns the pub/sub channel for a document.
func Channel(docID string) string { return ChannelPrefix + docID }

// Message is the wire format exchanged between instances.
type Message struct {
	InstanceID string `json:"instanceId"`
	DocID      string `json:"docId"`
	Update     string `json:"update"`
	TS         int64  `json:"ts"`
}

// Inbound is one raw pub/sub delivery.
type Inbound struct {
	Channel string
	Payload []byte
}

// Transport abstracts the pub/sub fabric so the bridge is testable without a
// Redis server.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Messages() <-chan Inbound
	Close(ctx context.Context) error
}

type registration struct {
	doc         crdt.Doc
	unsubscribe func()
}

// Bridge connects locally registered documents to the replication channel.
// A disabled bridge is valid and turns every operation into a no-op.
type Bridge struct {
	enabled    bool
	instanceID string
	transport  Transport

	mu   sync.Mutex
	docs map[string]*registration

	done     chan struct{}
	stopOnce sync.Once
}

// Disabled returns a bridge whose operations are all no-ops. Documents stay
// correct through in-process fan-out; only cross-instance convergence is
// lost.
func Disabled() *Bridge {
	return &Bridge{docs: make(map[string]*registration), done: make(chan struct{})}
}

// New builds an enabled bridge on the given transport and starts its receive
// loop.
func New(tr Transport) *Bridge {
	b := &Bridge{
		enabled:    true,
		instanceID: newInstanceID(),
		transport:  tr,
		docs:       make(map[string]*registration),
		done:       make(chan struct{}),
	}
	go b.recvLoop()
	return b
}

// NewRedis builds an enabled bridge over a Redis URL, using separate publish
// and subscribe connections.
func NewRedis(ctx context.Context, redisURL string) (*Bridge, error) {
	tr, err := newRedisTransport(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	return New(tr), nil
}

// Enabled reports whether the bridge replicates anything.
func (b *Bridge) Enabled() bool { return b.enabled }

// InstanceID identifies this process on the wire.
func (b *Bridge) InstanceID() string { return b.instanceID }

func newInstanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "notesync"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + suffix
}

// RegisterDoc remembers a live document and starts publishing its locally
// originated updates. Registering an id twice rebinds it to the new
// document.
func (b *Bridge) RegisterDoc(docID string, doc crdt.Doc) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	if prev, ok := b.docs[docID]; ok {
		prev.unsubscribe()
	}
	reg := &registration{doc: doc}
	reg.unsubscribe = doc.OnUpdate(func(update []byte, origin string) {
		if origin == Origin {
			return
		}
		b.publish(docID, update)
	})
	b.docs[docID] = reg
	b.mu.Unlock()
	metrics.RegisteredDocs.Inc()
	log.Debug("Registered document on bridge", "docId", docID)
}

// UnregisterDoc detaches the publish listener. Safe to call for an id that
// was never registered.
func (b *Bridge) UnregisterDoc(docID string) {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	reg, ok := b.docs[docID]
	if ok {
		reg.unsubscribe()
		delete(b.docs, docID)
	}
	b.mu.Unlock()
	if ok {
		metrics.RegisteredDocs.Dec()
		log.Debug("Unregistered document from bridge", "docId", docID)
	}
}

func (b *Bridge) publish(docID string, update []byte) {
	msg := Message{
		InstanceID: b.instanceID,
		DocID:      docID,
		Update:     base64.StdEncoding.EncodeToString(update),
		TS:         time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error("Failed to encode bridge message", "docId", docID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.transport.Publish(ctx, Channel(docID), payload); err != nil {
		log.Error("Failed to publish document update", "docId", docID, "err", err)
		return
	}
	metrics.BridgePublishedTotal.Inc()
}

func (b *Bridge) recvLoop() {
	for {
		select {
		case <-b.done:
			return
		case in, ok := <-b.transport.Messages():
			if !ok {
				return
			}
			b.handle(in)
		}
	}
}

func (b *Bridge) handle(in Inbound) {
	var msg Message
	if err := json.Unmarshal(in.Payload, &msg); err != nil {
		log.Warn("Dropped malformed bridge message", "channel", in.Channel, "err", err)
		return
	}
	if msg.InstanceID == b.instanceID {
		// Self echo.
		return
	}
	b.mu.Lock()
	reg, ok := b.docs[msg.DocID]
	b.mu.Unlock()
	if !ok {
		return
	}
	update, err := base64.StdEncoding.DecodeString(msg.Update)
	if err != nil {
		log.Warn("Dropped bridge message with invalid update encoding", "docId", msg.DocID, "err", err)
		return
	}
	if err := reg.doc.ApplyUpdate(update, Origin); err != nil {
		log.Warn("Failed to apply replicated update", "docId", msg.DocID, "err", err)
		return
	}
	metrics.BridgeAppliedTotal.Inc()
}

// Shutdown stops the receive loop and closes the transport.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.done) })
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	for id, reg := range b.docs {
		reg.unsubscribe()
		delete(b.docs, id)
	}
	b.mu.Unlock()
	if err := b.transport.Close(ctx); err != nil {
		return fmt.Errorf("close bridge transport: %w", err)
	}
	return nil
}
