// Package syncengine owns the sync lifecycle state machine. One engine
// instance is created by the application root; the token supplier and
// connectivity probe are injected, never read from globals.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// State is the orchestrator's current phase.
type State string

const (
	StateBootstrap       State = "BOOTSTRAP"
	StateOffline         State = "OFFLINE"
	StateConnecting      State = "CONNECTING"
	StateSyncingDocs     State = "SYNCING_DOCS"
	StateFlushingOutbox  State = "FLUSHING_OUTBOX"
	StateFlushingUploads State = "FLUSHING_UPLOADS"
	StateOnlineIdle      State = "ONLINE_IDLE"
	StateDegraded        State = "DEGRADED"
	StatePaused          State = "PAUSED"
)

// Flusher drains a durable queue. Both the outbox and the upload queue
// satisfy it.
type Flusher interface {
	Flush(ctx context.Context, token string) error
}

// Options configures an Engine. TokenSupplier and Online are required;
// SyncDocs is optional.
type Options struct {
	Outbox  Flusher
	Uploads Flusher

	// SyncDocs runs the document hydration/migration phase before the queue
	// flushes. Nil skips the phase.
	SyncDocs func(ctx context.Context) error

	// TokenSupplier returns the current auth token, or "" when the user is
	// signed out.
	TokenSupplier func() string

	// Online reports current network reachability.
	Online func() bool

	// Interval between periodic kicks. Zero uses the default.
	Interval time.Duration
}

const defaultInterval = 8 * time.Second

// Engine runs the sync cycle. Kick is idempotent against concurrent
// invocation: a kick arriving while a cycle is running is dropped, not
// queued.
type Engine struct {
	opts Options

	mu     sync.Mutex
	state  State
	subs   map[int]chan State
	nextID int

	inFlight atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
}

// New builds an engine in BOOTSTRAP.
func New(opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	return &Engine{
		opts:    opts,
		state:   StateBootstrap,
		subs:    make(map[int]chan State),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// State returns the current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe returns a channel of state transitions and a cancel function. A
// subscriber that falls behind misses transitions rather than blocking the
// engine.
func (e *Engine) Subscribe() (<-chan State, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan State, 16)
	e.subs[id] = ch
	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = s
	subs := make([]chan State, 0, len(e.subs))
	for _, ch := range e.subs {
		subs = append(subs, ch)
	}
	e.mu.Unlock()

	log.Debug("Sync state changed", "from", prev, "to", s)
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// Start launches the periodic kick loop. Safe to call once; subsequent calls
// are no-ops.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.started.Store(true)
		go e.run(ctx)
	})
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.stopped)
	e.Kick(ctx)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case <-ticker.C:
			e.Kick(ctx)
		}
	}
}

// Stop halts the periodic loop. An in-progress cycle runs to completion;
// there is no mid-flush cancellation.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.done) })
	if e.started.Load() {
		<-e.stopped
	}
}

// OnOnline is the connectivity-restored trigger.
func (e *Engine) OnOnline(ctx context.Context) { e.Kick(ctx) }

// OnOffline records loss of connectivity immediately instead of waiting for
// the next cycle to probe.
func (e *Engine) OnOffline() { e.setState(StateOffline) }

// OnVisible is the app-foregrounded trigger.
func (e *Engine) OnVisible(ctx context.Context) { e.Kick(ctx) }

// Kick runs one sync cycle. Overlapping kicks are dropped. A cycle either
// completes into ONLINE_IDLE, parks in OFFLINE or PAUSED, or lands in
// DEGRADED on an unhandled failure; queue rows are never touched by a
// degraded cycle and are retried on the next one.
func (e *Engine) Kick(ctx context.Context) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer e.inFlight.Store(false)

	defer func() {
		if r := recover(); r != nil {
			log.Error("Sync cycle panicked", "panic", r)
			e.setState(StateDegraded)
		}
	}()

	if err := e.cycle(ctx); err != nil {
		log.Error("Sync cycle failed", "state", e.State(), "err", err)
		e.setState(StateDegraded)
	}
}

func (e *Engine) cycle(ctx context.Context) error {
	if e.opts.Online != nil && !e.opts.Online() {
		e.setState(StateOffline)
		return nil
	}
	e.setState(StateConnecting)

	token := ""
	if e.opts.TokenSupplier != nil {
		token = e.opts.TokenSupplier()
	}
	if token == "" {
		e.setState(StatePaused)
		return nil
	}

	e.setState(StateSyncingDocs)
	if e.opts.SyncDocs != nil {
		if err := e.opts.SyncDocs(ctx); err != nil {
			return fmt.Errorf("sync docs: %w", err)
		}
	}

	e.setState(StateFlushingOutbox)
	if e.opts.Outbox != nil {
		if err := e.opts.Outbox.Flush(ctx, token); err != nil {
			return fmt.Errorf("flush outbox: %w", err)
		}
	}

	e.setState(StateFlushingUploads)
	if e.opts.Uploads != nil {
		if err := e.opts.Uploads.Flush(ctx, token); err != nil {
			return fmt.Errorf("flush uploads: %w", err)
		}
	}

	e.setState(StateOnlineIdle)
	return nil
}
