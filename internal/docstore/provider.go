// Package docstore is the local durability provider for collaborative
// documents: it hydrates an in-memory document from the snapshot and update
// log, persists every new update, and compacts the log once it grows past a
// threshold.
package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/freemannotes/notesync/internal/crdt"
	"github.com/freemannotes/notesync/internal/store"
)

const (
	// OriginHydrate tags updates applied while loading persisted state, so
	// the persistence handler does not write them back.
	OriginHydrate = "local-hydrate"
	// OriginMigrate tags the single merged update applied during a key
	// migration.
	OriginMigrate = "local-migrate"

	keyPrefix = "ydoc:"

	defaultSyncTimeout  = 3 * time.Second
	defaultCompactEvery = 150
)

// PersistKey is the namespaced storage key for a document. Legacy rows were
// keyed by the bare doc id and are purged after a successful hydration.
func PersistKey(docID string) string { return keyPrefix + docID }

// Provider binds documents to the durable store.
type Provider struct {
	store        *store.Store
	syncTimeout  time.Duration
	compactEvery int64
}

// New builds a provider with the default sync timeout and compaction
// threshold.
func New(st *store.Store) *Provider {
	return &Provider{
		store:        st,
		syncTimeout:  defaultSyncTimeout,
		compactEvery: defaultCompactEvery,
	}
}

// NewWith overrides the timeout and compaction threshold. Zero values keep
// the defaults.
func NewWith(st *store.Store, syncTimeout time.Duration, compactEvery int) *Provider {
	p := New(st)
	if syncTimeout > 0 {
		p.syncTimeout = syncTimeout
	}
	if compactEvery > 0 {
		p.compactEvery = int64(compactEvery)
	}
	return p
}

// Bind attaches doc to durable storage and returns a disposer. Persisted
// state (legacy rows first, then the namespaced rows) is applied to the
// document tagged with OriginHydrate; new updates from any other origin are
// appended to the log. Bind waits for hydration only up to the sync timeout,
// so a slow or corrupt local store never blocks the caller; hydration then
// finishes in the background.
func (p *Provider) Bind(ctx context.Context, docID string, doc crdt.Doc) (func(), error) {
	if docID == "" {
		return nil, fmt.Errorf("bind: empty doc id")
	}
	persist := PersistKey(docID)

	// Attach before hydrating so edits made while loading are not lost.
	unsubscribe := doc.OnUpdate(func(update []byte, origin string) {
		if origin == OriginHydrate {
			return
		}
		p.persistUpdate(persist, doc, update, origin)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		hadLegacy := p.hydrate(docID, doc)
		p.hydrate(persist, doc)
		if hadLegacy {
			if err := p.store.PurgeLegacyDoc(context.Background(), docID); err != nil {
				log.Warn("Failed to purge legacy document rows", "docId", docID, "err", err)
			}
		}
	}()

	timer := time.NewTimer(p.syncTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Warn("Document hydration timed out, continuing in background", "docId", docID, "timeout", p.syncTimeout)
	case <-ctx.Done():
	}

	return unsubscribe, nil
}

// hydrate applies the stored snapshot and update log under key to doc and
// reports whether any rows existed.
func (p *Provider) hydrate(key string, doc crdt.Doc) bool {
	ctx := context.Background()
	found := false

	snapshot, err := p.store.GetSnapshot(ctx, key)
	if err != nil {
		log.Warn("Failed to load document snapshot", "docKey", key, "err", err)
	} else if snapshot != nil {
		found = true
		if err := doc.ApplyUpdate(snapshot, OriginHydrate); err != nil {
			log.Warn("Failed to apply document snapshot", "docKey", key, "err", err)
		}
	}

	rows, err := p.store.ListDocUpdates(ctx, key)
	if err != nil {
		log.Warn("Failed to load document updates", "docKey", key, "err", err)
		return found
	}
	for i := range rows {
		found = true
		if err := doc.ApplyUpdate(rows[i].Update, OriginHydrate); err != nil {
			log.Warn("Failed to apply stored document update", "docKey", key, "seq", rows[i].Seq, "err", err)
		}
	}
	return found
}

// persistUpdate appends one update and compacts the log into a snapshot once
// the sequence passes the threshold. It runs on the document's update path,
// detached from any request context.
func (p *Provider) persistUpdate(key string, doc crdt.Doc, update []byte, origin string) {
	ctx := context.Background()
	seq, err := p.store.NextDocSeq(ctx, key)
	if err != nil {
		log.Error("Failed to allocate document sequence", "docKey", key, "err", err)
		return
	}
	if err := p.store.AppendDocUpdate(ctx, key, seq, update, origin); err != nil {
		log.Error("Failed to persist document update", "docKey", key, "seq", seq, "err", err)
		return
	}
	if seq < p.compactEvery {
		return
	}

	snapshot, err := doc.EncodeStateAsUpdate()
	if err != nil {
		log.Error("Failed to encode document for compaction", "docKey", key, "err", err)
		return
	}
	if err := p.store.PutSnapshot(ctx, key, snapshot); err != nil {
		log.Error("Failed to write compacted snapshot", "docKey", key, "err", err)
		return
	}
	if err := p.store.DeleteDocUpdates(ctx, key); err != nil {
		log.Error("Failed to clear compacted update log", "docKey", key, "err", err)
		return
	}
	if err := p.store.ResetDocSeq(ctx, key); err != nil {
		log.Error("Failed to reset document sequence", "docKey", key, "err", err)
	}
	log.Debug("Compacted document log", "docKey", key, "updates", seq)
}

// Migrate merges the document persisted under fromID into toID. It is used
// when a document's stable key changes, such as a room name gaining a
// creation timestamp that was unknown at first open. Best effort: the
// transport-synced document remains the source of truth, so the caller is
// expected to log a failure and continue.
func (p *Provider) Migrate(ctx context.Context, fromID, toID string, factory crdt.Factory) error {
	if fromID == "" || toID == "" || fromID == toID {
		return nil
	}
	oldDoc := factory()
	newDoc := factory()

	disposeOld, err := p.Bind(ctx, fromID, oldDoc)
	if err != nil {
		return fmt.Errorf("bind %s: %w", fromID, err)
	}
	defer disposeOld()
	disposeNew, err := p.Bind(ctx, toID, newDoc)
	if err != nil {
		return fmt.Errorf("bind %s: %w", toID, err)
	}
	defer disposeNew()

	state, err := oldDoc.EncodeStateAsUpdate()
	if err != nil {
		return fmt.Errorf("encode %s: %w", fromID, err)
	}
	if len(state) == 0 {
		return nil
	}
	if err := newDoc.ApplyUpdate(state, OriginMigrate); err != nil {
		return fmt.Errorf("apply migrated state to %s: %w", toID, err)
	}
	return nil
}
