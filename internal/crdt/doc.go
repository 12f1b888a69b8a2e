// Package crdt defines the document interface the sync core depends on. The
// merge algorithm itself is supplied from outside; everything here assumes
// only that applying an update is commutative and idempotent.
package crdt

// UpdateHandler observes updates applied to a document. The origin tags where
// an update came from so relays can suppress their own echoes.
type UpdateHandler func(update []byte, origin string)

// Doc is a live collaborative document instance.
type Doc interface {
	// ApplyUpdate merges an encoded update into the document, tagged with the
	// given origin. Re-applying an update the document already holds is a
	// no-op and does not re-notify handlers.
	ApplyUpdate(update []byte, origin string) error

	// OnUpdate registers a handler invoked for every newly applied update.
	// The returned function unregisters it.
	OnUpdate(h UpdateHandler) func()

	// EncodeStateAsUpdate encodes the full document state as a single update
	// that, applied to another document, carries everything this one holds.
	EncodeStateAsUpdate() ([]byte, error)
}

// Factory creates empty document instances.
type Factory func() Doc
