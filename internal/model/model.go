package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MutationKind discriminates queued outbox rows. Unknown kinds fail closed:
// the dequeue-time schema check classifies them as non-retryable.
type MutationKind string

const (
	KindOrderPatch MutationKind = "notes.order.patch"
	KindHTTPJSON   MutationKind = "http.json"
)

// OutboxMutation is a durable, not-yet-acknowledged HTTP mutation. OpID is
// immutable and globally unique; it doubles as the idempotency token sent to
// the server, so replays of the same logical operation have at most one
// effect. Timestamps are epoch milliseconds.
type OutboxMutation struct {
	OpID          string          `json:"opId"                gorm:"primaryKey;column:op_id"`
	Kind          MutationKind    `json:"kind"                gorm:"not null;index"`
	Payload       json.RawMessage `json:"payload"             gorm:"not null"`
	Attempt       int             `json:"attempt"             gorm:"not null;default:0"`
	NextAttemptAt int64           `json:"nextAttemptAt"       gorm:"not null;default:0;index"`
	CreatedAt     int64           `json:"createdAt"           gorm:"not null;index;autoCreateTime:milli"`
	UpdatedAt     int64           `json:"updatedAt"           gorm:"not null;autoUpdateTime:milli"`
	LastError     *string         `json:"lastError,omitempty"`
}

func (OutboxMutation) TableName() string { return "outbox_mutations" }

// UploadTask is a durable image-attach request. NoteID may be a negative
// placeholder until the creating mutation is reconciled with a real id.
type UploadTask struct {
	OpID          string  `json:"opId"                   gorm:"primaryKey;column:op_id"`
	NoteID        int64   `json:"noteId"                 gorm:"not null;index"`
	URL           string  `json:"url"                    gorm:"not null"`
	TempClientID  *int64  `json:"tempClientId,omitempty"`
	Attempt       int     `json:"attempt"                gorm:"not null;default:0"`
	NextAttemptAt int64   `json:"nextAttemptAt"          gorm:"not null;default:0;index"`
	CreatedAt     int64   `json:"createdAt"              gorm:"not null;index;autoCreateTime:milli"`
	UpdatedAt     int64   `json:"updatedAt"              gorm:"not null;autoUpdateTime:milli"`
	LastError     *string `json:"lastError,omitempty"`
}

func (UploadTask) TableName() string { return "upload_queue" }

// OrderPatchPayload is the whole-list reorder mutation body.
type OrderPatchPayload struct {
	IDs []int64 `json:"ids"`
}

// MutationMeta captures, at enqueue time, everything needed to synthesize
// dependent mutations once a note creation succeeds and a real id exists.
type MutationMeta struct {
	// TempClientNoteID is the negative placeholder assigned by the client
	// while offline. Zero means the mutation carries no placeholder.
	TempClientNoteID int64 `json:"tempClientNoteId,omitempty"`

	PendingLinkURLs        []string `json:"pendingLinkUrls,omitempty"`
	AddToCurrentCollection bool     `json:"addToCurrentCollection,omitempty"`
	ActiveCollectionID     int64    `json:"activeCollectionId,omitempty"`

	// Mode "text" plus BodyJSON defers a rich-text body patch until the
	// note exists.
	Mode     string          `json:"mode,omitempty"`
	BodyJSON json.RawMessage `json:"bodyJson,omitempty"`

	SelectedCollaborators []string `json:"selectedCollaborators,omitempty"`

	ImageURLs []string `json:"imageUrls,omitempty"`
	ImageURL  string   `json:"imageUrl,omitempty"`

	// ParentOpID links a synthesized dependent back to the creation that
	// spawned it. Diagnostic only.
	ParentOpID string `json:"parentOpId,omitempty"`
}

// HTTPPayload is the captured request of a KindHTTPJSON row. A nil Body means
// the request is sent without a body.
type HTTPPayload struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
	Meta   *MutationMeta   `json:"meta,omitempty"`
}

var allowedMethods = map[string]struct{}{
	"PATCH": {}, "PUT": {}, "POST": {}, "DELETE": {},
}

// DecodeHTTPPayload performs the dequeue-time schema check for http.json
// rows. A row that fails here can never succeed and is dropped.
func DecodeHTTPPayload(raw json.RawMessage) (*HTTPPayload, error) {
	var p HTTPPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid http.json payload: %w", err)
	}
	p.Method = strings.ToUpper(strings.TrimSpace(p.Method))
	if p.Method == "" {
		p.Method = "PATCH"
	}
	if _, ok := allowedMethods[p.Method]; !ok {
		return nil, fmt.Errorf("unsupported method %q", p.Method)
	}
	if strings.TrimSpace(p.Path) == "" {
		return nil, fmt.Errorf("missing path for queued http.json mutation")
	}
	return &p, nil
}

// DecodeOrderPatchPayload checks a notes.order.patch row.
func DecodeOrderPatchPayload(raw json.RawMessage) (*OrderPatchPayload, error) {
	var p OrderPatchPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("invalid notes.order.patch payload: %w", err)
	}
	if p.IDs == nil {
		p.IDs = []int64{}
	}
	return &p, nil
}

// DocSnapshot is a compacted full-state snapshot of a collaborative
// document. Rows keyed by a plain note id are the legacy layout; the current
// persistence provider namespaces its keys (see docstore.PersistKey).
type DocSnapshot struct {
	DocKey    string `json:"docKey"    gorm:"primaryKey;column:doc_key"`
	Snapshot  []byte `json:"-"         gorm:"not null"`
	UpdatedAt int64  `json:"updatedAt" gorm:"not null;autoUpdateTime:milli"`
}

func (DocSnapshot) TableName() string { return "y_doc_snapshots" }

// DocUpdate is one incremental document update in the append-only log.
type DocUpdate struct {
	ID        string  `json:"id"               gorm:"primaryKey"` // "<docKey>:<seq>"
	DocKey    string  `json:"docKey"           gorm:"not null;index;column:doc_key"`
	Seq       int64   `json:"seq"              gorm:"not null"`
	Update    []byte  `json:"-"                gorm:"not null;column:update_data"`
	Origin    *string `json:"origin,omitempty"`
	CreatedAt int64   `json:"createdAt"        gorm:"not null;autoCreateTime:milli"`
}

func (DocUpdate) TableName() string { return "y_doc_updates" }

// SyncMeta is a generic key/value row used for migration bookkeeping such as
// per-document sequence counters.
type SyncMeta struct {
	Key       string `json:"key"       gorm:"primaryKey"`
	Value     string `json:"value"     gorm:"not null"`
	UpdatedAt int64  `json:"updatedAt" gorm:"not null;autoUpdateTime:milli"`
}

func (SyncMeta) TableName() string { return "sync_meta" }

// NoteCacheRow is a read-through cache of the notes list view. It is not part
// of the mutation pipeline.
type NoteCacheRow struct {
	Key       string          `json:"key"       gorm:"primaryKey"`
	Notes     json.RawMessage `json:"notes"     gorm:"not null"`
	UpdatedAt int64           `json:"updatedAt" gorm:"not null;autoUpdateTime:milli"`
}

func (NoteCacheRow) TableName() string { return "notes_cache" }
