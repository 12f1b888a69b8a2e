package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freemannotes/notesync/internal/events"
	"github.com/freemannotes/notesync/internal/model"
	"github.com/freemannotes/notesync/internal/retry"
	"github.com/freemannotes/notesync/internal/store"
	"github.com/freemannotes/notesync/internal/uploads"
)

const testToken = "token-123"

// recorder wraps a handler and records every request it saw.
type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  http.HandlerFunc
}

type recordedRequest struct {
	Method         string
	Path           string
	IdempotencyKey string
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.requests = append(r.requests, recordedRequest{
		Method:         req.Method,
		Path:           req.URL.Path,
		IdempotencyKey: req.Header.Get("Idempotency-Key"),
	})
	r.mu.Unlock()
	r.handler(w, req)
}

func (r *recorder) seen() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedRequest, len(r.requests))
	copy(out, r.requests)
	return out
}

func newTestQueue(t *testing.T, handler http.HandlerFunc) (*Queue, *store.Store, *events.Bus, *recorder) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec := &recorder{handler: handler}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	bus := events.NewBus()
	t.Cleanup(bus.Stop)

	up := uploads.New(st, bus, srv.URL, srv.Client())
	q := New(st, bus, up, srv.URL, srv.Client())
	return q, st, bus, rec
}

func collectEvents(t *testing.T, ch <-chan events.Event, want int) []events.Event {
	t.Helper()
	var out []events.Event
	deadline := time.After(2 * time.Second)
	for len(out) < want {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out: got %d of %d events", len(out), want)
		}
	}
	return out
}

func ok(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{}`))
}

func TestFlushEmptyTokenIsNoop(t *testing.T) {
	q, st, _, rec := newTestQueue(t, ok)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, http.MethodPatch, "/api/notes/7", json.RawMessage(`{"title":"x"}`), nil)
	require.NoError(t, err)

	require.NoError(t, q.Flush(ctx, ""))
	require.Empty(t, rec.seen())
	n, err := st.CountMutations(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestFlushDrainsQueue(t *testing.T) {
	q, st, _, rec := newTestQueue(t, ok)
	ctx := context.Background()

	opHTTP, err := q.Enqueue(ctx, http.MethodPatch, "/api/notes/7", json.RawMessage(`{"title":"x"}`), nil)
	require.NoError(t, err)
	opOrder, err := q.EnqueueOrderPatch(ctx, []int64{3, 1, 2})
	require.NoError(t, err)

	require.NoError(t, q.Flush(ctx, testToken))

	n, err := st.CountMutations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	seen := rec.seen()
	require.Len(t, seen, 2)
	require.Equal(t, "PATCH", seen[0].Method)
	require.Equal(t, "/api/notes/7", seen[0].Path)
	require.Equal(t, opHTTP, seen[0].IdempotencyKey)
	require.Equal(t, "/api/notes/order", seen[1].Path)
	require.Equal(t, opOrder, seen[1].IdempotencyKey)
}

func TestIdempotencyKeyStableAcrossRetries(t *testing.T) {
	attempts := 0
	q, st, _, rec := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		ok(w, r)
	})
	// No backoff so the retry happens on the next pass of the same flush.
	q.policy = retry.Policy{}
	ctx := context.Background()

	opID, err := q.Enqueue(ctx, http.MethodPatch, "/api/notes/7", json.RawMessage(`{"pinned":true}`), nil)
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx, testToken))

	n, err := st.CountMutations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	seen := rec.seen()
	require.Len(t, seen, 2)
	require.Equal(t, opID, seen[0].IdempotencyKey)
	require.Equal(t, opID, seen[1].IdempotencyKey)
}

func TestServerErrorReschedulesWithBackoff(t *testing.T) {
	q, st, bus, _ := newTestQueue(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ch, cancel := bus.Subscribe()
	defer cancel()
	ctx := context.Background()

	opID, err := q.Enqueue(ctx, http.MethodPatch, "/api/notes/7", nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx, testToken))

	row, err := st.GetMutation(ctx, opID)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, 1, row.Attempt)
	require.Greater(t, row.NextAttemptAt, time.Now().UnixMilli())
	require.NotNil(t, row.LastError)

	evs := collectEvents(t, ch, 1)
	require.Equal(t, events.KindMutationRetry, evs[0].Kind)
	require.Equal(t, opID, evs[0].OpID)
	require.Equal(t, 1, evs[0].Attempt)
	require.Greater(t, evs[0].NextDelay, time.Duration(0))
}

func TestCreateRejectionDroppedAfterOneAttempt(t *testing.T) {
	q, st, bus, rec := newTestQueue(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	ch, cancel := bus.Subscribe()
	defer cancel()
	ctx := context.Background()

	opID, err := q.Enqueue(ctx, http.MethodPost, "/api/notes", json.RawMessage(`{"title":""}`), nil)
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx, testToken))
	require.NoError(t, q.Flush(ctx, testToken))

	n, err := st.CountMutations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, rec.seen(), 1)

	evs := collectEvents(t, ch, 1)
	require.Equal(t, events.KindMutationDropped, evs[0].Kind)
	require.Equal(t, opID, evs[0].OpID)
	require.NotEmpty(t, evs[0].Err)
}

func TestStaleReferenceDroppedOn404(t *testing.T) {
	q, st, bus, _ := newTestQueue(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ch, cancel := bus.Subscribe()
	defer cancel()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, http.MethodDelete, "/api/notes/42", nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx, testToken))

	n, err := st.CountMutations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	evs := collectEvents(t, ch, 1)
	require.Equal(t, events.KindMutationDropped, evs[0].Kind)
}

func TestUnknownKindDropped(t *testing.T) {
	q, st, bus, rec := newTestQueue(t, ok)
	ch, cancel := bus.Subscribe()
	defer cancel()
	ctx := context.Background()

	require.NoError(t, st.PutMutation(ctx, &model.OutboxMutation{
		OpID:    "op-bogus",
		Kind:    "notes.telepathy",
		Payload: json.RawMessage(`{}`),
	}))
	require.NoError(t, q.Flush(ctx, testToken))

	n, err := st.CountMutations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, rec.seen())

	evs := collectEvents(t, ch, 1)
	require.Equal(t, events.KindMutationDropped, evs[0].Kind)
	require.Equal(t, "op-bogus", evs[0].OpID)
}

func TestOutOfRangeIDDroppedWithoutRequest(t *testing.T) {
	q, st, _, rec := newTestQueue(t, ok)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, http.MethodPatch, "/api/notes/99999999999999999999", nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx, testToken))

	n, err := st.CountMutations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, rec.seen())
}

func TestOrphanedPlaceholderDropped(t *testing.T) {
	q, st, _, rec := newTestQueue(t, ok)
	ctx := context.Background()

	// No queued creation will ever assign a real id for -500.
	_, err := q.Enqueue(ctx, http.MethodPatch, "/api/notes/-500", nil, nil)
	require.NoError(t, err)
	require.NoError(t, q.Flush(ctx, testToken))

	n, err := st.CountMutations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, rec.seen())
}

func TestPlaceholderDeferredWhileCreateStillQueued(t *testing.T) {
	q, st, _, rec := newTestQueue(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, http.MethodPost, "/api/notes",
		json.RawMessage(`{"title":"draft"}`),
		&model.MutationMeta{TempClientNoteID: -1001})
	require.NoError(t, err)
	depOp, err := q.Enqueue(ctx, http.MethodPatch, "/api/notes/-1001", json.RawMessage(`{"pinned":true}`), nil)
	require.NoError(t, err)

	require.NoError(t, q.Flush(ctx, testToken))

	// Creation failed retryably; the dependent must survive untouched and
	// never reach the server.
	dep, err := st.GetMutation(ctx, depOp)
	require.NoError(t, err)
	require.NotNil(t, dep)
	require.Zero(t, dep.Attempt)
	for _, r := range rec.seen() {
		require.Equal(t, "/api/notes", r.Path)
	}
}

func TestCreateFanoutReconcilesPlaceholder(t *testing.T) {
	q, st, bus, rec := newTestQueue(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/notes" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"note":{"id":42,"title":"draft"}}`))
			return
		}
		ok(w, r)
	})
	ch, cancel := bus.Subscribe()
	defer cancel()
	ctx := context.Background()

	createOp, err := q.Enqueue(ctx, http.MethodPost, "/api/notes",
		json.RawMessage(`{"title":"draft"}`),
		&model.MutationMeta{
			TempClientNoteID:       -1001,
			ImageURL:               "https://x/y.png",
			PendingLinkURLs:        []string{"https://example.com"},
			AddToCurrentCollection: true,
			ActiveCollectionID:     9,
			Mode:                   "text",
			BodyJSON:               json.RawMessage(`{"type":"doc"}`),
			SelectedCollaborators:  []string{"friend@example.com"},
		})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, http.MethodPatch, "/api/notes/-1001", json.RawMessage(`{"pinned":true}`), nil)
	require.NoError(t, err)
	_, err = q.uploads.Enqueue(ctx, -1001, "https://x/pre.png", nil)
	require.NoError(t, err)

	require.NoError(t, q.Flush(ctx, testToken))

	// Everything queued, rewritten, and synthesized must have drained.
	n, err := st.CountMutations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	// No surviving request or upload row references the placeholder.
	paths := map[string]bool{}
	for _, r := range rec.seen() {
		require.NotContains(t, r.Path, "-1001")
		paths[r.Method+" "+r.Path] = true
	}
	require.True(t, paths["POST /api/notes"])
	require.True(t, paths["PATCH /api/notes/42"])
	require.True(t, paths["POST /api/notes/42/link-preview"])
	require.True(t, paths["POST /api/notes/42/collections"])
	require.True(t, paths["POST /api/notes/42/collaborators"])

	tasks, err := st.ListUploads(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		require.EqualValues(t, 42, task.NoteID)
	}

	evs := collectEvents(t, ch, 1)
	require.Equal(t, events.KindNoteReconciled, evs[0].Kind)
	require.Equal(t, createOp, evs[0].OpID)
	require.EqualValues(t, -1001, evs[0].TempClientNoteID)
	var note struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(evs[0].Note, &note))
	require.EqualValues(t, 42, note.ID)
}
