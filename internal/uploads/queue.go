// Package uploads drains the durable image-attach queue. Upload tasks are
// deliberately simpler than outbox mutations: every failure is retryable and
// tasks whose note still carries a placeholder id simply wait for the outbox
// to rewrite them.
package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/freemannotes/notesync/internal/events"
	"github.com/freemannotes/notesync/internal/metrics"
	"github.com/freemannotes/notesync/internal/model"
	"github.com/freemannotes/notesync/internal/retry"
	"github.com/freemannotes/notesync/internal/store"
)

// Queue replays queued image uploads against the notes API.
type Queue struct {
	store  *store.Store
	bus    *events.Bus
	client *http.Client
	base   string
	policy retry.Policy
	now    func() int64
}

// New builds an upload queue talking to the API at base (no trailing slash).
func New(st *store.Store, bus *events.Bus, base string, client *http.Client) *Queue {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Queue{
		store:  st,
		bus:    bus,
		client: client,
		base:   base,
		policy: retry.UploadPolicy,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Enqueue durably records an image-attach request. noteID may be a negative
// placeholder; the outbox rewrites it once the note creation is acknowledged.
func (q *Queue) Enqueue(ctx context.Context, noteID int64, url string, tempClientID *int64) (string, error) {
	task := &model.UploadTask{
		OpID:         retry.NewOpID("upl"),
		NoteID:       noteID,
		URL:          url,
		TempClientID: tempClientID,
	}
	if err := q.store.PutUpload(ctx, task); err != nil {
		return "", fmt.Errorf("enqueue upload: %w", err)
	}
	return task.OpID, nil
}

// Pending reports the number of queued tasks.
func (q *Queue) Pending(ctx context.Context) (int, error) {
	tasks, err := q.store.ListUploads(ctx)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// Flush makes a single pass over the queue in enqueue order. Tasks that are
// not yet due, or whose note id is still a placeholder, are skipped; failed
// attempts are rescheduled with backoff. Flush never removes a task except on
// a confirmed 2xx.
func (q *Queue) Flush(ctx context.Context, token string) error {
	tasks, err := q.store.ListUploads(ctx)
	if err != nil {
		return fmt.Errorf("list uploads: %w", err)
	}
	now := q.now()
	for i := range tasks {
		task := &tasks[i]
		if task.NextAttemptAt > now {
			continue
		}
		if task.NoteID <= 0 {
			// Awaiting remap by the outbox.
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.attempt(ctx, task, token)
	}
	return nil
}

func (q *Queue) attempt(ctx context.Context, task *model.UploadTask, token string) {
	metrics.UploadAttemptsTotal.Inc()

	body, err := json.Marshal(map[string]string{"url": task.URL})
	if err != nil {
		q.reschedule(ctx, task, err)
		return
	}
	url := fmt.Sprintf("%s/api/notes/%d/images", q.base, task.NoteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		q.reschedule(ctx, task, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", task.OpID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		q.reschedule(ctx, task, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		q.reschedule(ctx, task, fmt.Errorf("upload %s: status %d", task.OpID, resp.StatusCode))
		return
	}

	image, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		image = nil
	}
	if !json.Valid(image) {
		image = nil
	}
	if err := q.store.DeleteUpload(ctx, task.OpID); err != nil {
		log.Error("Failed to delete completed upload task", "opId", task.OpID, "err", err)
		return
	}
	q.bus.Publish(events.Event{
		Kind:         events.KindUploadSuccess,
		OpID:         task.OpID,
		NoteID:       task.NoteID,
		TempClientID: task.TempClientID,
		Image:        image,
	})
}

// reschedule bumps the attempt counter and computes the next due time. Upload
// failures are never terminal; a poisoned row surfaces through its error and
// mounting attempt count instead of silent deletion.
func (q *Queue) reschedule(ctx context.Context, task *model.UploadTask, cause error) {
	metrics.UploadFailuresTotal.Inc()
	delay := q.policy.Delay(task.Attempt)
	task.Attempt++
	task.NextAttemptAt = q.now() + delay.Milliseconds()
	msg := cause.Error()
	task.LastError = &msg
	if err := q.store.PutUpload(ctx, task); err != nil {
		log.Error("Failed to reschedule upload task", "opId", task.OpID, "err", err)
	}
	log.Warn("Upload attempt failed", "opId", task.OpID, "noteId", task.NoteID, "attempt", task.Attempt, "nextDelay", delay, "err", cause)
	q.bus.Publish(events.Event{
		Kind:      events.KindUploadFailure,
		OpID:      task.OpID,
		NoteID:    task.NoteID,
		Attempt:   task.Attempt,
		NextDelay: delay,
		Err:       msg,
	})
}
