// Package outbox implements the durable mutation queue: UI actions become
// persisted rows, and a replay loop drives them against the notes API with
// idempotency keys, capped backoff, and explicit failure classification.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/freemannotes/notesync/internal/events"
	"github.com/freemannotes/notesync/internal/metrics"
	"github.com/freemannotes/notesync/internal/model"
	"github.com/freemannotes/notesync/internal/retry"
	"github.com/freemannotes/notesync/internal/store"
	"github.com/freemannotes/notesync/internal/uploads"
)

const (
	notesPath      = "/api/notes"
	notesOrderPath = "/api/notes/order"

	// flushPassLimit bounds work per flush call. Fan-out after a creation can
	// make rewritten rows due within the same call, so one pass is not enough.
	flushPassLimit = 6
)

// Queue is the outbox. All methods are safe for concurrent use; the drain
// itself is expected to run from a single orchestrator goroutine.
type Queue struct {
	store     *store.Store
	bus       *events.Bus
	uploads   *uploads.Queue
	client    *http.Client
	base      string
	policy    retry.Policy
	passLimit int
	now       func() int64
}

// New builds an outbox replaying against the API at base (no trailing slash).
func New(st *store.Store, bus *events.Bus, up *uploads.Queue, base string, client *http.Client) *Queue {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Queue{
		store:     st,
		bus:       bus,
		uploads:   up,
		client:    client,
		base:      base,
		policy:    retry.OutboxPolicy,
		passLimit: flushPassLimit,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Enqueue persists an HTTP-JSON mutation row and returns its opId. It never
// validates the request; validation happens at execution time so a bad row
// fails closed instead of failing the caller.
func (q *Queue) Enqueue(ctx context.Context, method, path string, body json.RawMessage, meta *model.MutationMeta) (string, error) {
	payload, err := json.Marshal(model.HTTPPayload{
		Method: method,
		Path:   path,
		Body:   body,
		Meta:   meta,
	})
	if err != nil {
		return "", fmt.Errorf("encode mutation payload: %w", err)
	}
	m := &model.OutboxMutation{
		OpID:    retry.NewOpID("http"),
		Kind:    model.KindHTTPJSON,
		Payload: payload,
	}
	if err := q.store.PutMutation(ctx, m); err != nil {
		return "", fmt.Errorf("enqueue mutation: %w", err)
	}
	return m.OpID, nil
}

// EnqueueOrderPatch persists a whole-list reorder mutation.
func (q *Queue) EnqueueOrderPatch(ctx context.Context, ids []int64) (string, error) {
	if ids == nil {
		ids = []int64{}
	}
	payload, err := json.Marshal(model.OrderPatchPayload{IDs: ids})
	if err != nil {
		return "", fmt.Errorf("encode order patch: %w", err)
	}
	m := &model.OutboxMutation{
		OpID:    retry.NewOpID("notes-order"),
		Kind:    model.KindOrderPatch,
		Payload: payload,
	}
	if err := q.store.PutMutation(ctx, m); err != nil {
		return "", fmt.Errorf("enqueue order patch: %w", err)
	}
	return m.OpID, nil
}

// Pending reports the number of queued mutations.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	return q.store.CountMutations(ctx)
}

// outcome is the per-row execution result. Every row lands in exactly one
// bucket so nothing can be silently swallowed mid-flush.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetryable
	outcomeDropped
	outcomeDeferred
)

type execResult struct {
	outcome outcome
	err     error
}

// Flush drains due rows, making up to passLimit passes so that rows rewritten
// by a same-pass creation fan-out get a chance to run. A pass in which no row
// was due ends the call early. An empty token makes Flush a no-op.
func (q *Queue) Flush(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	for pass := 0; pass < q.passLimit; pass++ {
		rows, err := q.store.ListMutations(ctx)
		if err != nil {
			return fmt.Errorf("list mutations: %w", err)
		}
		progress := false
		for i := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Re-read: an earlier row in this pass may have rewritten or
			// deleted this one.
			row, err := q.store.GetMutation(ctx, rows[i].OpID)
			if err != nil {
				return fmt.Errorf("load mutation %s: %w", rows[i].OpID, err)
			}
			if row == nil || row.NextAttemptAt > q.now() {
				continue
			}

			res := q.execute(ctx, row, token)
			switch res.outcome {
			case outcomeOK:
				progress = true
				if err := q.store.DeleteMutation(ctx, row.OpID); err != nil {
					return fmt.Errorf("delete mutation %s: %w", row.OpID, err)
				}
			case outcomeDropped:
				progress = true
				q.drop(ctx, row, res.err)
			case outcomeRetryable:
				progress = true
				q.reschedule(ctx, row, res.err)
			case outcomeDeferred:
				// Not due until its creation row reconciles. Not progress.
			}
		}
		if !progress {
			break
		}
	}
	return nil
}

func (q *Queue) execute(ctx context.Context, row *model.OutboxMutation, token string) execResult {
	metrics.OutboxAttemptsTotal.Inc()

	switch row.Kind {
	case model.KindOrderPatch:
		p, err := model.DecodeOrderPatchPayload(row.Payload)
		if err != nil {
			return execResult{outcomeDropped, err}
		}
		body, err := json.Marshal(map[string]any{"ids": p.IDs})
		if err != nil {
			return execResult{outcomeDropped, err}
		}
		status, _, err := q.send(ctx, http.MethodPatch, notesOrderPath, body, row.OpID, token)
		if err != nil {
			return execResult{outcomeRetryable, err}
		}
		if status < 200 || status > 299 {
			return execResult{outcomeRetryable, fmt.Errorf("order patch: status %d", status)}
		}
		return execResult{outcome: outcomeOK}

	case model.KindHTTPJSON:
		p, err := model.DecodeHTTPPayload(row.Payload)
		if err != nil {
			return execResult{outcomeDropped, err}
		}
		return q.executeHTTP(ctx, row, p, token)

	default:
		return execResult{outcomeDropped, fmt.Errorf("unsupported mutation kind %q", row.Kind)}
	}
}

func (q *Queue) executeHTTP(ctx context.Context, row *model.OutboxMutation, p *model.HTTPPayload, token string) execResult {
	embedsNoteID := false
	if id, ok := model.ParseNotePathID(p.Path); ok {
		embedsNoteID = true
		if remote, isRemote := id.Remote(); isRemote {
			if remote <= 0 || remote > model.MaxServerID {
				return execResult{outcomeDropped, fmt.Errorf("note id out of range in path %q", p.Path)}
			}
		} else {
			// Placeholder id. Legitimate only while the creation that will
			// assign the real id is still queued.
			tok, _ := id.Local()
			pending, err := q.hasPendingCreate(ctx, tok)
			if err != nil {
				return execResult{outcomeRetryable, err}
			}
			if pending {
				return execResult{outcome: outcomeDeferred}
			}
			return execResult{outcomeDropped, fmt.Errorf("orphaned placeholder id in path %q", p.Path)}
		}
	}

	status, respBody, err := q.send(ctx, p.Method, p.Path, p.Body, row.OpID, token)
	if err != nil {
		return execResult{outcomeRetryable, err}
	}

	isCreate := p.Method == http.MethodPost && p.Path == notesPath
	switch {
	case status >= 200 && status <= 299:
		if isCreate {
			q.fanout(ctx, row, p.Meta, respBody)
		}
		return execResult{outcome: outcomeOK}
	case status == http.StatusNotFound && embedsNoteID:
		return execResult{outcomeDropped, fmt.Errorf("%s %s: entity gone (404)", p.Method, p.Path)}
	case isCreate && status >= 400 && status <= 499:
		return execResult{outcomeDropped, fmt.Errorf("note creation rejected: status %d", status)}
	default:
		return execResult{outcomeRetryable, fmt.Errorf("%s %s: status %d", p.Method, p.Path, status)}
	}
}

// hasPendingCreate reports whether a queued note-creation row will eventually
// assign a real id for the given placeholder token.
func (q *Queue) hasPendingCreate(ctx context.Context, tempToken string) (bool, error) {
	rows, err := q.store.ListMutations(ctx)
	if err != nil {
		return false, err
	}
	for i := range rows {
		if rows[i].Kind != model.KindHTTPJSON {
			continue
		}
		p, err := model.DecodeHTTPPayload(rows[i].Payload)
		if err != nil || p.Meta == nil {
			continue
		}
		if p.Method != http.MethodPost || p.Path != notesPath {
			continue
		}
		if p.Meta.TempClientNoteID < 0 && model.PlaceholderToken(p.Meta.TempClientNoteID) == tempToken {
			return true, nil
		}
	}
	return false, nil
}

// send issues one attempt. A nil body sends no request body. The returned
// response body is capped and only read for 2xx responses.
func (q *Queue) send(ctx context.Context, method, path string, body json.RawMessage, opID, token string) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.base+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", opID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			data = nil
		}
		return resp.StatusCode, data, nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil, nil
}

type createResponse struct {
	Note json.RawMessage `json:"note"`
}

type createdNote struct {
	ID int64 `json:"id"`
}

// fanout runs after a successful note creation: rewrite every queued row that
// still references the placeholder, then synthesize the mutations that had to
// wait for a real id. Each synthesized row is a normal idempotent mutation;
// failures here are logged and never fail the creation itself.
func (q *Queue) fanout(ctx context.Context, row *model.OutboxMutation, meta *model.MutationMeta, respBody []byte) {
	var cr createResponse
	if err := json.Unmarshal(respBody, &cr); err != nil || cr.Note == nil {
		log.Warn("Note creation response missing note payload", "opId", row.OpID)
		return
	}
	var n createdNote
	if err := json.Unmarshal(cr.Note, &n); err != nil || n.ID <= 0 {
		log.Warn("Note creation response missing note id", "opId", row.OpID)
		return
	}
	realID := n.ID

	var tempID int64
	if meta != nil && meta.TempClientNoteID < 0 {
		tempID = meta.TempClientNoteID
		tok := model.PlaceholderToken(tempID)
		if rewritten, err := q.store.RewriteMutationPaths(ctx, tok, realID); err != nil {
			log.Error("Failed to rewrite queued mutation paths", "opId", row.OpID, "tempId", tempID, "err", err)
		} else if rewritten > 0 {
			log.Info("Rewrote queued mutation paths", "tempId", tempID, "realId", realID, "rows", rewritten)
		}
		if rewritten, err := q.store.RewriteUploadNoteIDs(ctx, tempID, realID); err != nil {
			log.Error("Failed to rewrite queued upload note ids", "opId", row.OpID, "tempId", tempID, "err", err)
		} else if rewritten > 0 {
			log.Info("Rewrote queued upload note ids", "tempId", tempID, "realId", realID, "rows", rewritten)
		}
	}

	if meta != nil {
		q.synthesizeDependents(ctx, row.OpID, meta, realID)
	}

	q.bus.Publish(events.Event{
		Kind:             events.KindNoteReconciled,
		OpID:             row.OpID,
		Note:             cr.Note,
		TempClientNoteID: tempID,
	})
}

func (q *Queue) synthesizeDependents(ctx context.Context, parentOpID string, meta *model.MutationMeta, realID int64) {
	idStr := strconv.FormatInt(realID, 10)
	child := &model.MutationMeta{ParentOpID: parentOpID}

	for _, url := range meta.PendingLinkURLs {
		if url == "" {
			continue
		}
		body, _ := json.Marshal(map[string]string{"url": url})
		if _, err := q.Enqueue(ctx, http.MethodPost, notesPath+"/"+idStr+"/link-preview", body, child); err != nil {
			log.Error("Failed to enqueue link preview", "parentOpId", parentOpID, "err", err)
		}
	}

	if meta.AddToCurrentCollection && meta.ActiveCollectionID > 0 {
		body, _ := json.Marshal(map[string]int64{"collectionId": meta.ActiveCollectionID})
		if _, err := q.Enqueue(ctx, http.MethodPost, notesPath+"/"+idStr+"/collections", body, child); err != nil {
			log.Error("Failed to enqueue collection membership", "parentOpId", parentOpID, "err", err)
		}
	}

	if meta.Mode == "text" && len(meta.BodyJSON) > 0 {
		body, _ := json.Marshal(map[string]string{
			"body": string(meta.BodyJSON),
			"type": "TEXT",
		})
		if _, err := q.Enqueue(ctx, http.MethodPatch, notesPath+"/"+idStr, body, child); err != nil {
			log.Error("Failed to enqueue body patch", "parentOpId", parentOpID, "err", err)
		}
	}

	for _, email := range meta.SelectedCollaborators {
		if email == "" {
			continue
		}
		body, _ := json.Marshal(map[string]string{"email": email})
		if _, err := q.Enqueue(ctx, http.MethodPost, notesPath+"/"+idStr+"/collaborators", body, child); err != nil {
			log.Error("Failed to enqueue collaborator invite", "parentOpId", parentOpID, "err", err)
		}
	}

	imageURLs := meta.ImageURLs
	if len(imageURLs) == 0 && meta.ImageURL != "" {
		imageURLs = []string{meta.ImageURL}
	}
	for _, url := range imageURLs {
		if url == "" {
			continue
		}
		if _, err := q.uploads.Enqueue(ctx, realID, url, nil); err != nil {
			log.Error("Failed to enqueue image upload", "parentOpId", parentOpID, "err", err)
		}
	}
}

func (q *Queue) drop(ctx context.Context, row *model.OutboxMutation, cause error) {
	metrics.OutboxDroppedTotal.Inc()
	if err := q.store.DeleteMutation(ctx, row.OpID); err != nil {
		log.Error("Failed to delete dropped mutation", "opId", row.OpID, "err", err)
		return
	}
	log.Warn("Dropped non-retryable mutation", "opId", row.OpID, "kind", row.Kind, "err", cause)
	q.bus.Publish(events.Event{
		Kind: events.KindMutationDropped,
		OpID: row.OpID,
		Err:  cause.Error(),
	})
}

func (q *Queue) reschedule(ctx context.Context, row *model.OutboxMutation, cause error) {
	metrics.OutboxRetriesTotal.Inc()
	delay := q.policy.Delay(row.Attempt)
	row.Attempt++
	row.NextAttemptAt = q.now() + delay.Milliseconds()
	msg := cause.Error()
	row.LastError = &msg
	if err := q.store.PutMutation(ctx, row); err != nil {
		log.Error("Failed to reschedule mutation", "opId", row.OpID, "err", err)
	}
	log.Warn("Mutation attempt failed", "opId", row.OpID, "kind", row.Kind, "attempt", row.Attempt, "nextDelay", delay, "err", cause)
	q.bus.Publish(events.Event{
		Kind:      events.KindMutationRetry,
		OpID:      row.OpID,
		Attempt:   row.Attempt,
		NextDelay: delay,
		Err:       msg,
	})
}
