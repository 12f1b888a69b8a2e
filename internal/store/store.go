// Package store is the durable table layer under the sync core: outbox rows,
// upload rows, document snapshots/updates, sync bookkeeping, and the notes
// list cache, all in a single local SQLite database.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/freemannotes/notesync/internal/model"
)

// Store wraps the local database. All access runs on the caller's goroutine;
// the sync core serializes flushes itself, and SQLite serializes the rest.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the database at path and migrates the
// schema. Use ":memory:" for throwaway stores in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to open sync store: %w", err)
	}
	if err := db.AutoMigrate(
		&model.OutboxMutation{},
		&model.UploadTask{},
		&model.DocSnapshot{},
		&model.DocUpdate{},
		&model.SyncMeta{},
		&model.NoteCacheRow{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate sync store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- Outbox mutations ---

func (s *Store) PutMutation(ctx context.Context, m *model.OutboxMutation) error {
	return s.db.WithContext(ctx).Save(m).Error
}

// GetMutation returns nil without error when the row no longer exists.
func (s *Store) GetMutation(ctx context.Context, opID string) (*model.OutboxMutation, error) {
	var m model.OutboxMutation
	err := s.db.WithContext(ctx).First(&m, "op_id = ?", opID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) DeleteMutation(ctx context.Context, opID string) error {
	return s.db.WithContext(ctx).Delete(&model.OutboxMutation{}, "op_id = ?", opID).Error
}

// ListMutations returns all queued mutations in creation order. The op id
// breaks ties so replay order is stable within one millisecond.
func (s *Store) ListMutations(ctx context.Context) ([]model.OutboxMutation, error) {
	var rows []model.OutboxMutation
	err := s.db.WithContext(ctx).Order("created_at, op_id").Find(&rows).Error
	return rows, err
}

func (s *Store) CountMutations(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.OutboxMutation{}).Count(&n).Error
	return n, err
}

// RewriteMutationPaths rewrites every queued http.json row whose path starts
// with /api/notes/<tempToken> to reference realID instead. The last error is
// cleared and the row made immediately eligible so a prior failure does not
// block the reattempt. Returns the number of rows rewritten.
func (s *Store) RewriteMutationPaths(ctx context.Context, tempToken string, realID int64) (int, error) {
	rows, err := s.ListMutations(ctx)
	if err != nil {
		return 0, err
	}
	prefix := "/api/notes/" + tempToken
	real := strconv.FormatInt(realID, 10)
	rewritten := 0
	for i := range rows {
		row := rows[i]
		if row.Kind != model.KindHTTPJSON {
			continue
		}
		p, err := model.DecodeHTTPPayload(row.Payload)
		if err != nil {
			continue // the executor will fail it closed
		}
		rest, ok := strings.CutPrefix(p.Path, prefix)
		if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
			continue
		}
		p.Path = "/api/notes/" + real + rest
		raw, err := json.Marshal(p)
		if err != nil {
			return rewritten, err
		}
		row.Payload = raw
		row.LastError = nil
		row.NextAttemptAt = 0
		if err := s.PutMutation(ctx, &row); err != nil {
			return rewritten, err
		}
		rewritten++
	}
	return rewritten, nil
}

// --- Upload queue ---

func (s *Store) PutUpload(ctx context.Context, u *model.UploadTask) error {
	return s.db.WithContext(ctx).Save(u).Error
}

func (s *Store) GetUpload(ctx context.Context, opID string) (*model.UploadTask, error) {
	var u model.UploadTask
	err := s.db.WithContext(ctx).First(&u, "op_id = ?", opID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) DeleteUpload(ctx context.Context, opID string) error {
	return s.db.WithContext(ctx).Delete(&model.UploadTask{}, "op_id = ?", opID).Error
}

func (s *Store) ListUploads(ctx context.Context) ([]model.UploadTask, error) {
	var rows []model.UploadTask
	err := s.db.WithContext(ctx).Order("created_at, op_id").Find(&rows).Error
	return rows, err
}

// RewriteUploadNoteIDs repoints queued uploads from a placeholder note id to
// the server-assigned one.
func (s *Store) RewriteUploadNoteIDs(ctx context.Context, tempID, realID int64) (int, error) {
	res := s.db.WithContext(ctx).Model(&model.UploadTask{}).
		Where("note_id = ?", tempID).
		Updates(map[string]any{"note_id": realID, "last_error": nil, "next_attempt_at": 0})
	return int(res.RowsAffected), res.Error
}

// --- Sync metadata ---

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var row model.SyncMeta
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Value, nil
}

func (s *Store) PutMeta(ctx context.Context, key, value string) error {
	return s.db.WithContext(ctx).Save(&model.SyncMeta{Key: key, Value: value}).Error
}

func (s *Store) DeleteMeta(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Delete(&model.SyncMeta{}, "key = ?", key).Error
}

func seqKey(docKey string) string { return "ydoc-seq:" + docKey }

// NextDocSeq increments and returns the per-document update sequence.
func (s *Store) NextDocSeq(ctx context.Context, docKey string) (int64, error) {
	cur, err := s.GetMeta(ctx, seqKey(docKey))
	if err != nil {
		return 0, err
	}
	n, _ := strconv.ParseInt(cur, 10, 64)
	n++
	if err := s.PutMeta(ctx, seqKey(docKey), strconv.FormatInt(n, 10)); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) ResetDocSeq(ctx context.Context, docKey string) error {
	return s.PutMeta(ctx, seqKey(docKey), "0")
}

// --- Document snapshots and updates ---

func (s *Store) PutSnapshot(ctx context.Context, docKey string, snapshot []byte) error {
	return s.db.WithContext(ctx).Save(&model.DocSnapshot{DocKey: docKey, Snapshot: snapshot}).Error
}

func (s *Store) GetSnapshot(ctx context.Context, docKey string) ([]byte, error) {
	var row model.DocSnapshot
	err := s.db.WithContext(ctx).First(&row, "doc_key = ?", docKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Snapshot, nil
}

func (s *Store) AppendDocUpdate(ctx context.Context, docKey string, seq int64, update []byte, origin string) error {
	row := model.DocUpdate{
		ID:     fmt.Sprintf("%s:%d", docKey, seq),
		DocKey: docKey,
		Seq:    seq,
		Update: update,
	}
	if origin != "" {
		row.Origin = &origin
	}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) ListDocUpdates(ctx context.Context, docKey string) ([]model.DocUpdate, error) {
	var rows []model.DocUpdate
	err := s.db.WithContext(ctx).Where("doc_key = ?", docKey).Order("seq").Find(&rows).Error
	return rows, err
}

func (s *Store) DeleteDocUpdates(ctx context.Context, docKey string) error {
	return s.db.WithContext(ctx).Delete(&model.DocUpdate{}, "doc_key = ?", docKey).Error
}

func (s *Store) DeleteSnapshot(ctx context.Context, docKey string) error {
	return s.db.WithContext(ctx).Delete(&model.DocSnapshot{}, "doc_key = ?", docKey).Error
}

// PurgeLegacyDoc removes the pre-provider snapshot/update rows for a
// document. Idempotent; leaving dead rows behind on failure is harmless.
func (s *Store) PurgeLegacyDoc(ctx context.Context, docID string) error {
	if err := s.DeleteSnapshot(ctx, docID); err != nil {
		return err
	}
	if err := s.DeleteDocUpdates(ctx, docID); err != nil {
		return err
	}
	return s.DeleteMeta(ctx, seqKey(docID))
}

// --- Notes list cache ---

const notesCacheKey = "notes:active"

// SaveNotesCache stores the raw notes list for the offline list view.
func (s *Store) SaveNotesCache(ctx context.Context, notes json.RawMessage) error {
	if notes == nil {
		notes = json.RawMessage("[]")
	}
	return s.db.WithContext(ctx).Save(&model.NoteCacheRow{Key: notesCacheKey, Notes: notes}).Error
}

// LoadNotesCache returns the cached notes list, or an empty array.
func (s *Store) LoadNotesCache(ctx context.Context) (json.RawMessage, error) {
	var row model.NoteCacheRow
	err := s.db.WithContext(ctx).First(&row, "key = ?", notesCacheKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return json.RawMessage("[]"), nil
	}
	if err != nil {
		return nil, err
	}
	return row.Notes, nil
}
