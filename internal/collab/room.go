// Package collab derives the stable room key under which a note's
// collaborative document is synced and persisted.
package collab

import (
	"strconv"
	"time"
)

// RoomKey names a note's collaboration room. When the creation time is known
// it is folded into the key, so a reused note id never collides with a prior
// note's persisted document state.
func RoomKey(noteID int64, createdAt time.Time) string {
	if noteID <= 0 {
		return "note-" + strconv.FormatInt(noteID, 10)
	}
	ms := createdAt.UnixMilli()
	if createdAt.IsZero() || ms <= 0 {
		return "note-" + strconv.FormatInt(noteID, 10)
	}
	return "note-" + strconv.FormatInt(noteID, 10) + "-c" + strconv.FormatInt(ms, 36)
}
