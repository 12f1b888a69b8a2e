package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNotePathID(t *testing.T) {
	id, ok := ParseNotePathID("/api/notes/42")
	require.True(t, ok)
	remote, isRemote := id.Remote()
	require.True(t, isRemote)
	require.Equal(t, int64(42), remote)

	id, ok = ParseNotePathID("/api/notes/42/images")
	require.True(t, ok)
	remote, _ = id.Remote()
	require.Equal(t, int64(42), remote)

	id, ok = ParseNotePathID("/api/notes/-1001/collections")
	require.True(t, ok)
	require.False(t, id.IsRemote())
	token, isLocal := id.Local()
	require.True(t, isLocal)
	require.Equal(t, "-1001", token)

	_, ok = ParseNotePathID("/api/notes/order")
	require.False(t, ok)

	_, ok = ParseNotePathID("/api/collections/7")
	require.False(t, ok)

	_, ok = ParseNotePathID("/api/notes")
	require.False(t, ok)
}

func TestParseNotePathIDOverflow(t *testing.T) {
	// Larger than int64: must come back remote and out of range, so the
	// executor drops it instead of retrying forever.
	id, ok := ParseNotePathID("/api/notes/99999999999999999999")
	require.True(t, ok)
	remote, isRemote := id.Remote()
	require.True(t, isRemote)
	require.Greater(t, remote, MaxServerID)
}

func TestPlaceholderToken(t *testing.T) {
	require.Equal(t, "-1001", PlaceholderToken(-1001))
}
