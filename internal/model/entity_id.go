package model

import (
	"math"
	"regexp"
	"strconv"
)

// MaxServerID is the largest entity id the backing API can represent
// (IEEE-754 safe integer range).
const MaxServerID = int64(1)<<53 - 1

// EntityID distinguishes a client-local placeholder from a server-assigned
// id, so remap logic never has to pattern-match on the sign of an integer.
type EntityID struct {
	remote bool
	id     int64
	token  string
}

// RemoteID wraps a server-assigned id.
func RemoteID(id int64) EntityID { return EntityID{remote: true, id: id} }

// LocalID wraps a client placeholder token.
func LocalID(token string) EntityID { return EntityID{token: token} }

func (e EntityID) IsRemote() bool { return e.remote }

// Remote returns the server id when the identifier is server-assigned.
func (e EntityID) Remote() (int64, bool) {
	if !e.remote {
		return 0, false
	}
	return e.id, true
}

// Local returns the placeholder token when the identifier is client-local.
func (e EntityID) Local() (string, bool) {
	if e.remote {
		return "", false
	}
	return e.token, true
}

func (e EntityID) String() string {
	if e.remote {
		return strconv.FormatInt(e.id, 10)
	}
	return e.token
}

// PlaceholderToken renders a negative placeholder id the way it appears in
// request paths.
func PlaceholderToken(id int64) string { return strconv.FormatInt(id, 10) }

var notePathRe = regexp.MustCompile(`^/api/notes/(-?[0-9]+)(/|$)`)

// ParseNotePathID extracts the leading note id segment of an API path.
// Negative segments are placeholders; segments too large for int64 map to an
// out-of-range remote id so the validation guard drops the row instead of
// retrying it forever.
func ParseNotePathID(path string) (EntityID, bool) {
	m := notePathRe.FindStringSubmatch(path)
	if m == nil {
		return EntityID{}, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return RemoteID(math.MaxInt64), true
	}
	if n < 0 {
		return LocalID(m[1]), true
	}
	return RemoteID(n), true
}
