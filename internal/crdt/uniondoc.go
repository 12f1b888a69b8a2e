package crdt

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// UnionDoc is the simplest document satisfying the Doc contract: its state is
// the set of updates ever applied, merged by union and deduplicated by
// content hash. Applying updates in any order or any number of times yields
// the same encoded state, which is exactly the property the replication
// bridge and persistence provider rely on. Production deployments substitute
// a real CRDT implementation behind the same interface.
type UnionDoc struct {
	mu       sync.Mutex
	updates  map[[32]byte][]byte
	handlers map[int]UpdateHandler
	nextH    int
}

// NewUnionDoc returns an empty document.
func NewUnionDoc() *UnionDoc {
	return &UnionDoc{
		updates:  make(map[[32]byte][]byte),
		handlers: make(map[int]UpdateHandler),
	}
}

func (d *UnionDoc) ApplyUpdate(update []byte, origin string) error {
	if len(update) == 0 {
		return fmt.Errorf("empty update")
	}
	key := sha256.Sum256(update)

	d.mu.Lock()
	if _, seen := d.updates[key]; seen {
		d.mu.Unlock()
		return nil
	}
	d.updates[key] = append([]byte(nil), update...)
	hs := make([]UpdateHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		hs = append(hs, h)
	}
	d.mu.Unlock()

	for _, h := range hs {
		h(update, origin)
	}
	return nil
}

func (d *UnionDoc) OnUpdate(h UpdateHandler) func() {
	d.mu.Lock()
	id := d.nextH
	d.nextH++
	d.handlers[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// EncodeStateAsUpdate frames every held update, ordered by content hash so
// replicas that applied the same set in different orders encode byte-identical
// state.
func (d *UnionDoc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	keys := make([][32]byte, 0, len(d.updates))
	for k := range d.updates {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	for _, k := range keys {
		u := d.updates[k]
		n := binary.PutUvarint(lenBuf[:], uint64(len(u)))
		buf.Write(lenBuf[:n])
		buf.Write(u)
	}
	d.mu.Unlock()
	return buf.Bytes(), nil
}

// Len reports the number of distinct updates held.
func (d *UnionDoc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.updates)
}
