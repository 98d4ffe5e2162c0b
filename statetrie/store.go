// Package statetrie implements the service-addressable, content-hashed
// world state store described in spec §4.4. Every service's data lives
// under its own key namespace inside one flat trie; the store never knows
// what a key's bytes mean, only how to snapshot, roll back, and hash them.
package statetrie

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tolelom/tolchain/chainerr"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/storage"
)

// overlayCacheSize bounds the read-through LRU in front of the backing DB.
// Sized for a working set of recently-touched keys across one block's worth
// of cross-service calls, not the whole state.
const overlayCacheSize = 50_000

type snapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// Store is a namespaced key-value world state with snapshot/rollback and a
// deterministic root hash, backed by storage.DB and fronted by an LRU read
// cache. Namespace isolation (service A cannot see service B's keys without
// going through a cross-service call) is enforced by the vm package, which
// prefixes every key it passes in with the owning service's name; Store
// itself is namespace-agnostic.
type Store struct {
	mu        sync.RWMutex
	db        storage.DB
	overlay   *lru.Cache[string, []byte]
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []snapshot
}

// New creates a Store backed by db.
func New(db storage.DB) (*Store, error) {
	cache, err := lru.New[string, []byte](overlayCacheSize)
	if err != nil {
		return nil, chainerr.New(chainerr.Internal, "statetrie.New", err)
	}
	return &Store{
		db:      db,
		overlay: cache,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}, nil
}

// Get reads key, checking the write buffer, then the read cache, then the
// backing DB.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := string(key)
	if s.deleted[k] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[k]; ok {
		return v, nil
	}
	if v, ok := s.overlay.Get(k); ok {
		return v, nil
	}
	v, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	s.overlay.Add(k, v)
	return v, nil
}

// Set stages a write in the in-memory buffer; it is not visible to other
// Stores (there are none) nor durable until Commit.
func (s *Store) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	delete(s.deleted, k)
	s.dirty[k] = value
	return nil
}

// Delete stages a deletion.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(key)
	delete(s.dirty, k)
	s.deleted[k] = true
	return nil
}

// Snapshot saves the current write buffer and returns a snapshot ID, used by
// the execution pipeline to roll back a single failed transaction without
// discarding the rest of the segment's effects.
func (s *Store) Snapshot() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := snapshot{
		dirty:   make(map[string][]byte, len(s.dirty)),
		deleted: make(map[string]bool, len(s.deleted)),
	}
	for k, v := range s.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		snap.dirty[k] = cp
	}
	for k, v := range s.deleted {
		snap.deleted[k] = v
	}
	s.snapshots = append(s.snapshots, snap)
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot,
// discarding every later snapshot too (rollbacks are strictly LIFO).
func (s *Store) RevertToSnapshot(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.snapshots) {
		return chainerr.New(chainerr.InvalidInput, "statetrie.RevertToSnapshot", fmt.Errorf("invalid snapshot id %d", id))
	}
	snap := s.snapshots[id]

	dirty := make(map[string][]byte, len(snap.dirty))
	for k, v := range snap.dirty {
		cp := make([]byte, len(v))
		copy(cp, v)
		dirty[k] = cp
	}
	deleted := make(map[string]bool, len(snap.deleted))
	for k, v := range snap.deleted {
		deleted[k] = v
	}
	s.dirty = dirty
	s.deleted = deleted
	s.snapshots = s.snapshots[:id]
	return nil
}

// namespacePrefixes lists the byte-range scans ComputeRoot must merge
// against the backing DB; statetrie has no fixed schema of its own, so the
// vm package registers each service's namespace once at startup.
var (
	namespacePrefixes   []string
	namespacePrefixesMu sync.Mutex
)

// RegisterNamespace adds prefix to the set ComputeRoot scans. Idempotent;
// call once per service at runtime construction time.
func RegisterNamespace(prefix string) {
	namespacePrefixesMu.Lock()
	defer namespacePrefixesMu.Unlock()
	for _, p := range namespacePrefixes {
		if p == prefix {
			return
		}
	}
	namespacePrefixes = append(namespacePrefixes, prefix)
}

// ComputeRoot returns the deterministic hash of the complete world state: it
// merges every registered namespace's persisted entries with the current
// write buffer, excludes deleted keys, sorts, and hashes length-prefixed
// key/value pairs. It does not mutate state, so it is safe to call before a
// block's state root is finalized and signed.
func (s *Store) ComputeRoot() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make(map[string][]byte)
	namespacePrefixesMu.Lock()
	prefixes := append([]string(nil), namespacePrefixes...)
	namespacePrefixesMu.Unlock()
	for _, prefix := range prefixes {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			k := string(it.Key())
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			merged[k] = v
		}
		it.Release()
		if err := it.Error(); err != nil {
			return "", chainerr.New(chainerr.Storage, "statetrie.ComputeRoot", err)
		}
	}
	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		kb := []byte(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(kb)))
		buf.Write(lenBuf[:])
		buf.Write(kb)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes()), nil
}

// Commit atomically flushes the write buffer to the backing DB via a single
// WriteBatch, refreshes the read cache with the new values, and clears all
// pending snapshots.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
		s.overlay.Add(k, v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
		s.overlay.Remove(k)
	}
	if err := batch.Write(); err != nil {
		return chainerr.New(chainerr.Storage, "statetrie.Commit", err)
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}
