// Package blockstore implements the content-addressed block store (C3): a
// pure byte oracle with no knowledge of record types or encryption, plus
// the fetch-from-peer and pin-list prefetch operations spec.md §6.1 names
// as external collaborators this core invokes.
//
// Grounded on the teacher's diskLRU in core/storage.go: an on-disk,
// mutex-guarded, eviction-on-insert cache keyed by content hash.
package blockstore

import (
	"container/list"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
)

const defaultMaxEntries = 10_000

// PeerFetcher resolves hashes from a remote peer, the block-transport
// substrate spec.md §6.1 treats as an external collaborator.
type PeerFetcher interface {
	FetchHash(ctx context.Context, hash [32]byte, peerID string) ([]byte, error)
	FetchHashList(ctx context.Context, hash [32]byte, peerID string) ([][32]byte, error)
}

type entry struct {
	key  string
	path string
	elem *list.Element
}

// Store is a content-addressed, on-disk LRU-evicting block cache.
type Store struct {
	dir string
	max int

	mu    sync.Mutex
	index map[string]*entry
	order *list.List // front = most recently used

	log     *zap.Logger
	fetcher PeerFetcher
}

// New opens (creating if absent) a block store rooted at dir.
func New(dir string, maxEntries int, log *zap.Logger, fetcher PeerFetcher) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "create block store dir", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		dir:     dir,
		max:     maxEntries,
		index:   make(map[string]*entry),
		order:   list.New(),
		log:     log,
		fetcher: fetcher,
	}, nil
}

// SetPeerFetcher wires the fetch-from-peer collaborator after construction,
// for callers that must build the store before the transport that will
// back its PeerFetcher exists (the peer host needs a store to dispatch
// inbound FetchBlock requests against, so the two are built in sequence
// rather than both up front).
func (s *Store) SetPeerFetcher(fetcher PeerFetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = fetcher
}

func hashKey(h [32]byte) string { return hex.EncodeToString(h[:]) }

// Put stores bytes under their BLAKE3 hash, idempotently: identical bytes
// always yield the same hash and a repeat Put is a no-op (spec.md §4.3).
func (s *Store) Put(data []byte) ([32]byte, error) {
	h := linkdata.Hash(data)
	key := hashKey(h)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.index[key]; ok {
		s.order.MoveToFront(ent.elem)
		s.log.Debug("block store hit on put", zap.String("hash", key))
		return h, nil
	}

	if s.order.Len() >= s.max {
		s.evictOldestLocked()
	}

	p := filepath.Join(s.dir, key)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return [32]byte{}, jaxerr.Wrap(jaxerr.BlockStoreError, "write block", err)
	}
	ent := &entry{key: key, path: p}
	ent.elem = s.order.PushFront(ent)
	s.index[key] = ent
	s.log.Debug("block store put", zap.String("hash", key), zap.Int("size", len(data)))
	return h, nil
}

func (s *Store) evictOldestLocked() {
	oldest := s.order.Back()
	if oldest == nil {
		return
	}
	ent := oldest.Value.(*entry)
	_ = os.Remove(ent.path)
	delete(s.index, ent.key)
	s.order.Remove(oldest)
	s.log.Debug("block store eviction", zap.String("hash", ent.key))
}

// Get returns the bytes stored under hash, failing with NotFound if this
// store has not ingested it (spec.md §4.3).
func (s *Store) Get(hash [32]byte) ([]byte, error) {
	key := hashKey(hash)

	s.mu.Lock()
	ent, ok := s.index[key]
	if ok {
		s.order.MoveToFront(ent.elem)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("block store miss", zap.String("hash", key))
		return nil, jaxerr.New(jaxerr.NotFound, fmt.Sprintf("block %s not found", key))
	}
	data, err := os.ReadFile(ent.path)
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "read block", err)
	}
	return data, nil
}

// Exists reports whether hash has been ingested.
func (s *Store) Exists(hash [32]byte) bool {
	key := hashKey(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

// FetchFromPeer instructs the transport substrate to pull hash from peerID
// and persist it locally, returning only after local persistence
// (spec.md §4.3).
func (s *Store) FetchFromPeer(ctx context.Context, hash [32]byte, peerID string) error {
	if s.fetcher == nil {
		return jaxerr.New(jaxerr.BlockStoreError, "no peer fetcher configured")
	}
	if s.Exists(hash) {
		return nil
	}
	data, err := s.fetcher.FetchHash(ctx, hash, peerID)
	if err != nil {
		return jaxerr.Wrap(jaxerr.BlockStoreError, "fetch from peer", err)
	}
	got := linkdata.Hash(data)
	if got != hash {
		return jaxerr.New(jaxerr.IntegrityFailure, "peer served bytes not matching requested hash")
	}
	if _, err := s.Put(data); err != nil {
		return err
	}
	return nil
}

// PrefetchPins warms the local block store with every blob a pin-list
// names, not just the pin-list blob itself — the pin-list prefetch
// supplemented feature (see DESIGN.md, original_source's
// ipfs_rpc.rs/get_bucket_pins.rs). Best-effort: a failure on any
// individual hash is logged and does not fail the call, matching how
// pin-list download itself is best-effort in spec.md §4.8.2/§4.8.4.
func (s *Store) PrefetchPins(ctx context.Context, pinsHash [32]byte, peerID string) {
	if s.fetcher == nil {
		return
	}
	hashes, err := s.fetcher.FetchHashList(ctx, pinsHash, peerID)
	if err != nil {
		s.log.Warn("prefetch pins: resolve hash list failed", zap.Error(err))
		return
	}
	for _, h := range hashes {
		if err := s.FetchFromPeer(ctx, h, peerID); err != nil {
			s.log.Warn("prefetch pins: fetch pinned blob failed", zap.String("hash", hashKey(h)), zap.Error(err))
		}
	}
}
