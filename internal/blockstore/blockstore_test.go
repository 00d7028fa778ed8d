package blockstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
)

func TestPutGetIdempotent(t *testing.T) {
	s, err := New(t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	data := []byte("block contents")
	h1, err := s.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	h2, err := s.Put(data)
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("put not idempotent: %x != %x", h1, h2)
	}
	got, err := s.Get(h1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("get returned different bytes")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s, _ := New(t.TempDir(), 0, nil, nil)
	_, err := s.Get(linkdata.Hash([]byte("never stored")))
	if jaxerr.Classify(err) != jaxerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestExists(t *testing.T) {
	s, _ := New(t.TempDir(), 0, nil, nil)
	data := []byte("x")
	h := linkdata.Hash(data)
	if s.Exists(h) {
		t.Fatalf("expected absent before put")
	}
	if _, err := s.Put(data); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !s.Exists(h) {
		t.Fatalf("expected present after put")
	}
}

func TestEvictionUnderCapacity(t *testing.T) {
	s, err := New(t.TempDir(), 2, nil, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	h1, _ := s.Put([]byte("one"))
	_, _ = s.Put([]byte("two"))
	_, _ = s.Put([]byte("three"))

	if s.Exists(h1) {
		t.Fatalf("expected oldest entry to be evicted")
	}
}

type fakeFetcher struct {
	blobs map[[32]byte][]byte
	lists map[[32]byte][][32]byte
}

func (f *fakeFetcher) FetchHash(_ context.Context, h [32]byte, _ string) ([]byte, error) {
	return f.blobs[h], nil
}

func (f *fakeFetcher) FetchHashList(_ context.Context, h [32]byte, _ string) ([][32]byte, error) {
	return f.lists[h], nil
}

func TestFetchFromPeerPersistsLocally(t *testing.T) {
	data := []byte("remote bytes")
	h := linkdata.Hash(data)
	fetcher := &fakeFetcher{blobs: map[[32]byte][]byte{h: data}}
	s, _ := New(t.TempDir(), 0, nil, fetcher)

	if err := s.FetchFromPeer(context.Background(), h, "peer-1"); err != nil {
		t.Fatalf("fetch from peer: %v", err)
	}
	got, err := s.Get(h)
	if err != nil {
		t.Fatalf("get after fetch: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("fetched bytes mismatch")
	}
}

func TestSetPeerFetcherWiresFetchAfterConstruction(t *testing.T) {
	data := []byte("late-bound bytes")
	h := linkdata.Hash(data)
	s, _ := New(t.TempDir(), 0, nil, nil)

	if err := s.FetchFromPeer(context.Background(), h, "peer-1"); jaxerr.Classify(err) != jaxerr.BlockStoreError {
		t.Fatalf("expected BlockStoreError with no fetcher configured, got %v", err)
	}

	s.SetPeerFetcher(&fakeFetcher{blobs: map[[32]byte][]byte{h: data}})
	if err := s.FetchFromPeer(context.Background(), h, "peer-1"); err != nil {
		t.Fatalf("fetch from peer after SetPeerFetcher: %v", err)
	}
	if !s.Exists(h) {
		t.Fatalf("expected block to be persisted after fetch")
	}
}

func TestPrefetchPinsWarmsListedBlobs(t *testing.T) {
	a, b := []byte("a-blob"), []byte("b-blob")
	ha, hb := linkdata.Hash(a), linkdata.Hash(b)
	pinsHash := linkdata.Hash([]byte("pins"))
	fetcher := &fakeFetcher{
		blobs: map[[32]byte][]byte{ha: a, hb: b},
		lists: map[[32]byte][][32]byte{pinsHash: {ha, hb}},
	}
	s, _ := New(t.TempDir(), 0, nil, fetcher)

	s.PrefetchPins(context.Background(), pinsHash, "peer-1")

	if !s.Exists(ha) || !s.Exists(hb) {
		t.Fatalf("expected both pinned blobs to be prefetched")
	}
}
