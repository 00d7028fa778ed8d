package peerhost

import (
	"context"
	"testing"
	"time"

	"github.com/jaxbucket/jaxbucket/internal/blockstore"
	"github.com/jaxbucket/jaxbucket/internal/cryptutil"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
	"github.com/jaxbucket/jaxbucket/internal/wire"
)

func newTestStore(t *testing.T) *blockstore.Store {
	t.Helper()
	s, err := blockstore.New(t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func sampleLink(t *testing.T, s *blockstore.Store) linkdata.Link {
	t.Helper()
	hash, err := s.Put([]byte("sample block"))
	if err != nil {
		t.Fatalf("put block: %v", err)
	}
	link, err := linkdata.NewLink(linkdata.CodecRaw, hash)
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	return link
}

// newPair starts two hosts on loopback and connects B to A via bootstrap,
// returning both with a cleanup that closes them.
func newPair(t *testing.T) (a, b *Host, storeA, storeB *blockstore.Store) {
	t.Helper()
	ctx := context.Background()

	storeA, storeB = newTestStore(t), newTestStore(t)
	_, privA, err := cryptutil.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity a: %v", err)
	}
	_, privB, err := cryptutil.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity b: %v", err)
	}

	a, err = New(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"}, privA, storeA, nil)
	if err != nil {
		t.Fatalf("new host a: %v", err)
	}
	t.Cleanup(func() { a.Close() })

	b, err = New(ctx, Config{ListenAddr: "/ip4/127.0.0.1/tcp/0", BootstrapPeers: []string{a.Addr()}}, privB, storeB, nil)
	if err != nil {
		t.Fatalf("new host b: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	return a, b, storeA, storeB
}

func TestPeerIDFromIdentityMatchesHostID(t *testing.T) {
	pub, priv, err := cryptutil.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	store := newTestStore(t)
	h, err := New(context.Background(), Config{ListenAddr: "/ip4/127.0.0.1/tcp/0"}, priv, store, nil)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	defer h.Close()

	derived, err := PeerIDFromIdentity(pub)
	if err != nil {
		t.Fatalf("derive peer id: %v", err)
	}
	if derived != h.ID() {
		t.Fatalf("expected derived peer id %s to equal host id %s", derived, h.ID())
	}
}

func TestPingRoundTrip(t *testing.T) {
	a, b, storeA, _ := newPair(t)

	link := sampleLink(t, storeA)
	a.SetPingHandler(func(req wire.PingRequest) wire.PingResponse {
		return wire.InSyncResponse()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := b.Ping(ctx, a.ID(), wire.PingRequest{CurrentLink: link})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.Status != wire.StatusInSync {
		t.Fatalf("expected InSync, got %v", resp.Status)
	}
}

func TestPingWithNoHandlerReturnsNotFound(t *testing.T) {
	a, b, storeA, _ := newPair(t)
	link := sampleLink(t, storeA)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := b.Ping(ctx, a.ID(), wire.PingRequest{CurrentLink: link})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.Status != wire.StatusNotFound {
		t.Fatalf("expected NotFound when no handler is registered, got %v", resp.Status)
	}
}

func TestFetchBucketRoundTrip(t *testing.T) {
	a, b, storeA, _ := newPair(t)
	link := sampleLink(t, storeA)

	var bucketID [16]byte
	copy(bucketID[:], []byte("bucket-under-test"))
	a.SetFetchBucketHandler(func(req wire.FetchBucketRequest) wire.FetchBucketResponse {
		if req.BucketID != bucketID {
			t.Errorf("unexpected bucket id in request: %v", req.BucketID)
		}
		return wire.FoundFetchResponse(link)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := b.FetchBucket(ctx, a.ID(), wire.FetchBucketRequest{BucketID: bucketID})
	if err != nil {
		t.Fatalf("fetch bucket: %v", err)
	}
	if resp.CurrentLink == nil || !resp.CurrentLink.Equal(link) {
		t.Fatalf("expected current link %s, got %v", link, resp.CurrentLink)
	}
}

func TestFetchHashRoundTrip(t *testing.T) {
	a, b, storeA, _ := newPair(t)

	hash, err := storeA.Put([]byte("block content"))
	if err != nil {
		t.Fatalf("put block: %v", err)
	}
	a.SetBlockHandler(func(h [32]byte) ([]byte, bool) {
		data, err := storeA.Get(h)
		if err != nil {
			return nil, false
		}
		return data, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, err := b.FetchHash(ctx, hash, a.ID())
	if err != nil {
		t.Fatalf("fetch hash: %v", err)
	}
	if string(data) != "block content" {
		t.Fatalf("unexpected block content: %q", data)
	}
}

func TestFetchHashNotFound(t *testing.T) {
	a, b, _, _ := newPair(t)
	a.SetBlockHandler(func(h [32]byte) ([]byte, bool) {
		return nil, false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var missing [32]byte
	if _, err := b.FetchHash(ctx, missing, a.ID()); err == nil {
		t.Fatal("expected error for block the peer does not hold")
	}
}

func TestFetchHashListSplitsConcatenatedHashes(t *testing.T) {
	a, b, storeA, _ := newPair(t)

	h1, err := storeA.Put([]byte("one"))
	if err != nil {
		t.Fatalf("put h1: %v", err)
	}
	h2, err := storeA.Put([]byte("two"))
	if err != nil {
		t.Fatalf("put h2: %v", err)
	}
	listBytes := append(append([]byte{}, h1[:]...), h2[:]...)
	listHash, err := storeA.Put(listBytes)
	if err != nil {
		t.Fatalf("put list: %v", err)
	}
	a.SetBlockHandler(func(h [32]byte) ([]byte, bool) {
		data, err := storeA.Get(h)
		if err != nil {
			return nil, false
		}
		return data, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := b.FetchHashList(ctx, listHash, a.ID())
	if err != nil {
		t.Fatalf("fetch hash list: %v", err)
	}
	if len(got) != 2 || got[0] != h1 || got[1] != h2 {
		t.Fatalf("unexpected hash list: %v", got)
	}
}

func TestAnnounceDeliversSenderIdentity(t *testing.T) {
	a, b, storeA, _ := newPair(t)
	link := sampleLink(t, storeA)
	bPub, _, err := cryptutil.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate sender identity: %v", err)
	}

	received := make(chan wire.AnnounceMessage, 1)
	a.SetAnnounceHandler(func(peerID string, msg wire.AnnounceMessage) {
		received <- msg
	})

	var bucketID [16]byte
	copy(bucketID[:], []byte("announced-bucket"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := wire.AnnounceMessage{BucketID: bucketID, NewLink: link, SenderIdentity: bPub}
	if err := b.Announce(ctx, a.ID(), msg); err != nil {
		t.Fatalf("announce: %v", err)
	}

	select {
	case got := <-received:
		if got.BucketID != bucketID {
			t.Fatalf("unexpected bucket id: %v", got.BucketID)
		}
		if !got.NewLink.Equal(link) {
			t.Fatalf("unexpected new link: %s", got.NewLink)
		}
		if got.SenderIdentity != bPub {
			t.Fatalf("sender identity did not round-trip")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for announce to be delivered")
	}
}
