package syncengine

import (
	"context"

	"github.com/jaxbucket/jaxbucket/internal/bucket"
	"github.com/jaxbucket/jaxbucket/internal/cryptutil"
	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
	"github.com/jaxbucket/jaxbucket/internal/wire"
)

// provenanceCheck requires sender's identity to appear in m's share set
// (spec.md §4.8.1). Announces from non-authorised peers are rejected.
func provenanceCheck(m *bucket.Manifest, sender cryptutil.PublicKey) error {
	if _, ok := m.GetShare(sender); !ok {
		return jaxerr.New(jaxerr.NotAuthorised, "announcing peer not in bucket share set")
	}
	return nil
}

// singleHopCheck requires m.Previous to equal current exactly.
func singleHopCheck(m *bucket.Manifest, current linkdata.Link) error {
	if m.Previous == nil || !m.Previous.Equal(current) {
		return jaxerr.New(jaxerr.ForkDetected, "manifest previous link does not match local head")
	}
	return nil
}

// multiHopCheck downloads Manifests from peerID starting at newLink and
// follows previous until it meets current (success), runs out of history
// (fork), exceeds the depth bound, or revisits a hash already seen in this
// walk (also a fork: a byzantine peer can serve a cycle of Manifests that
// each look valid in isolation, so the depth bound alone is not enough —
// spec.md §4.8.1/§8). It returns the number of hops walked on success.
func multiHopCheck(ctx context.Context, store BlockSource, peerID string, newLink, current linkdata.Link) (int, error) {
	cur := newLink
	visited := make(map[[32]byte]bool, maxWalkDepth)
	for depth := 0; depth < maxWalkDepth; depth++ {
		h := cur.Hash()
		if visited[h] {
			return 0, jaxerr.New(jaxerr.ForkDetected, "multi-hop walk encountered a cycle")
		}
		visited[h] = true

		if err := store.FetchFromPeer(ctx, h, peerID); err != nil {
			return 0, jaxerr.Wrap(jaxerr.BlockStoreError, "multi-hop: fetch manifest from peer", err)
		}
		data, err := store.Get(h)
		if err != nil {
			return 0, err
		}
		m, err := bucket.DecodeManifest(data)
		if err != nil {
			return 0, err
		}
		if m.Previous == nil {
			return 0, jaxerr.New(jaxerr.ForkDetected, "multi-hop walk reached a genesis manifest without meeting local head")
		}
		if m.Previous.Equal(current) {
			return depth + 1, nil
		}
		cur = *m.Previous
	}
	return 0, jaxerr.New(jaxerr.DepthExceeded, "multi-hop walk exceeded the fixed depth bound")
}

// pingVerdict computes the SyncStatus this node should answer a Ping with,
// per spec.md §4.7: InSync on exact match, Ahead when the requester's link
// is a locally-known ancestor of our head, Behind otherwise. The walk only
// touches blocks this node already has locally; a missing block ends the
// walk early ("not found in history", spec.md §4.7) rather than failing.
func pingVerdict(store BlockSource, present bool, ownLink linkdata.Link, requester linkdata.Link) wire.PingResponse {
	if !present {
		return wire.NotFoundResponse()
	}
	if ownLink.Equal(requester) {
		return wire.InSyncResponse()
	}
	cur := ownLink
	visited := make(map[[32]byte]bool, maxWalkDepth)
	for depth := 0; depth < maxWalkDepth; depth++ {
		h := cur.Hash()
		if visited[h] {
			break
		}
		visited[h] = true

		data, err := store.Get(h)
		if err != nil {
			break
		}
		m, err := bucket.DecodeManifest(data)
		if err != nil {
			break
		}
		if m.Previous == nil {
			break
		}
		if m.Previous.Equal(requester) {
			return wire.AheadResponse()
		}
		cur = *m.Previous
	}
	return wire.BehindResponse()
}
