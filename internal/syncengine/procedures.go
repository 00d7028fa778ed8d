package syncengine

import (
	"context"

	"github.com/jaxbucket/jaxbucket/internal/bucket"
	"github.com/jaxbucket/jaxbucket/internal/catalog"
	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
	"github.com/jaxbucket/jaxbucket/internal/wire"
)

// Pull runs spec.md §4.8.2 for bucketID: ping every peer in the share set,
// follow whichever one claims to be Ahead, verify and adopt its head.
func (e *Engine) Pull(ctx context.Context, bucketID [16]byte) error {
	row, ok, err := e.cat.Get(ctx, bucketID)
	if err != nil {
		return err
	}
	if !ok {
		return jaxerr.New(jaxerr.NotFound, "pull: no catalog row for bucket")
	}

	if err := e.cat.SetSyncState(ctx, bucketID, catalog.Syncing, ""); err != nil {
		return err
	}

	manifest, err := e.localManifestAt(row.CurrentLink)
	if err != nil {
		e.fail(ctx, bucketID, "pull: load local manifest", err)
		return err
	}
	peers := e.peersExcludingSelf(manifest)
	if len(peers) == 0 {
		return e.cat.SetSyncState(ctx, bucketID, catalog.Synced, "")
	}

	type verdict struct {
		peerID string
		status wire.PingResponse
	}
	results := make(chan verdict, len(peers))
	for _, p := range peers {
		go func(peerID string) {
			resp, err := e.transport.Ping(ctx, peerID, wire.PingRequest{BucketID: bucketID, CurrentLink: row.CurrentLink})
			if err != nil {
				results <- verdict{peerID: peerID}
				return
			}
			results <- verdict{peerID: peerID, status: resp}
		}(p)
	}

	var aheadPeer string
	found := false
	for i := 0; i < len(peers); i++ {
		v := <-results
		if !found && v.status.Status == wire.StatusAhead {
			aheadPeer = v.peerID
			found = true
		}
	}
	if !found {
		return e.cat.SetSyncState(ctx, bucketID, catalog.Synced, "")
	}

	fbResp, err := e.transport.FetchBucket(ctx, aheadPeer, wire.FetchBucketRequest{BucketID: bucketID})
	if err != nil {
		e.fail(ctx, bucketID, "pull: fetch-bucket rpc", err)
		return err
	}
	if fbResp.CurrentLink == nil {
		reason := "ahead peer returned no current link"
		_ = e.cat.SetSyncState(ctx, bucketID, catalog.OutOfSync, reason)
		return jaxerr.New(jaxerr.NotFound, reason)
	}
	newLink := *fbResp.CurrentLink

	if err := e.store.FetchFromPeer(ctx, newLink.Hash(), aheadPeer); err != nil {
		e.fail(ctx, bucketID, "pull: fetch manifest block", err)
		return err
	}
	data, err := e.store.Get(newLink.Hash())
	if err != nil {
		e.fail(ctx, bucketID, "pull: read fetched manifest", err)
		return err
	}
	newManifest, err := bucket.DecodeManifest(data)
	if err != nil {
		e.fail(ctx, bucketID, "pull: decode fetched manifest", err)
		return err
	}

	if _, err := multiHopCheck(ctx, e.store, aheadPeer, newLink, row.CurrentLink); err != nil {
		e.fail(ctx, bucketID, "pull: multi-hop verification", err)
		return err
	}

	e.store.PrefetchPins(ctx, newManifest.Pins.Hash(), aheadPeer)

	if err := e.cat.Advance(ctx, bucketID, newLink); err != nil {
		e.fail(ctx, bucketID, "pull: advance catalog", err)
		return err
	}
	return e.cat.SetSyncState(ctx, bucketID, catalog.Synced, "")
}

// Push runs spec.md §4.8.3: announce newLink to every peer in newLink's
// own share set. Announce failures are logged via telemetry and never
// revert local state.
func (e *Engine) Push(ctx context.Context, bucketID [16]byte, newLink linkdata.Link) error {
	data, err := e.store.Get(newLink.Hash())
	if err != nil {
		return err
	}
	manifest, err := bucket.DecodeManifest(data)
	if err != nil {
		return err
	}
	peers := e.peersExcludingSelf(manifest)
	if len(peers) == 0 {
		return nil
	}

	msg := wire.AnnounceMessage{BucketID: bucketID, NewLink: newLink, PreviousLink: manifest.Previous, SenderIdentity: e.self}

	results := make(chan error, len(peers))
	for _, p := range peers {
		go func(peerID string) {
			results <- e.transport.Announce(ctx, peerID, msg)
		}(p)
	}
	successes := 0
	for i := 0; i < len(peers); i++ {
		if err := <-results; err == nil {
			successes++
		}
	}
	e.metrics.announcesOut.Add(float64(successes))
	e.log.WithField("bucket", idHex(bucketID)).Infof("syncengine: announced to %d/%d peers", successes, len(peers))
	return nil
}

// PeerAnnounce runs spec.md §4.8.4: admit a brand-new bucket on first
// announce, or verify and adopt an update to one we already track.
// peerID is the transport address to dial back for downloads; the
// announcer's bucket identity lives in msg.SenderIdentity.
func (e *Engine) PeerAnnounce(ctx context.Context, peerID string, msg wire.AnnounceMessage) error {
	row, ok, err := e.cat.Get(ctx, msg.BucketID)
	if err != nil {
		return err
	}
	if !ok {
		return e.admit(ctx, peerID, msg)
	}

	localManifest, err := e.localManifestAt(row.CurrentLink)
	if err != nil {
		e.fail(ctx, msg.BucketID, "peer announce: load local manifest", err)
		return err
	}
	if err := provenanceCheck(localManifest, msg.SenderIdentity); err != nil {
		e.fail(ctx, msg.BucketID, "peer announce: provenance", err)
		return err
	}

	if msg.PreviousLink == nil || !msg.PreviousLink.Equal(row.CurrentLink) {
		if msg.PreviousLink != nil && row.PreviousLink.Equal(*msg.PreviousLink) {
			// Duplicate announce of a version we already adopted; no state
			// change (spec.md §4.8.4 step 3), only a debug log line.
			e.log.WithField("bucket", idHex(msg.BucketID)).Debug("syncengine: duplicate announce ignored")
			return nil
		}
		reason := "single-hop: announce previous link does not match local head"
		e.metrics.failures.Inc()
		_ = e.cat.SetSyncState(ctx, msg.BucketID, catalog.Failed, reason)
		return jaxerr.New(jaxerr.ForkDetected, reason)
	}

	if err := e.cat.SetSyncState(ctx, msg.BucketID, catalog.Syncing, ""); err != nil {
		return err
	}

	if err := e.store.FetchFromPeer(ctx, msg.NewLink.Hash(), peerID); err != nil {
		e.fail(ctx, msg.BucketID, "peer announce: fetch manifest", err)
		return err
	}
	data, err := e.store.Get(msg.NewLink.Hash())
	if err != nil {
		e.fail(ctx, msg.BucketID, "peer announce: read manifest", err)
		return err
	}
	newManifest, err := bucket.DecodeManifest(data)
	if err != nil {
		e.fail(ctx, msg.BucketID, "peer announce: decode manifest", err)
		return err
	}
	if err := singleHopCheck(newManifest, row.CurrentLink); err != nil {
		e.fail(ctx, msg.BucketID, "peer announce: single-hop on downloaded manifest", err)
		return err
	}

	e.store.PrefetchPins(ctx, newManifest.Pins.Hash(), peerID)

	if err := e.cat.Advance(ctx, msg.BucketID, msg.NewLink); err != nil {
		e.fail(ctx, msg.BucketID, "peer announce: advance catalog", err)
		return err
	}
	return e.cat.SetSyncState(ctx, msg.BucketID, catalog.Synced, "")
}

// admit creates a catalog row for a bucket this node has never seen,
// trusting the first announcer explicitly (no chain check is possible —
// spec.md §4.8.4 step 1, and DESIGN.md's decision on Open Question 1).
func (e *Engine) admit(ctx context.Context, peerID string, msg wire.AnnounceMessage) error {
	if err := e.store.FetchFromPeer(ctx, msg.NewLink.Hash(), peerID); err != nil {
		return jaxerr.Wrap(jaxerr.BlockStoreError, "admit: fetch manifest", err)
	}
	data, err := e.store.Get(msg.NewLink.Hash())
	if err != nil {
		return err
	}
	manifest, err := bucket.DecodeManifest(data)
	if err != nil {
		return err
	}
	if err := e.cat.UpsertCurrent(ctx, msg.BucketID, manifest.Name, msg.NewLink); err != nil {
		return err
	}
	e.store.PrefetchPins(ctx, manifest.Pins.Hash(), peerID)
	return nil
}

// HandlePing answers an inbound Ping using the local catalog only; wired
// as the peer host's PingHandler.
func (e *Engine) HandlePing(req wire.PingRequest) wire.PingResponse {
	ctx := context.Background()
	row, ok, err := e.cat.Get(ctx, req.BucketID)
	if err != nil || !ok {
		return wire.NotFoundResponse()
	}
	return pingVerdict(e.store, true, row.CurrentLink, req.CurrentLink)
}

// HandleFetchBucket answers an inbound FetchBucket using the local
// catalog only; wired as the peer host's FetchBucketHandler.
func (e *Engine) HandleFetchBucket(req wire.FetchBucketRequest) wire.FetchBucketResponse {
	ctx := context.Background()
	row, ok, err := e.cat.Get(ctx, req.BucketID)
	if err != nil || !ok {
		return wire.NotFoundFetchResponse()
	}
	return wire.FoundFetchResponse(row.CurrentLink)
}

func (e *Engine) fail(ctx context.Context, bucketID [16]byte, step string, err error) {
	e.metrics.failures.Inc()
	_ = e.cat.SetSyncState(ctx, bucketID, catalog.Failed, step+": "+err.Error())
}
