// Package peerhost implements the peer host (C9): binds an Ed25519
// identity key, a block store, and a network endpoint; exposes an
// Announce/Ping/FetchBucket client API and dispatches inbound protocol
// streams to a registered handler.
//
// Grounded on the teacher's core/network.go (NewNode: libp2p host
// construction, mDNS discovery, NAT traversal) and core/peer_management.go
// (PeerManagement.SendAsync: open a stream, write a request, read a
// response) generalized from a single leading type byte to the
// length-prefixed wire.Frame codec C7 defines.
package peerhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"

	"github.com/jaxbucket/jaxbucket/internal/blockstore"
	"github.com/jaxbucket/jaxbucket/internal/cryptutil"
	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
	"github.com/jaxbucket/jaxbucket/internal/wire"
)

const (
	pingTimeout        = 2 * time.Second
	announceTimeout    = 2 * time.Second
	fetchBucketTimeout = 3 * time.Second
	fetchBlockTimeout  = 5 * time.Second
)

// AnnounceHandler is invoked for every inbound Announce frame; the sync
// engine registers one to translate wire announces into PeerAnnounce
// events (spec.md: inbound C7 (announce) -> C10 -> C8).
type AnnounceHandler func(peerID string, msg wire.AnnounceMessage)

// PingHandler answers an inbound Ping by consulting the local catalog.
type PingHandler func(req wire.PingRequest) wire.PingResponse

// FetchBucketHandler answers an inbound FetchBucket request.
type FetchBucketHandler func(req wire.FetchBucketRequest) wire.FetchBucketResponse

// BlockHandler answers an inbound FetchBlock request by looking up hash in
// local storage; ok is false when the block is not held.
type BlockHandler func(hash [32]byte) (data []byte, ok bool)

// Host binds identity, storage and transport for one peer.
type Host struct {
	host  libp2phost.Host
	store *blockstore.Store
	log   *logrus.Entry

	identityPub cryptutil.PublicKey

	mu            sync.RWMutex
	onAnnounce    AnnounceHandler
	onPing        PingHandler
	onFetchBucket FetchBucketHandler
	onFetchBlock  BlockHandler
}

// Config configures a new Host.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// New starts a libp2p host listening at cfg.ListenAddr, bound to identity
// and store, and registers the C7 stream handler. identity doubles as the
// libp2p host key, so a peer's bucket identity public key (carried in
// Manifest share sets) and its dialable libp2p peer id are derivable from
// each other via PeerIDFromIdentity (spec.md §4.9: "peer identity equals
// the Ed25519 public key").
func New(ctx context.Context, cfg Config, identity cryptutil.PrivateKey, store *blockstore.Store, log *logrus.Entry) (*Host, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	priv, err := p2pcrypto.UnmarshalEd25519PrivateKey(identity)
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.MalformedMessage, "unmarshal identity as libp2p key", err)
	}

	h, err := libp2p.New(libp2p.Identity(priv), libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "create libp2p host", err)
	}

	ph := &Host{host: h, store: store, log: log, identityPub: identity.Public()}
	h.SetStreamHandler(protocol.ID(wire.ProtocolID), ph.handleStream)

	for _, addr := range cfg.BootstrapPeers {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.Warnf("peerhost: invalid bootstrap addr %s: %v", addr, err)
			continue
		}
		if err := h.Connect(ctx, *pi); err != nil {
			log.Warnf("peerhost: bootstrap connect %s: %v", addr, err)
			continue
		}
	}

	if cfg.DiscoveryTag != "" {
		mdns.NewMdnsService(h, cfg.DiscoveryTag, notifee{ph})
	}

	return ph, nil
}

// notifee adapts Host to mdns.Notifee without exporting HandlePeerFound on
// Host's public surface.
type notifee struct{ h *Host }

func (n notifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.h.host.ID() {
		return
	}
	if err := n.h.host.Connect(context.Background(), info); err != nil {
		n.h.log.Debugf("peerhost: mdns connect to %s failed: %v", info.ID, err)
	}
}

// ID returns this host's libp2p peer id string. Peer identity for the
// bucket protocol itself is the Ed25519 public key, carried in Manifest
// share sets; libp2p peer id is only the transport-level address.
func (h *Host) ID() string { return h.host.ID().String() }

// Addr returns a dialable multiaddr for this host, including its peer id,
// suitable for passing to another Host's Config.BootstrapPeers.
func (h *Host) Addr() string {
	addrs := h.host.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/p2p/%s", addrs[0], h.host.ID())
}

// PeerIDFromIdentity derives the dialable libp2p peer id for a bucket
// identity public key, since every Host's libp2p host key is its bucket
// identity key. The sync engine uses this to turn Manifest recipients
// into addresses it can Ping/FetchBucket/Announce.
func PeerIDFromIdentity(pub cryptutil.PublicKey) (string, error) {
	pk, err := p2pcrypto.UnmarshalEd25519PublicKey(pub[:])
	if err != nil {
		return "", jaxerr.Wrap(jaxerr.MalformedMessage, "unmarshal identity as libp2p key", err)
	}
	id, err := peer.IDFromPublicKey(pk)
	if err != nil {
		return "", jaxerr.Wrap(jaxerr.MalformedMessage, "derive peer id from identity", err)
	}
	return id.String(), nil
}

// SetAnnounceHandler registers the callback invoked for inbound Announce
// frames.
func (h *Host) SetAnnounceHandler(fn AnnounceHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAnnounce = fn
}

// SetPingHandler registers the callback that answers inbound Ping frames.
func (h *Host) SetPingHandler(fn PingHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPing = fn
}

// SetFetchBucketHandler registers the callback that answers inbound
// FetchBucket frames.
func (h *Host) SetFetchBucketHandler(fn FetchBucketHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFetchBucket = fn
}

// SetBlockHandler registers the callback that answers inbound FetchBlock
// frames, typically backed by the local block store's Get.
func (h *Host) SetBlockHandler(fn BlockHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFetchBlock = fn
}

func (h *Host) handleStream(s network.Stream) {
	defer s.Close()
	peerID := s.Conn().RemotePeer().String()

	f, err := wire.ReadFrame(s)
	if err != nil {
		h.log.Debugf("peerhost: read frame from %s: %v", peerID, err)
		return
	}

	switch f.Tag {
	case wire.TagPingRequest:
		req, err := wire.DecodePingRequest(f)
		if err != nil {
			h.log.Debugf("peerhost: malformed ping from %s: %v", peerID, err)
			return
		}
		h.mu.RLock()
		handler := h.onPing
		h.mu.RUnlock()
		resp := wire.NotFoundResponse()
		if handler != nil {
			resp = handler(req)
		}
		if err := wire.WriteFrame(s, wire.TagPingResponse, resp); err != nil {
			h.log.Debugf("peerhost: write ping response to %s: %v", peerID, err)
		}

	case wire.TagFetchBucketRequest:
		req, err := wire.DecodeFetchBucketRequest(f)
		if err != nil {
			h.log.Debugf("peerhost: malformed fetch-bucket from %s: %v", peerID, err)
			return
		}
		h.mu.RLock()
		handler := h.onFetchBucket
		h.mu.RUnlock()
		resp := wire.NotFoundFetchResponse()
		if handler != nil {
			resp = handler(req)
		}
		if err := wire.WriteFrame(s, wire.TagFetchBucketResponse, resp); err != nil {
			h.log.Debugf("peerhost: write fetch-bucket response to %s: %v", peerID, err)
		}

	case wire.TagFetchBlockRequest:
		req, err := wire.DecodeFetchBlockRequest(f)
		if err != nil {
			h.log.Debugf("peerhost: malformed fetch-block from %s: %v", peerID, err)
			return
		}
		h.mu.RLock()
		handler := h.onFetchBlock
		h.mu.RUnlock()
		var resp wire.FetchBlockResponse
		if handler != nil {
			if data, ok := handler(req.Hash); ok {
				resp.Data = data
			}
		}
		if err := wire.WriteFrame(s, wire.TagFetchBlockResponse, resp); err != nil {
			h.log.Debugf("peerhost: write fetch-block response to %s: %v", peerID, err)
		}

	case wire.TagAnnounce:
		msg, err := wire.DecodeAnnounce(f)
		if err != nil {
			h.log.Debugf("peerhost: malformed announce from %s: %v", peerID, err)
			return
		}
		h.mu.RLock()
		handler := h.onAnnounce
		h.mu.RUnlock()
		if handler != nil {
			handler(peerID, msg)
		}

	default:
		h.log.Debugf("peerhost: unknown frame tag %d from %s", f.Tag, peerID)
	}
}

// Ping sends a Ping to peerID and returns the responder's verdict, bound
// by the fixed 2s deadline spec.md §4.7/§5 mandates.
func (h *Host) Ping(ctx context.Context, peerID string, req wire.PingRequest) (wire.PingResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	s, err := h.openStream(ctx, peerID)
	if err != nil {
		return wire.PingResponse{}, err
	}
	defer s.Close()

	if err := wire.WriteFrame(s, wire.TagPingRequest, req); err != nil {
		return wire.PingResponse{}, err
	}
	f, err := wire.ReadFrame(s)
	if err != nil {
		return wire.PingResponse{}, jaxerr.Wrap(jaxerr.Timeout, "ping: read response", err)
	}
	return wire.DecodePingResponse(f)
}

// FetchBucket requests peerID's current head, bound by the fixed 3s
// deadline.
func (h *Host) FetchBucket(ctx context.Context, peerID string, req wire.FetchBucketRequest) (wire.FetchBucketResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchBucketTimeout)
	defer cancel()

	s, err := h.openStream(ctx, peerID)
	if err != nil {
		return wire.FetchBucketResponse{}, err
	}
	defer s.Close()

	if err := wire.WriteFrame(s, wire.TagFetchBucketRequest, req); err != nil {
		return wire.FetchBucketResponse{}, err
	}
	f, err := wire.ReadFrame(s)
	if err != nil {
		return wire.FetchBucketResponse{}, jaxerr.Wrap(jaxerr.Timeout, "fetch-bucket: read response", err)
	}
	return wire.DecodeFetchBucketResponse(f)
}

// Announce pushes a one-shot notification to peerID; no response is read,
// bound by the fixed 2s deadline.
func (h *Host) Announce(ctx context.Context, peerID string, msg wire.AnnounceMessage) error {
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()

	s, err := h.openStream(ctx, peerID)
	if err != nil {
		return err
	}
	defer s.Close()

	return wire.WriteFrame(s, wire.TagAnnounce, msg)
}

// FetchHash requests the raw bytes of a content-addressed block from
// peerID, implementing blockstore.PeerFetcher over the same stream
// protocol as Ping/FetchBucket/Announce (spec.md §6.1 leaves block
// transport as an external collaborator; the pack carries no IPFS RPC
// client to ground a daemon-backed implementation instead).
func (h *Host) FetchHash(ctx context.Context, hash [32]byte, peerID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchBlockTimeout)
	defer cancel()

	s, err := h.openStream(ctx, peerID)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := wire.WriteFrame(s, wire.TagFetchBlockRequest, wire.FetchBlockRequest{Hash: hash}); err != nil {
		return nil, err
	}
	f, err := wire.ReadFrame(s)
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.Timeout, "fetch-block: read response", err)
	}
	resp, err := wire.DecodeFetchBlockResponse(f)
	if err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, jaxerr.New(jaxerr.NotFound, fmt.Sprintf("peer %s does not hold block", peerID))
	}
	return resp.Data, nil
}

// FetchHashList resolves pinsHash as a block whose bytes are a flat
// concatenation of 32-byte hashes (spec.md §4.8.2's pin list), reusing
// FetchHash rather than a distinct wire message since the content is an
// ordinary block once fetched.
func (h *Host) FetchHashList(ctx context.Context, hash [32]byte, peerID string) ([][32]byte, error) {
	data, err := h.FetchHash(ctx, hash, peerID)
	if err != nil {
		return nil, err
	}
	if len(data)%32 != 0 {
		return nil, jaxerr.New(jaxerr.MalformedMessage, "hash list block length not a multiple of 32")
	}
	out := make([][32]byte, 0, len(data)/32)
	for i := 0; i < len(data); i += 32 {
		var chunk [32]byte
		copy(chunk[:], data[i:i+32])
		out = append(out, chunk)
	}
	return out, nil
}

func (h *Host) openStream(ctx context.Context, peerID string) (network.Stream, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.MalformedMessage, "decode peer id", err)
	}
	s, err := h.host.NewStream(ctx, pid, protocol.ID(wire.ProtocolID))
	if err != nil {
		return nil, jaxerr.Wrap(jaxerr.Timeout, fmt.Sprintf("open stream to %s", peerID), err)
	}
	return s, nil
}

// Close tears down the underlying transport.
func (h *Host) Close() error {
	return h.host.Close()
}
