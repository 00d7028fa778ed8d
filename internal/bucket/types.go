// Package bucket implements the typed object model of the bucket store:
// Manifest, Node, NodeLink, Principal and the pin list, together with the
// guarantee that encode∘decode is the identity on well-formed input.
//
// Grounded on original_source/rust/crates/common/src/bucket/manifest.rs for
// the Manifest field set and original_source's linked-data Node design,
// reshaped to match spec.md §3.5/§3.6 exactly where the two differ.
package bucket

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jaxbucket/jaxbucket/internal/cryptutil"
	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
)

// FormatVersion is this binary's understanding of the Manifest wire
// format. Manifests whose major version exceeds this one are rejected at
// decode time (supplemented feature, see DESIGN.md: version.rs).
const FormatVersion = "1.0"

// Role is an opaque principal tag; the reference semantics recognise only
// Owner (spec.md §3.4).
type Role string

const RoleOwner Role = "owner"

// Principal is an identity public key with a role attached.
type Principal struct {
	Role     Role              `cbor:"0,keyasint"`
	Identity cryptutil.PublicKey `cbor:"1,keyasint"`
}

// BucketShare pairs a principal with the wrapped content key that lets it
// decrypt the bucket's root.
type BucketShare struct {
	Principal Principal       `cbor:"0,keyasint"`
	Share     cryptutil.Share `cbor:"1,keyasint"`
}

// Manifest is the unencrypted, canonical-CBOR bucket record (spec.md §3.5).
// Its hash is the bucket link.
type Manifest struct {
	ID       uuid.UUID              `cbor:"0,keyasint"`
	Name     string                 `cbor:"1,keyasint"`
	Shares   map[string]BucketShare `cbor:"2,keyasint"`
	Entry    linkdata.Link          `cbor:"3,keyasint"`
	Pins     linkdata.Link          `cbor:"4,keyasint"`
	Previous *linkdata.Link         `cbor:"5,keyasint,omitempty"`
	Version  string                 `cbor:"6,keyasint"`
}

// NewManifest builds the genesis Manifest for a new bucket owned by owner,
// with its root content key already shared to owner.
func NewManifest(name string, owner cryptutil.PublicKey, ownerShare cryptutil.Share, entry, pins linkdata.Link) *Manifest {
	id := uuid.New()
	return &Manifest{
		ID:   id,
		Name: name,
		Shares: map[string]BucketShare{
			owner.String(): {
				Principal: Principal{Role: RoleOwner, Identity: owner},
				Share:     ownerShare,
			},
		},
		Entry:   entry,
		Pins:    pins,
		Version: FormatVersion,
	}
}

// GetShare looks up the share for a given principal's public key.
func (m *Manifest) GetShare(pub cryptutil.PublicKey) (BucketShare, bool) {
	s, ok := m.Shares[pub.String()]
	return s, ok
}

// SetShare installs or replaces the share for a principal.
func (m *Manifest) SetShare(pub cryptutil.PublicKey, role Role, share cryptutil.Share) {
	if m.Shares == nil {
		m.Shares = make(map[string]BucketShare)
	}
	m.Shares[pub.String()] = BucketShare{Principal: Principal{Role: role, Identity: pub}, Share: share}
}

// Recipients returns every principal's public key currently in the share
// set, the set the mount layer must re-share to on every save.
func (m *Manifest) Recipients() []cryptutil.PublicKey {
	out := make([]cryptutil.PublicKey, 0, len(m.Shares))
	for _, bs := range m.Shares {
		out = append(out, bs.Principal.Identity)
	}
	return out
}

// Encode produces the canonical-CBOR bytes of m and the Link they hash to.
func (m *Manifest) Encode() ([]byte, linkdata.Link, error) {
	b, l, err := linkdata.HashRecord(m)
	if err != nil {
		return nil, linkdata.Link{}, fmt.Errorf("encode manifest: %w", err)
	}
	return b, l, nil
}

// DecodeManifest parses canonical-CBOR bytes into a Manifest, enforcing the
// version-compatibility gate: a manifest whose major version exceeds this
// binary's FormatVersion is rejected as IncompatibleVersion (supplemented
// feature, see DESIGN.md).
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := linkdata.Decode(data, &m); err != nil {
		return nil, jaxerr.Wrap(jaxerr.IntegrityFailure, "decode manifest", err)
	}
	if err := checkVersionCompatible(m.Version); err != nil {
		return nil, err
	}
	return &m, nil
}

func checkVersionCompatible(v string) error {
	if v == "" {
		return nil
	}
	gotMajor, err := majorOf(v)
	if err != nil {
		return jaxerr.Wrap(jaxerr.IncompatibleVersion, "parse manifest version", err)
	}
	wantMajor, _ := majorOf(FormatVersion)
	if gotMajor > wantMajor {
		return jaxerr.New(jaxerr.IncompatibleVersion, fmt.Sprintf("manifest version %s newer than supported %s", v, FormatVersion))
	}
	return nil
}

func majorOf(v string) (int, error) {
	parts := strings.SplitN(v, ".", 2)
	return strconv.Atoi(parts[0])
}

// NodeLinkKind tags which NodeLink variant is present.
type NodeLinkKind uint8

const (
	KindDir NodeLinkKind = iota
	KindData
)

// NodeMeta carries a Data link's derived attributes inline, per spec.md
// §9's note that Data carries its MIME attribute as inline data rather
// than a back-pointer.
type NodeMeta struct {
	MIMEType string `cbor:"0,keyasint,omitempty"`
	Size     int64  `cbor:"1,keyasint,omitempty"`
}

// NodeLink is the two-variant tagged sum of spec.md §3.6: Dir points to
// another encrypted Node, Data points to an encrypted file blob.
type NodeLink struct {
	Kind       NodeLinkKind        `cbor:"0,keyasint"`
	Link       linkdata.Link       `cbor:"1,keyasint"`
	ContentKey cryptutil.ContentKey `cbor:"2,keyasint"`
	Meta       NodeMeta            `cbor:"3,keyasint,omitempty"`
}

func DirLink(l linkdata.Link, key cryptutil.ContentKey) NodeLink {
	return NodeLink{Kind: KindDir, Link: l, ContentKey: key}
}

func DataLink(l linkdata.Link, key cryptutil.ContentKey, meta NodeMeta) NodeLink {
	return NodeLink{Kind: KindData, Link: l, ContentKey: key, Meta: meta}
}

func (n NodeLink) IsDir() bool  { return n.Kind == KindDir }
func (n NodeLink) IsData() bool { return n.Kind == KindData }

// Node is the plaintext form of an interior directory: a mapping name ->
// NodeLink. It is encrypted before being stored (spec.md §3.6).
type Node struct {
	Children map[string]NodeLink `cbor:"0,keyasint"`
}

func NewNode() *Node {
	return &Node{Children: make(map[string]NodeLink)}
}

// SortedNames returns the node's child names in lexicographic order, the
// deterministic iteration order spec.md §4.4 requires so encodings stay
// stable.
func (n *Node) SortedNames() []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode produces the canonical-CBOR plaintext bytes of n. Callers
// encrypt the result before storing it; Node itself has no knowledge of
// encryption.
func (n *Node) Encode() ([]byte, error) {
	b, err := linkdata.Encode(n)
	if err != nil {
		return nil, fmt.Errorf("encode node: %w", err)
	}
	return b, nil
}

// DecodeNode parses canonical-CBOR plaintext bytes into a Node.
func DecodeNode(data []byte) (*Node, error) {
	var n Node
	if err := linkdata.Decode(data, &n); err != nil {
		return nil, jaxerr.Wrap(jaxerr.IntegrityFailure, "decode node", err)
	}
	if n.Children == nil {
		n.Children = make(map[string]NodeLink)
	}
	return &n, nil
}

// PinList is an ordered sequence of raw hashes pinned for
// garbage-collection purposes (spec.md §3.7), encoded as concatenated
// 32-byte hashes.
type PinList [][32]byte

// Encode concatenates the pin list's hashes.
func (p PinList) Encode() []byte {
	out := make([]byte, 0, len(p)*32)
	for _, h := range p {
		out = append(out, h[:]...)
	}
	return out
}

// DecodePinList parses the concatenated-hash form produced by Encode.
func DecodePinList(data []byte) (PinList, error) {
	if len(data)%32 != 0 {
		return nil, jaxerr.New(jaxerr.MalformedMessage, "pin list length not a multiple of 32")
	}
	n := len(data) / 32
	out := make(PinList, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], data[i*32:(i+1)*32])
	}
	return out, nil
}

// HexHashes renders the pin list as lowercase-hex strings, for logging.
func (p PinList) HexHashes() []string {
	out := make([]string, len(p))
	for i, h := range p {
		out[i] = hex.EncodeToString(h[:])
	}
	return out
}
