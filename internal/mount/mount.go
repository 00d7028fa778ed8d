// Package mount implements the mutable, path-addressed view over the
// encrypted DAG (C5): add, remove, list, list_deep, read, save. Every add
// or remove rewrites the touched path bottom-up with fresh content keys,
// and every save emits a new Manifest link.
//
// Grounded on original_source/rust/_crates/mount/src/mount.rs for the
// shape of the edit algorithm; spec.md §4.5 is authoritative for the exact
// steps, since the Rust reference predates this core's NodeLink schema.
package mount

import (
	"strings"

	"github.com/jaxbucket/jaxbucket/internal/blockstore"
	"github.com/jaxbucket/jaxbucket/internal/bucket"
	"github.com/jaxbucket/jaxbucket/internal/cryptutil"
	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
	"github.com/jaxbucket/jaxbucket/internal/linkdata"
)

// Mount is a live handle on one bucket version, tied to the link it was
// loaded from. Concurrent edits via the same Mount must be externally
// serialised (spec.md §5).
type Mount struct {
	store *blockstore.Store

	manifestLink linkdata.Link
	manifest     *bucket.Manifest

	rootLink linkdata.Link
	rootKey  cryptutil.ContentKey

	identity cryptutil.PrivateKey
}

// pathNode is one (name, node) pair visited while walking the tree for an
// edit.
type pathNode struct {
	name string // component leading to this node from its parent; "" for root
	node *bucket.Node
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, jaxerr.New(jaxerr.InvalidPath, "path must be absolute")
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "/"), nil
}

// Load produces a Mount over the bucket at link, decrypting the root Node
// with identity's private key. Fails with NotAuthorised if identity's
// public key is not in the Manifest's share set, or IntegrityFailure on
// tampered bytes.
func Load(store *blockstore.Store, link linkdata.Link, identity cryptutil.PrivateKey) (*Mount, error) {
	data, err := store.Get(link.Hash())
	if err != nil {
		return nil, err
	}
	m, err := bucket.DecodeManifest(data)
	if err != nil {
		return nil, err
	}

	pub := identity.Public()
	bs, ok := m.GetShare(pub)
	if !ok {
		return nil, jaxerr.New(jaxerr.NotAuthorised, "identity not in bucket share set")
	}
	rootKey, err := bs.Share.Recover(identity)
	if err != nil {
		return nil, err
	}

	rootCT, err := store.Get(m.Entry.Hash())
	if err != nil {
		return nil, err
	}
	rootPT, err := cryptutil.Decrypt(rootKey, rootCT, nil)
	if err != nil {
		return nil, err
	}
	if _, err := bucket.DecodeNode(rootPT); err != nil {
		return nil, err
	}

	return &Mount{
		store:        store,
		manifestLink: link,
		manifest:     m,
		rootLink:     m.Entry,
		rootKey:      rootKey,
		identity:     identity,
	}, nil
}

// Create initializes a brand-new bucket owned by identity: an empty root
// Node, shared to the owner, and a genesis Manifest (spec.md §3.5's
// "absent only for the genesis version"). The Mount returned has not yet
// called Save; the caller must Save to persist the genesis Manifest and
// obtain its link.
func Create(store *blockstore.Store, name string, identity cryptutil.PrivateKey) (*Mount, error) {
	owner := identity.Public()
	root := bucket.NewNode()
	pt, err := root.Encode()
	if err != nil {
		return nil, err
	}
	rootKey, err := cryptutil.NewContentKey()
	if err != nil {
		return nil, err
	}
	ct, err := cryptutil.Encrypt(rootKey, pt, nil)
	if err != nil {
		return nil, err
	}
	if _, err := store.Put(ct); err != nil {
		return nil, jaxerr.Wrap(jaxerr.BlockStoreError, "store genesis root node", err)
	}
	rootLink := linkdata.HashLink(linkdata.CodecRaw, ct)

	ownerShare, err := cryptutil.NewShare(rootKey, owner)
	if err != nil {
		return nil, err
	}
	m := bucket.NewManifest(name, owner, ownerShare, rootLink, linkdata.Zero)

	return &Mount{
		store:    store,
		manifest: m,
		rootLink: rootLink,
		rootKey:  rootKey,
		identity: identity,
	}, nil
}

// loadNode decrypts and decodes the Node at link under key.
func (mnt *Mount) loadNode(link linkdata.Link, key cryptutil.ContentKey) (*bucket.Node, error) {
	ct, err := mnt.store.Get(link.Hash())
	if err != nil {
		return nil, err
	}
	pt, err := cryptutil.Decrypt(key, ct, nil)
	if err != nil {
		return nil, err
	}
	return bucket.DecodeNode(pt)
}

// storeNode encrypts n under a fresh content key and stores the
// ciphertext, returning the new Dir NodeLink.
func (mnt *Mount) storeNode(n *bucket.Node) (bucket.NodeLink, error) {
	pt, err := n.Encode()
	if err != nil {
		return bucket.NodeLink{}, err
	}
	key, err := cryptutil.NewContentKey()
	if err != nil {
		return bucket.NodeLink{}, err
	}
	ct, err := cryptutil.Encrypt(key, pt, nil)
	if err != nil {
		return bucket.NodeLink{}, err
	}
	if _, err := mnt.store.Put(ct); err != nil {
		return bucket.NodeLink{}, jaxerr.Wrap(jaxerr.BlockStoreError, "store node", err)
	}
	link := linkdata.HashLink(linkdata.CodecRaw, ct)
	return bucket.DirLink(link, key), nil
}

// walk descends from the root along every component of the given slice,
// collecting each visited (path, node) pair; the returned trail's last
// entry is the node at the directory the caller asked for. When mkdirP is
// set, a missing directory along the way is treated as a fresh empty Node
// (add's mkdir-p semantics); otherwise a missing component is an error.
// Callers pass exactly the directory path they want trail to terminate
// at — the basename of a file target is stripped before calling in.
func (mnt *Mount) walk(components []string, mkdirP bool) ([]pathNode, error) {
	root, err := mnt.loadNode(mnt.rootLink, mnt.rootKey)
	if err != nil {
		return nil, err
	}
	trail := []pathNode{{name: "", node: root}}

	cur := root
	for _, comp := range components {
		child, ok := cur.Children[comp]
		if !ok {
			if mkdirP {
				trail = append(trail, pathNode{name: comp, node: bucket.NewNode()})
				cur = trail[len(trail)-1].node
				continue
			}
			return trail, jaxerr.New(jaxerr.NotFound, "path component not found: "+comp)
		}
		if !child.IsDir() {
			return trail, jaxerr.New(jaxerr.NotFound, "path component is not a directory: "+comp)
		}
		childNode, err := mnt.loadNode(child.Link, child.ContentKey)
		if err != nil {
			return trail, err
		}
		trail = append(trail, pathNode{name: comp, node: childNode})
		cur = childNode
	}
	return trail, nil
}

// Add encrypts data under a fresh content key, stores the
// ciphertext, and links it into the tree at path (spec.md §4.5).
func (mnt *Mount) Add(path string, data []byte, mimeType string) error {
	components, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(components) == 0 {
		return jaxerr.New(jaxerr.InvalidPath, "cannot add at bucket root")
	}
	base := components[len(components)-1]
	dirComponents := components[:len(components)-1]

	trail, err := mnt.walk(dirComponents, true)
	if err != nil {
		return err
	}
	deepest := trail[len(trail)-1].node
	if existing, ok := deepest.Children[base]; ok && existing.IsDir() {
		return jaxerr.New(jaxerr.InvalidPath, "path names an existing directory")
	}

	key, err := cryptutil.NewContentKey()
	if err != nil {
		return err
	}
	ct, err := cryptutil.Encrypt(key, data, nil)
	if err != nil {
		return err
	}
	if _, err := mnt.store.Put(ct); err != nil {
		return jaxerr.Wrap(jaxerr.BlockStoreError, "store data blob", err)
	}
	link := linkdata.HashLink(linkdata.CodecRaw, ct)
	deepest.Children[base] = bucket.DataLink(link, key, bucket.NodeMeta{MIMEType: mimeType, Size: int64(len(data))})

	return mnt.rebuildTrail(trail, dirComponents)
}

// Remove deletes the name at path, failing with NotFound if absent.
// Removing the root is forbidden.
func (mnt *Mount) Remove(path string) error {
	components, err := splitPath(path)
	if err != nil {
		return err
	}
	if len(components) == 0 {
		return jaxerr.New(jaxerr.InvalidPath, "cannot remove bucket root")
	}
	base := components[len(components)-1]
	dirComponents := components[:len(components)-1]

	trail, err := mnt.walk(dirComponents, false)
	if err != nil {
		return err
	}
	deepest := trail[len(trail)-1].node
	if _, ok := deepest.Children[base]; !ok {
		return jaxerr.New(jaxerr.NotFound, "path not found: "+path)
	}
	delete(deepest.Children, base)

	return mnt.rebuildTrail(trail, dirComponents)
}

// rebuildTrail walks the visited trail bottom-up, re-encrypting each node
// with a fresh content key and carrying the new Dir link upward into its
// parent, finishing at the root (spec.md §4.5 step 3).
func (mnt *Mount) rebuildTrail(trail []pathNode, dirComponents []string) error {
	var childLink bucket.NodeLink
	for i := len(trail) - 1; i >= 0; i-- {
		nl, err := mnt.storeNode(trail[i].node)
		if err != nil {
			return err
		}
		childLink = nl
		if i > 0 {
			parent := trail[i-1].node
			parent.Children[trail[i].name] = childLink
		}
	}
	mnt.rootLink = childLink.Link
	mnt.rootKey = childLink.ContentKey
	return nil
}

// List returns the immediate children of a directory path.
func (mnt *Mount) List(path string) (map[string]bucket.NodeLink, error) {
	components, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	trail, err := mnt.walk(components, false)
	if err != nil {
		return nil, err
	}
	n := trail[len(trail)-1].node
	out := make(map[string]bucket.NodeLink, len(n.Children))
	for k, v := range n.Children {
		out[k] = v
	}
	return out, nil
}

// ListDeep returns a flat map of every descendant of path, keyed by
// slash-joined relative path.
func (mnt *Mount) ListDeep(path string) (map[string]bucket.NodeLink, error) {
	top, err := mnt.List(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bucket.NodeLink)
	var walk func(prefix string, children map[string]bucket.NodeLink) error
	walk = func(prefix string, children map[string]bucket.NodeLink) error {
		for name, nl := range children {
			rel := name
			if prefix != "" {
				rel = prefix + "/" + name
			}
			out[rel] = nl
			if nl.IsDir() {
				sub, err := mnt.loadNode(nl.Link, nl.ContentKey)
				if err != nil {
					return err
				}
				if err := walk(rel, sub.Children); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk("", top); err != nil {
		return nil, err
	}
	return out, nil
}

// Read returns the decrypted bytes of the file at path.
func (mnt *Mount) Read(path string) ([]byte, error) {
	components, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(components) == 0 {
		return nil, jaxerr.New(jaxerr.InvalidPath, "cannot read bucket root as a file")
	}
	base := components[len(components)-1]
	trail, err := mnt.walk(components[:len(components)-1], false)
	if err != nil {
		return nil, err
	}
	n := trail[len(trail)-1].node
	nl, ok := n.Children[base]
	if !ok {
		return nil, jaxerr.New(jaxerr.NotFound, "file not found: "+path)
	}
	if !nl.IsData() {
		return nil, jaxerr.New(jaxerr.InvalidPath, "path names a directory, not a file")
	}
	ct, err := mnt.store.Get(nl.Link.Hash())
	if err != nil {
		return nil, err
	}
	return cryptutil.Decrypt(nl.ContentKey, ct, nil)
}

// Save generates a fresh Share of the new root content key for every
// principal in the current Manifest's share set, builds a new Manifest
// chained to the old one, stores it, and returns its link (spec.md §4.5
// save()). Mount's in-memory state is updated to reflect the new links.
//
// An edit that produces byte-identical plaintext still emits a new link,
// because every touched node's content key is freshly random; this is
// accepted, not optimised away (spec.md §4.5 tie-breaks).
func (mnt *Mount) Save() (linkdata.Link, error) {
	shares, err := cryptutil.RekeyAll(mnt.rootKey, mnt.manifest.Recipients())
	if err != nil {
		return linkdata.Link{}, err
	}

	next := &bucket.Manifest{
		ID:      mnt.manifest.ID,
		Name:    mnt.manifest.Name,
		Shares:  make(map[string]bucket.BucketShare, len(mnt.manifest.Shares)),
		Entry:   mnt.rootLink,
		Pins:    mnt.manifest.Pins,
		Version: bucket.FormatVersion,
	}
	if !mnt.manifestLink.IsZero() {
		prev := mnt.manifestLink
		next.Previous = &prev
	}
	for pubHex, bs := range mnt.manifest.Shares {
		share, ok := shares[bs.Principal.Identity]
		if !ok {
			continue
		}
		next.Shares[pubHex] = bucket.BucketShare{Principal: bs.Principal, Share: share}
	}

	data, link, err := next.Encode()
	if err != nil {
		return linkdata.Link{}, err
	}
	if _, err := mnt.store.Put(data); err != nil {
		return linkdata.Link{}, jaxerr.Wrap(jaxerr.BlockStoreError, "store manifest", err)
	}

	mnt.manifest = next
	mnt.manifestLink = link
	return link, nil
}

// AddPrincipal shares the current root content key to a new principal and
// adds it to the in-memory Manifest; the change takes effect on the next
// Save. This is how a bucket owner admits a new peer (spec.md scenario 2).
func (mnt *Mount) AddPrincipal(pub cryptutil.PublicKey, role bucket.Role) error {
	share, err := cryptutil.NewShare(mnt.rootKey, pub)
	if err != nil {
		return err
	}
	mnt.manifest.SetShare(pub, role, share)
	return nil
}

// ManifestLink returns the link of the Manifest this Mount currently
// reflects.
func (mnt *Mount) ManifestLink() linkdata.Link { return mnt.manifestLink }

// Manifest returns the Manifest this Mount currently reflects.
func (mnt *Mount) Manifest() *bucket.Manifest { return mnt.manifest }
