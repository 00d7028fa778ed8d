package mount

import (
	"bytes"
	"testing"

	"github.com/jaxbucket/jaxbucket/internal/blockstore"
	"github.com/jaxbucket/jaxbucket/internal/cryptutil"
	"github.com/jaxbucket/jaxbucket/internal/jaxerr"
)

func newStore(t *testing.T) *blockstore.Store {
	t.Helper()
	s, err := blockstore.New(t.TempDir(), 0, nil, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestRoundTripAddSaveRead(t *testing.T) {
	store := newStore(t)
	_, owner, err := cryptutil.GenerateIdentity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	mnt, err := Create(store, "my-bucket", owner)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mnt.Add("/a.txt", []byte("hello"), "text/plain"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := mnt.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := mnt.Read("/a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("read mismatch: got %q", got)
	}

	children, err := mnt.List("/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(children))
	}
	if !children["a.txt"].IsData() {
		t.Fatalf("expected a.txt to be a Data link")
	}
}

func TestEditMinimality(t *testing.T) {
	store := newStore(t)
	_, owner, _ := cryptutil.GenerateIdentity()
	mnt, _ := Create(store, "b", owner)

	if err := mnt.Add("/a.txt", []byte("hello"), ""); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if _, err := mnt.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	before, err := mnt.List("/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if err := mnt.Add("/b.txt", []byte("world"), ""); err != nil {
		t.Fatalf("add b: %v", err)
	}
	if _, err := mnt.Save(); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	got, err := mnt.Read("/b.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("read mismatch")
	}
	after, err := mnt.List("/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("expected exactly one new entry, before=%d after=%d", len(before), len(after))
	}
	for name := range before {
		if _, ok := after[name]; !ok {
			t.Fatalf("prior entry %s missing after add", name)
		}
	}
}

func TestMkdirPSemantics(t *testing.T) {
	store := newStore(t)
	_, owner, _ := cryptutil.GenerateIdentity()
	mnt, _ := Create(store, "b", owner)

	if err := mnt.Add("/dir/sub/file.txt", []byte("deep"), ""); err != nil {
		t.Fatalf("add nested: %v", err)
	}
	if _, err := mnt.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := mnt.Read("/dir/sub/file.txt")
	if err != nil {
		t.Fatalf("read nested: %v", err)
	}
	if !bytes.Equal(got, []byte("deep")) {
		t.Fatalf("read mismatch")
	}
}

func TestRemoveMissingFails(t *testing.T) {
	store := newStore(t)
	_, owner, _ := cryptutil.GenerateIdentity()
	mnt, _ := Create(store, "b", owner)
	if err := mnt.Remove("/nope.txt"); jaxerr.Classify(err) != jaxerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAddAtExistingDirectoryFails(t *testing.T) {
	store := newStore(t)
	_, owner, _ := cryptutil.GenerateIdentity()
	mnt, _ := Create(store, "b", owner)
	if err := mnt.Add("/dir/file.txt", []byte("x"), ""); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := mnt.Add("/dir", []byte("y"), ""); err == nil {
		t.Fatalf("expected failure adding over an existing directory")
	}
}

func TestLoadRejectsUnauthorisedIdentity(t *testing.T) {
	store := newStore(t)
	_, owner, _ := cryptutil.GenerateIdentity()
	mnt, _ := Create(store, "b", owner)
	link, err := mnt.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	_, stranger, _ := cryptutil.GenerateIdentity()
	if _, err := Load(store, link, stranger); jaxerr.Classify(err) != jaxerr.NotAuthorised {
		t.Fatalf("expected NotAuthorised, got %v", err)
	}
}

func TestChainSoundnessAcrossSaves(t *testing.T) {
	store := newStore(t)
	_, owner, _ := cryptutil.GenerateIdentity()
	mnt, _ := Create(store, "b", owner)

	const n = 3
	prevID := mnt.Manifest().ID
	var chain []string
	for i := 0; i < n; i++ {
		if err := mnt.Add("/f"+string(rune('0'+i))+".txt", []byte("x"), ""); err != nil {
			t.Fatalf("add: %v", err)
		}
		before := mnt.ManifestLink()
		link, err := mnt.Save()
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		prev := mnt.Manifest().Previous
		if i == 0 && prev != nil {
			t.Fatalf("genesis manifest must have no previous link")
		}
		if i > 0 && (prev == nil || !prev.Equal(before)) {
			t.Fatalf("save %d: previous link must be the prior manifest link", i)
		}
		chain = append(chain, link.String())
		if mnt.Manifest().ID != prevID {
			t.Fatalf("manifest id must stay stable across saves")
		}
	}
	if len(chain) != n {
		t.Fatalf("expected %d chained links, got %d", n, len(chain))
	}
}
