package repocache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/eluent/internal/types"
)

func setupRepoDir(t *testing.T, repoDir string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(repoDir, EluentDirName), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	home := t.TempDir()
	reg, err := NewRegistry(home)
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Register(types.RegistryEntry{Name: "foo", Path: "/repos/foo"}); err != nil {
		t.Fatal(err)
	}
	entry, ok, err := reg.Lookup("foo")
	if err != nil || !ok {
		t.Fatalf("Lookup(foo) = %v, %v, %v", entry, ok, err)
	}
	if entry.Path != "/repos/foo" {
		t.Fatalf("Path = %q", entry.Path)
	}
}

func TestRegistryReRegisterReplacesByNameOrPath(t *testing.T) {
	home := t.TempDir()
	reg, err := NewRegistry(home)
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Register(types.RegistryEntry{Name: "foo", Path: "/repos/foo"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(types.RegistryEntry{Name: "foo", Path: "/repos/foo-moved"}); err != nil {
		t.Fatal(err)
	}

	entries, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected re-registration to replace, got %d entries: %v", len(entries), entries)
	}
	if entries[0].Path != "/repos/foo-moved" {
		t.Fatalf("Path = %q, want updated path", entries[0].Path)
	}
}

func TestRegistrySkipsMalformedLines(t *testing.T) {
	home := t.TempDir()
	reg, err := NewRegistry(home)
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(types.RegistryEntry{Name: "foo", Path: "/repos/foo"}); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(filepath.Join(home, RegistryFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("not json at all\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	entries, err := reg.List()
	if err != nil {
		t.Fatalf("List failed on malformed line: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected malformed line to be skipped, got %d entries", len(entries))
	}
}

func TestCacheGetAndFindAtomByFullID(t *testing.T) {
	home := t.TempDir()
	reg, err := NewRegistry(home)
	if err != nil {
		t.Fatal(err)
	}
	cache := New(reg)

	reposRoot := t.TempDir()
	repoDir := filepath.Join(reposRoot, "foo")
	setupRepoDir(t, repoDir)

	if err := cache.Register("foo", repoDir, ""); err != nil {
		t.Fatal(err)
	}

	r, err := cache.Get(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	atomID := "foo-01JBZTMQ1RABCDEFGHKMNPQRST"
	err = r.UpdateAtom(&types.Atom{
		ID: atomID, Title: "t", Status: types.StatusOpen, IssueType: types.TypeTask,
		CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}

	a, err := cache.FindAtomByFullID(atomID)
	if err != nil {
		t.Fatalf("FindAtomByFullID: %v", err)
	}
	if a.ID != atomID {
		t.Fatalf("ID = %q", a.ID)
	}

	r2, err := cache.GetByName("foo")
	if err != nil {
		t.Fatal(err)
	}
	if r2 != r {
		t.Fatal("GetByName should return the same cached *jsonlrepo.Repo instance")
	}
}

func TestCacheGetMissingDirectory(t *testing.T) {
	home := t.TempDir()
	reg, err := NewRegistry(home)
	if err != nil {
		t.Fatal(err)
	}
	cache := New(reg)

	if _, err := cache.Get(t.TempDir()); err == nil {
		t.Fatal("expected error for path with no .eluent directory")
	}
}
