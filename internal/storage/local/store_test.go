package local

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/felixgeelhaar/agentlens/internal/domain"
)

type record struct {
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`
}

func TestNewStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool", "nested")

	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if store.basePath != dir {
		t.Errorf("basePath = %v, want %v", store.basePath, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory, got file")
	}
}

func TestStore_Save_Load(t *testing.T) {
	store, _ := NewStore(t.TempDir())

	original := record{RequestID: "01J0", Attempts: 4}
	if err := store.Save("failed", "01J0", original); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	var loaded record
	if err := store.Load("failed", "01J0", &loaded); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != original {
		t.Errorf("Load() = %+v, want %+v", loaded, original)
	}

	// overwrite replaces the record
	if err := store.Save("failed", "01J0", record{RequestID: "01J0", Attempts: 5}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	store.Load("failed", "01J0", &loaded)
	if loaded.Attempts != 5 {
		t.Errorf("Attempts = %d, want 5", loaded.Attempts)
	}
}

func TestStore_UnsafeIDs(t *testing.T) {
	store, _ := NewStore(t.TempDir())

	id := "../../etc/passwd:retry"
	if err := store.Save("failed", id, record{RequestID: id}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !store.Exists("failed", id) {
		t.Error("Exists() = false after Save")
	}
	entries, _ := os.ReadDir(store.Path("failed"))
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 file inside the collection", len(entries))
	}
}

func TestStore_NotFound(t *testing.T) {
	store, _ := NewStore(t.TempDir())

	var data record
	if err := store.Load("failed", "missing", &data); err != ErrNotFound {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
	if err := store.Delete("failed", "missing"); err != ErrNotFound {
		t.Errorf("Delete() error = %v, want ErrNotFound", err)
	}
	if !domain.IsNotFound(ErrNotFound) {
		t.Error("ErrNotFound should wrap domain.ErrNotFound")
	}
}

func TestStore_Delete(t *testing.T) {
	store, _ := NewStore(t.TempDir())

	store.Save("failed", "a", record{})
	if err := store.Delete("failed", "a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if store.Exists("failed", "a") {
		t.Error("Exists() should return false after delete")
	}
}

func TestStore_List(t *testing.T) {
	store, _ := NewStore(t.TempDir())

	for _, id := range []string{"c", "a", "b"} {
		store.Save("failed", id, record{RequestID: id})
	}
	// stray temp files and directories are ignored
	os.WriteFile(filepath.Join(store.Path("failed"), ".tmp-123"), []byte("{"), 0o644)
	os.Mkdir(filepath.Join(store.Path("failed"), "sub"), 0o755)

	ids, err := store.List("failed")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(ids) != len(want) {
		t.Fatalf("List() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	n, err := store.Count("empty")
	if err != nil || n != 0 {
		t.Errorf("Count(empty) = %d, %v; want 0", n, err)
	}
}

func TestStore_ConcurrentSave(t *testing.T) {
	store, _ := NewStore(t.TempDir())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			store.Save("failed", "same", record{Attempts: n})
		}(i)
	}
	wg.Wait()

	var loaded record
	if err := store.Load("failed", "same", &loaded); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	n, _ := store.Count("failed")
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}
