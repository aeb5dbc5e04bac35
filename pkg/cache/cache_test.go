package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/previewfs/pkg/models"
)

type fakeStore struct {
	mu     sync.Mutex
	files  map[string]models.File
	gets   int
	sets   int
	setErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[string]models.File)}
}

func (s *fakeStore) GetFile(_ context.Context, projectID, path string) (models.File, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	f, ok := s.files[projectID+"/"+path]
	return f, ok, nil
}

func (s *fakeStore) SetFile(_ context.Context, projectID, path, content, fileType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.sets++
	s.files[projectID+"/"+path] = models.File{Path: path, Content: content, Type: fileType}
	return nil
}

func (s *fakeStore) write(projectID, path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[projectID+"/"+path] = models.File{Path: path, Content: content, Type: "file"}
}

func (s *fakeStore) counts() (gets, sets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.sets
}

func TestGetCachesWithinTTL(t *testing.T) {
	store := newFakeStore()
	store.write("p", "index.html", "v1")
	c := New(store, Config{TTL: time.Minute, MaxEntries: 10})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, ok, err := c.Get(ctx, "p", "index.html")
		if err != nil || !ok || got != "v1" {
			t.Fatalf("Get = %q, %v, %v", got, ok, err)
		}
	}
	if gets, _ := store.counts(); gets != 1 {
		t.Errorf("fetches = %d, want 1", gets)
	}
}

func TestGetRefetchesAfterTTL(t *testing.T) {
	store := newFakeStore()
	store.write("p", "a.js", "v1")
	c := New(store, Config{TTL: 50 * time.Millisecond, MaxEntries: 10})
	ctx := context.Background()

	c.Get(ctx, "p", "a.js")
	store.write("p", "a.js", "v2")
	time.Sleep(80 * time.Millisecond)

	got, _, _ := c.Get(ctx, "p", "a.js")
	if got != "v2" {
		t.Errorf("Get after TTL = %q, want v2", got)
	}
	if gets, _ := store.counts(); gets != 2 {
		t.Errorf("fetches = %d, want 2", gets)
	}
}

func TestInvalidateBypassesFreshEntry(t *testing.T) {
	store := newFakeStore()
	store.write("p", "a.js", "v1")
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})
	ctx := context.Background()

	c.Get(ctx, "p", "a.js")
	store.write("p", "a.js", "v2")
	c.Invalidate("p", "a.js")

	got, _, _ := c.Get(ctx, "p", "a.js")
	if got != "v2" {
		t.Errorf("Get after invalidate = %q, want v2", got)
	}
}

func TestInvalidateNormalizesPath(t *testing.T) {
	store := newFakeStore()
	store.write("p", "/src/a.js", "v1")
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})
	ctx := context.Background()

	c.Get(ctx, "p", "/src/a.js")
	c.Invalidate("p", "src/a.js")
	if c.Len() != 0 {
		t.Errorf("Len = %d after invalidating the normalized key", c.Len())
	}
}

func TestMissingNotCached(t *testing.T) {
	store := newFakeStore()
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})
	ctx := context.Background()

	if _, ok, err := c.Get(ctx, "p", "nope"); ok || err != nil {
		t.Fatalf("Get missing = %v, %v", ok, err)
	}
	c.Get(ctx, "p", "nope")
	if gets, _ := store.counts(); gets != 2 {
		t.Errorf("fetches = %d, want 2", gets)
	}
}

func TestEvictionBound(t *testing.T) {
	store := newFakeStore()
	const max = 5
	for i := 0; i < 2*max; i++ {
		store.write("p", fmt.Sprintf("f%d", i), "x")
	}
	c := New(store, Config{TTL: time.Hour, MaxEntries: max})
	ctx := context.Background()

	for i := 0; i < 2*max; i++ {
		c.Get(ctx, "p", fmt.Sprintf("f%d", i))
		if c.Len() > max {
			t.Fatalf("Len = %d after %d inserts, want <= %d", c.Len(), i+1, max)
		}
	}

	// The oldest inserts are gone, the newest remain.
	before, _ := store.counts()
	c.Get(ctx, "p", "f0")
	c.Get(ctx, "p", fmt.Sprintf("f%d", 2*max-1))
	after, _ := store.counts()
	if after-before != 1 {
		t.Errorf("fetches = %d, want 1 (f0 evicted, newest cached)", after-before)
	}
}

func TestPutSuppressesUnchanged(t *testing.T) {
	store := newFakeStore()
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})
	ctx := context.Background()

	written, err := c.Put(ctx, "p", "a.css", "body{}", "file")
	if err != nil || !written {
		t.Fatalf("first Put = %v, %v", written, err)
	}
	written, err = c.Put(ctx, "p", "a.css", "body{}", "file")
	if err != nil || written {
		t.Fatalf("identical Put = %v, %v; want suppressed", written, err)
	}
	written, _ = c.Put(ctx, "p", "a.css", "p{}", "file")
	if !written {
		t.Error("changed content was suppressed")
	}
	if _, sets := store.counts(); sets != 2 {
		t.Errorf("store writes = %d, want 2", sets)
	}

	got, _, _ := c.Get(ctx, "p", "a.css")
	if got != "p{}" {
		t.Errorf("Get = %q, want optimistic content", got)
	}
}

func TestPutAfterInvalidateWrites(t *testing.T) {
	store := newFakeStore()
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})
	ctx := context.Background()

	c.Put(ctx, "p", "a.css", "body{}", "file")
	// Another client changed the file; the event invalidated our entry.
	c.Invalidate("p", "a.css")
	written, _ := c.Put(ctx, "p", "a.css", "body{}", "file")
	if !written {
		t.Error("write suppressed against an invalidated entry")
	}
}

func TestPutFailureDropsEntry(t *testing.T) {
	store := newFakeStore()
	store.setErr = errors.New("boom")
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})

	if _, err := c.Put(context.Background(), "p", "a", "x", "file"); !errors.Is(err, store.setErr) {
		t.Fatalf("Put err = %v, want wrapped boom", err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want failed write rolled back", c.Len())
	}
}

func TestSetProjectClears(t *testing.T) {
	store := newFakeStore()
	store.write("p1", "a", "1")
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})
	ctx := context.Background()

	c.SetProject("p1")
	c.Get(ctx, "p1", "a")
	c.SetProject("p1")
	if c.Len() != 1 {
		t.Errorf("re-selecting the same project cleared the cache")
	}
	c.SetProject("p2")
	if c.Len() != 0 {
		t.Errorf("Len = %d after switching project, want 0", c.Len())
	}
	if c.Project() != "p2" {
		t.Errorf("Project() = %q", c.Project())
	}
}

func TestInvalidateProject(t *testing.T) {
	store := newFakeStore()
	store.write("p1", "a", "1")
	store.write("p1", "b", "1")
	store.write("p2", "a", "2")
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})
	ctx := context.Background()

	c.Get(ctx, "p1", "a")
	c.Get(ctx, "p1", "b")
	c.Get(ctx, "p2", "a")
	c.InvalidateProject("p1")
	if c.Len() != 1 {
		t.Errorf("Len = %d, want only p2 entry left", c.Len())
	}
}

type racingStore struct {
	*fakeStore
	during func()
}

func (s *racingStore) GetFile(ctx context.Context, projectID, path string) (models.File, bool, error) {
	f, ok, err := s.fakeStore.GetFile(ctx, projectID, path)
	s.during()
	return f, ok, err
}

func TestInvalidateDuringFetchNotCached(t *testing.T) {
	store := &racingStore{fakeStore: newFakeStore()}
	store.write("p", "a", "old")
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})
	store.during = func() { c.Invalidate("p", "a") }

	got, _, _ := c.Get(context.Background(), "p", "a")
	if got != "old" {
		t.Errorf("Get = %q", got)
	}
	if c.Len() != 0 {
		t.Error("content fetched before an invalidation was cached")
	}
}

func TestFillServesWithoutFetch(t *testing.T) {
	store := newFakeStore()
	c := New(store, Config{TTL: time.Hour, MaxEntries: 10})
	ctx := context.Background()

	c.Fill("p", "index.html", "<h1>Hi</h1>", "file")
	got, ok, err := c.Get(ctx, "p", "/index.html")
	if err != nil || !ok || got != "<h1>Hi</h1>" {
		t.Fatalf("Get = %q, %v, %v", got, ok, err)
	}
	if gets, sets := store.counts(); gets != 0 || sets != 0 {
		t.Errorf("store calls = %d gets, %d sets; want none", gets, sets)
	}
}
