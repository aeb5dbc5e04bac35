package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/internal/events"
	"github.com/fruitsalade/previewfs/internal/logging"
	"github.com/fruitsalade/previewfs/internal/storage/local"
)

func init() {
	logging.SetLogger(zap.NewNop())
}

func newLocalMirror(t *testing.T) (*Mirror, string) {
	t.Helper()
	root := t.TempDir()
	b, err := local.New(local.Config{RootPath: root, CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	return New(b, 2, 16), root
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestMirrorAppliesEvents(t *testing.T) {
	m, root := newLocalMirror(t)
	n := events.NewNotifier()
	m.Start(context.Background())
	unsubscribe := m.Attach(n)

	n.Emit(events.FileChanged{ProjectID: "p1", Path: "src/app.js", Content: "console.log(1)"})
	n.Emit(events.FileChanged{ProjectID: "p1", Path: "index.html", Content: "<p>"})
	n.Emit(events.FileDeleted{ProjectID: "p1", Path: "index.html"})
	n.Emit(events.FileChanged{ProjectID: "p2", Path: "style.css", Content: "p{}"})

	unsubscribe()
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "p1", "src", "app.js"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "console.log(1)" {
		t.Errorf("content = %q", data)
	}
	if exists(filepath.Join(root, "p1", "index.html")) {
		t.Error("deleted file still mirrored")
	}
	if !exists(filepath.Join(root, "p2", "style.css")) {
		t.Error("p2 file not mirrored")
	}
}

func TestMirrorProjectDeleted(t *testing.T) {
	m, root := newLocalMirror(t)
	m.Start(context.Background())

	m.Handle(events.FileChanged{ProjectID: "p1", Path: "a/b.txt", Content: "b"})
	m.Handle(events.FileChanged{ProjectID: "p2", Path: "c.txt", Content: "c"})
	m.Handle(events.ProjectDeleted{ProjectID: "p1"})

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if exists(filepath.Join(root, "p1")) {
		t.Error("deleted project still mirrored")
	}
	if !exists(filepath.Join(root, "p2", "c.txt")) {
		t.Error("other project removed")
	}
}

func TestMirrorPreservesOrderPerProject(t *testing.T) {
	m, root := newLocalMirror(t)
	m.Start(context.Background())

	for i := 0; i < 10; i++ {
		m.Handle(events.FileChanged{ProjectID: "p", Path: "a.txt", Content: string(rune('a' + i))})
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "p", "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "j" {
		t.Errorf("content = %q, want last write %q", data, "j")
	}
}

func TestMirrorDropsWhenFull(t *testing.T) {
	root := t.TempDir()
	b, err := local.New(local.Config{RootPath: root, CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	// Not started: nothing drains the single-slot queue.
	m := New(b, 1, 1)
	m.Handle(events.FileChanged{ProjectID: "p", Path: "a.txt", Content: "1"})
	m.Handle(events.FileChanged{ProjectID: "p", Path: "b.txt", Content: "2"})

	if got := len(m.queues[0]); got != 1 {
		t.Errorf("queued = %d, want 1", got)
	}
}

func TestHandleAfterStop(t *testing.T) {
	m, _ := newLocalMirror(t)
	m.Start(context.Background())
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Must not panic on the closed queues.
	m.Handle(events.FileChanged{ProjectID: "p", Path: "a.txt"})
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestShardStable(t *testing.T) {
	for _, id := range []string{"a", "project-1", "0b6f"} {
		if shard(id, 4) != shard(id, 4) {
			t.Errorf("shard(%q) not stable", id)
		}
		if s := shard(id, 4); s < 0 || s >= 4 {
			t.Errorf("shard(%q) = %d out of range", id, s)
		}
	}
}
