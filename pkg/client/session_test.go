package client

import (
	"context"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/internal/api"
	"github.com/fruitsalade/previewfs/internal/events"
	"github.com/fruitsalade/previewfs/internal/logging"
	"github.com/fruitsalade/previewfs/internal/vfs"
	"github.com/fruitsalade/previewfs/pkg/cache"
	"github.com/fruitsalade/previewfs/pkg/protocol"
)

func init() {
	logging.SetLogger(zap.NewNop())
}

type liveServer struct {
	store  *vfs.Store
	bc     *events.Broadcaster
	ts     *httptest.Server
	ln     *trackingListener
	detach func()
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	store := vfs.NewStore(nil)
	bc := events.NewBroadcaster(store, 64)
	detach := bc.Attach(store.Notifier())
	ts := httptest.NewUnstartedServer(api.NewServer(store, bc, api.Options{}).Handler())
	ln := &trackingListener{Listener: ts.Listener}
	ts.Listener = ln
	ts.Start()
	t.Cleanup(func() {
		detach()
		bc.Close()
		ts.Close()
	})
	return &liveServer{store: store, bc: bc, ts: ts, ln: ln, detach: detach}
}

// dropConnections cuts every connection accepted so far, hijacked websockets
// included.
func (s *liveServer) dropConnections() {
	s.ln.closeAll()
}

type trackingListener struct {
	net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.mu.Lock()
		l.conns = append(l.conns, c)
		l.mu.Unlock()
	}
	return c, err
}

func (l *trackingListener) closeAll() {
	l.mu.Lock()
	conns := l.conns
	l.conns = nil
	l.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// recorder collects inbound messages.
type recorder struct {
	ch chan protocol.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan protocol.Message, 64)}
}

func (r *recorder) record(msg protocol.Message) {
	r.ch <- msg
}

func (r *recorder) waitFor(t *testing.T, msgType string) protocol.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-r.ch:
			if msg.Type == msgType {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", msgType)
			return protocol.Message{}
		}
	}
}

func newTestSession(t *testing.T, srv *liveServer, rec *recorder) *Session {
	t.Helper()
	c := New(Config{BaseURL: srv.ts.URL})
	s, err := NewSession(c, SessionConfig{
		Cache:     cache.Config{TTL: time.Hour, MaxEntries: 100},
		Reconnect: RetryConfig{Attempts: 3, Delay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		OnMessage: rec.record,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Dispose)
	return s
}

func TestSessionInvalidatesOnRemoteWrite(t *testing.T) {
	srv := newLiveServer(t)
	id := srv.store.CreateProject("Demo")
	srv.store.SetFile(id, "index.html", "v1", "file")

	rec := newRecorder()
	s := newTestSession(t, srv, rec)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("State = %s, want connected", s.State())
	}
	rec.waitFor(t, protocol.TypeProjectList)
	if got := s.Projects(); len(got) != 1 || got[0].ID != id {
		t.Errorf("Projects = %+v", got)
	}

	if err := s.SetProject(id); err != nil {
		t.Fatalf("SetProject: %v", err)
	}
	rec.waitFor(t, protocol.TypeProjectFiles)

	got, ok, err := s.GetFile(context.Background(), "index.html")
	if err != nil || !ok || got != "v1" {
		t.Fatalf("GetFile = %q, %v, %v", got, ok, err)
	}

	// Another writer changes the file; the event must beat the TTL.
	srv.store.SetFile(id, "/index.html", "v2", "file")
	rec.waitFor(t, protocol.TypeFileChanged)

	got, _, _ = s.GetFile(context.Background(), "index.html")
	if got != "v2" {
		t.Errorf("GetFile after remote write = %q, want v2", got)
	}
}

func TestSessionWriteSuppression(t *testing.T) {
	srv := newLiveServer(t)
	id := srv.store.CreateProject("p")

	var changes int
	var mu sync.Mutex
	srv.store.Notifier().Subscribe(func(ev events.Event) {
		if _, ok := ev.(events.FileChanged); ok {
			mu.Lock()
			changes++
			mu.Unlock()
		}
	})

	s := newTestSession(t, srv, newRecorder())
	if err := s.SetProject(id); err != nil {
		t.Fatalf("SetProject while disconnected: %v", err)
	}
	ctx := context.Background()

	if written, err := s.SetFile(ctx, "a.css", "body{}", "file"); err != nil || !written {
		t.Fatalf("first SetFile = %v, %v", written, err)
	}
	if written, _ := s.SetFile(ctx, "a.css", "body{}", "file"); written {
		t.Error("unchanged content was written")
	}

	mu.Lock()
	defer mu.Unlock()
	if changes != 1 {
		t.Errorf("fileChanged events = %d, want 1", changes)
	}
}

func TestSessionNoProject(t *testing.T) {
	srv := newLiveServer(t)
	s := newTestSession(t, srv, newRecorder())
	if _, _, err := s.GetFile(context.Background(), "a"); err != ErrNoProject {
		t.Errorf("err = %v, want ErrNoProject", err)
	}
}

func TestSessionActiveProjectDeleted(t *testing.T) {
	srv := newLiveServer(t)
	id := srv.store.CreateProject("p")
	srv.store.SetFile(id, "a.js", "1", "file")

	rec := newRecorder()
	s := newTestSession(t, srv, rec)
	s.SetProject(id)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Resent on connect.
	rec.waitFor(t, protocol.TypeProjectFiles)
	if s.Cache().Len() != 1 {
		t.Fatalf("cache Len = %d, want 1 after projectFiles", s.Cache().Len())
	}

	srv.store.DeleteProject(id)
	rec.waitFor(t, protocol.TypeProjectDeleted)
	if s.Cache().Len() != 0 || s.Cache().Project() != "" {
		t.Errorf("cache not cleared: Len=%d project=%q", s.Cache().Len(), s.Cache().Project())
	}
	if len(s.Projects()) != 0 {
		t.Errorf("Projects = %+v, want deleted project gone", s.Projects())
	}
}

func TestConnReconnects(t *testing.T) {
	srv := newLiveServer(t)
	rec := newRecorder()
	s := newTestSession(t, srv, rec)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, protocol.TypeProjectList)

	// The connection drops; the client reconnects and gets a new snapshot.
	srv.dropConnections()
	rec.waitFor(t, protocol.TypeProjectList)
	if s.State() != StateConnected {
		t.Errorf("State = %s, want connected", s.State())
	}
}

func TestConnDialFailure(t *testing.T) {
	c := NewConn(ConnConfig{
		URL:       "ws://127.0.0.1:1/ws",
		Reconnect: RetryConfig{Attempts: 2, Delay: time.Millisecond, MaxDelay: time.Millisecond},
	})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", c.State())
	}
	if err := c.Send(protocol.TypeSetProject, protocol.SetProjectData{}); err != ErrNotConnected {
		t.Errorf("Send err = %v, want ErrNotConnected", err)
	}
	c.Dispose()
	if err := c.Connect(context.Background()); err != ErrDisposed {
		t.Errorf("Connect after Dispose = %v, want ErrDisposed", err)
	}
}

func TestConnStateTransitions(t *testing.T) {
	srv := newLiveServer(t)
	url := "ws" + srv.ts.URL[len("http"):] + "/ws"

	var mu sync.Mutex
	var states []State
	c := NewConn(ConnConfig{
		URL: url,
		OnState: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Dispose()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestSessionReconnectDropsMissedChanges(t *testing.T) {
	srv := newLiveServer(t)
	id := srv.store.CreateProject("p")
	srv.store.SetFile(id, "index.html", "v1", "file")
	srv.store.SetFile(id, "app.js", "1", "file")

	rec := newRecorder()
	s := newTestSession(t, srv, rec)
	s.SetProject(id)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, protocol.TypeProjectFiles)

	ctx := context.Background()
	if got, ok, _ := s.GetFile(ctx, "index.html"); !ok || got != "v1" {
		t.Fatalf("GetFile = %q, %v", got, ok)
	}

	// The deletion is never delivered, as if it happened while the
	// subscriber was gone.
	srv.detach()
	srv.store.DeleteFile(id, "index.html")
	srv.dropConnections()

	rec.waitFor(t, protocol.TypeProjectList)
	rec.waitFor(t, protocol.TypeProjectFiles)

	if got, ok, err := s.GetFile(ctx, "index.html"); err != nil || ok {
		t.Errorf("GetFile after reconnect = %q, %v, %v; want absent", got, ok, err)
	}
	if got, ok, _ := s.GetFile(ctx, "app.js"); !ok || got != "1" {
		t.Errorf("GetFile(app.js) = %q, %v", got, ok)
	}
}

func TestSessionReconnectDropsDeletedProject(t *testing.T) {
	srv := newLiveServer(t)
	id := srv.store.CreateProject("p")
	srv.store.SetFile(id, "index.html", "v1", "file")

	rec := newRecorder()
	s := newTestSession(t, srv, rec)
	s.SetProject(id)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.waitFor(t, protocol.TypeProjectFiles)
	if s.Cache().Len() != 1 {
		t.Fatalf("cache Len = %d, want 1", s.Cache().Len())
	}

	srv.detach()
	srv.store.DeleteProject(id)
	srv.dropConnections()

	// The server ignores setProject for the missing project, so only the
	// snapshot arrives.
	rec.waitFor(t, protocol.TypeProjectList)
	if s.Cache().Len() != 0 {
		t.Errorf("cache Len after reconnect = %d, want 0", s.Cache().Len())
	}
	if got, ok, err := s.GetFile(context.Background(), "index.html"); err != nil || ok {
		t.Errorf("GetFile after reconnect = %q, %v, %v; want absent", got, ok, err)
	}
}
