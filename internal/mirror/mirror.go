// Package mirror materializes store contents into a storage backend so an
// external preview compiler can read project files from disk or a bucket.
package mirror

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/previewfs/internal/events"
	"github.com/fruitsalade/previewfs/internal/logging"
	"github.com/fruitsalade/previewfs/internal/metrics"
	"github.com/fruitsalade/previewfs/internal/storage"
)

// Mirror replays store events against a Backend on background workers.
// Events of one project always go to the same worker, so they are applied in
// the order the store emitted them. When a worker queue is full the event is
// dropped and counted.
type Mirror struct {
	backend storage.Backend
	queues  []chan events.Event

	mu     sync.RWMutex
	closed bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates a mirror with the given number of workers, each with a queue of
// queueSize events.
func New(backend storage.Backend, workers, queueSize int) *Mirror {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	queues := make([]chan events.Event, workers)
	for i := range queues {
		queues[i] = make(chan events.Event, queueSize)
	}
	return &Mirror{backend: backend, queues: queues}
}

// Key returns the backend key of a file.
func Key(projectID, path string) string {
	return projectID + "/" + path
}

// Start launches the worker goroutines.
func (m *Mirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)
	for _, q := range m.queues {
		q := q
		m.group.Go(func() error {
			m.worker(ctx, q)
			return nil
		})
	}
	logging.Info("mirror started",
		zap.String("backend", m.backend.Type()),
		zap.Int("workers", len(m.queues)))
}

// Attach subscribes the mirror to n and returns the unsubscribe func.
func (m *Mirror) Attach(n *events.Notifier) func() {
	return n.Subscribe(m.Handle)
}

// Handle queues ev for its project's worker without blocking.
func (m *Mirror) Handle(ev events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	q := m.queues[shard(projectOf(ev), len(m.queues))]
	select {
	case q <- ev:
	default:
		metrics.RecordMirrorDropped()
		logging.Warn("mirror queue full, dropping event",
			zap.String("event", ev.Type()),
			zap.String("project", projectOf(ev)))
	}
}

// Stop stops accepting events, lets the workers drain their queues and waits
// for them to exit. Events still queued when ctx expires are abandoned.
func (m *Mirror) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, q := range m.queues {
		close(q)
	}
	m.mu.Unlock()

	if m.group == nil {
		return m.backend.Close()
	}

	done := make(chan struct{})
	go func() {
		m.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.cancel()
		<-done
	}
	m.cancel()
	logging.Info("mirror stopped")
	return m.backend.Close()
}

func (m *Mirror) worker(ctx context.Context, q <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-q:
			if !ok {
				return
			}
			if err := m.apply(ctx, ev); err != nil {
				logging.Warn("mirror operation failed",
					zap.String("event", ev.Type()),
					zap.String("project", projectOf(ev)),
					zap.Error(err))
			}
		}
	}
}

func (m *Mirror) apply(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.FileChanged:
		return m.backend.PutObject(ctx, Key(e.ProjectID, e.Path),
			strings.NewReader(e.Content), int64(len(e.Content)))
	case events.FileDeleted:
		return m.backend.DeleteObject(ctx, Key(e.ProjectID, e.Path))
	case events.ProjectDeleted:
		return m.backend.DeletePrefix(ctx, e.ProjectID+"/")
	}
	return nil
}

func projectOf(ev events.Event) string {
	switch e := ev.(type) {
	case events.FileChanged:
		return e.ProjectID
	case events.FileDeleted:
		return e.ProjectID
	case events.ProjectDeleted:
		return e.ProjectID
	}
	return ""
}

func shard(projectID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(projectID))
	return int(h.Sum32() % uint32(n))
}
