package events

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/internal/logging"
	"github.com/fruitsalade/previewfs/internal/metrics"
	"github.com/fruitsalade/previewfs/pkg/models"
	"github.com/fruitsalade/previewfs/pkg/protocol"
)

// Eviction reasons.
const (
	reasonSendError = "send_error"
	reasonQueueFull = "queue_full"
	reasonShutdown  = "shutdown"
)

// Conn is the transport of one subscriber.
type Conn interface {
	// Send writes one serialized message.
	Send(msg []byte) error
	// Close tears the transport down. It may be called more than once.
	Close() error
}

// ProjectSource is the read side of the store the broadcaster syncs
// subscribers from.
type ProjectSource interface {
	ListProjects() []models.ProjectSummary
	ProjectFiles(projectID string) ([]models.File, bool)
}

type outbound struct {
	msgType string
	data    []byte
}

// Subscriber is a connected preview client.
type Subscriber struct {
	id    string
	conn  Conn
	queue chan outbound

	stopOnce   sync.Once
	done       chan struct{}
	writerDone chan struct{}
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// Done is closed once the subscriber has left or been evicted.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) open() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// enqueue never blocks. It reports false when the queue is full.
func (s *Subscriber) enqueue(m outbound) bool {
	select {
	case s.queue <- m:
		return true
	default:
		return false
	}
}

func (s *Subscriber) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// Broadcaster manages connected subscribers and fans store events out to
// them. Each subscriber has its own bounded queue drained by a writer
// goroutine; a subscriber whose queue overflows or whose send fails is
// evicted without affecting the others.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	source      ProjectSource
	bufferSize  int
	closed      bool
}

// NewBroadcaster creates a broadcaster syncing new subscribers from source.
func NewBroadcaster(source ProjectSource, bufferSize int) *Broadcaster {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		source:      source,
		bufferSize:  bufferSize,
	}
}

// Attach subscribes the broadcaster to n and returns the unsubscribe func.
func (b *Broadcaster) Attach(n *Notifier) func() {
	return n.Subscribe(b.Publish)
}

// Join registers conn and queues the current project list as its first
// message. The caller must call Leave when the connection ends.
func (b *Broadcaster) Join(conn Conn) *Subscriber {
	sub := &Subscriber{
		id:         uuid.NewString(),
		conn:       conn,
		queue:      make(chan outbound, b.bufferSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	// Holding mu while the snapshot is taken keeps Publish from slipping an
	// event in between the snapshot and the subscriber becoming visible.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.stop()
		close(sub.writerDone)
		return sub
	}
	data, err := protocol.Encode(protocol.TypeProjectList, protocol.ProjectListData{
		Projects: b.source.ListProjects(),
	})
	if err == nil {
		sub.enqueue(outbound{msgType: protocol.TypeProjectList, data: data})
	} else {
		logging.Error("encode project snapshot", zap.Error(err))
	}
	b.subscribers[sub.id] = sub
	count := len(b.subscribers)
	b.mu.Unlock()

	metrics.SetSubscribersActive(count)
	logging.Info("subscriber joined", zap.String("subscriber", sub.id), zap.Int("subscribers", count))

	go b.writeLoop(sub)
	return sub
}

// Leave removes sub, closes its connection and waits for its writer to exit.
func (b *Broadcaster) Leave(sub *Subscriber) {
	b.remove(sub)
	sub.stop()
	<-sub.writerDone
}

// Publish serializes ev once and queues it to every open subscriber.
func (b *Broadcaster) Publish(ev Event) {
	data, err := Encode(ev)
	if err != nil {
		logging.Error("encode event", zap.String("event", ev.Type()), zap.Error(err))
		return
	}
	m := outbound{msgType: ev.Type(), data: data}

	var overflowed []*Subscriber
	b.mu.RLock()
	for _, sub := range b.subscribers {
		if !sub.open() {
			continue
		}
		if !sub.enqueue(m) {
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflowed {
		b.evict(sub, reasonQueueFull)
	}
}

// ErrUnknownControl is returned by HandleControl for message types
// subscribers may not send.
var ErrUnknownControl = errors.New("unknown control message")

// HandleControl processes a message received from sub. A setProject for a
// known project queues that project's files to sub alone; unknown projects
// are ignored.
func (b *Broadcaster) HandleControl(sub *Subscriber, raw []byte) error {
	msg, err := protocol.Decode(raw)
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.TypeSetProject:
		var req protocol.SetProjectData
		if err := protocol.DecodeData(msg, &req); err != nil {
			return err
		}
		// As in Join, the snapshot and its enqueue must not interleave with
		// Publish, or an older snapshot could land after a newer change.
		b.mu.Lock()
		files, ok := b.source.ProjectFiles(req.ProjectID)
		if !ok {
			b.mu.Unlock()
			logging.Debug("setProject for unknown project ignored",
				zap.String("subscriber", sub.id),
				zap.String("project", req.ProjectID))
			return nil
		}
		data, err := protocol.Encode(protocol.TypeProjectFiles, protocol.ProjectFilesData{
			ProjectID: req.ProjectID,
			Files:     files,
		})
		if err != nil {
			b.mu.Unlock()
			return err
		}
		overflowed := sub.open() && !sub.enqueue(outbound{msgType: protocol.TypeProjectFiles, data: data})
		b.mu.Unlock()

		if overflowed {
			b.evict(sub, reasonQueueFull)
		}
		return nil
	default:
		return ErrUnknownControl
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close evicts every subscriber. Subscribers joining afterwards are stopped
// right away.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.evict(sub, reasonShutdown)
	}
}

func (b *Broadcaster) writeLoop(sub *Subscriber) {
	defer close(sub.writerDone)
	for {
		select {
		case <-sub.done:
			return
		case m := <-sub.queue:
			if err := sub.conn.Send(m.data); err != nil {
				logging.Debug("subscriber send failed",
					zap.String("subscriber", sub.id),
					zap.String("type", m.msgType),
					zap.Error(err))
				b.evict(sub, reasonSendError)
				return
			}
			metrics.RecordMessageSent(m.msgType)
		}
	}
}

// evict drops sub without waiting for its writer, so the writer may call it.
func (b *Broadcaster) evict(sub *Subscriber, reason string) {
	if !b.remove(sub) {
		return
	}
	sub.stop()
	metrics.RecordEviction(reason)
	logging.Info("subscriber evicted", zap.String("subscriber", sub.id), zap.String("reason", reason))
}

func (b *Broadcaster) remove(sub *Subscriber) bool {
	b.mu.Lock()
	_, ok := b.subscribers[sub.id]
	delete(b.subscribers, sub.id)
	count := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		metrics.SetSubscribersActive(count)
	}
	return ok
}
