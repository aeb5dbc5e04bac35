package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/internal/logging"
	"github.com/fruitsalade/previewfs/internal/metrics"
)

// Handler receives store events.
type Handler func(Event)

type registration struct {
	id uint64
	fn Handler
}

// Notifier is a synchronous in-process publish/subscribe registry.
// Emit calls every handler in registration order on the caller's goroutine.
type Notifier struct {
	mu       sync.RWMutex
	handlers []registration
	nextID   uint64
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn Handler) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.handlers = append(n.handlers, registration{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.handlers {
		if r.id == id {
			n.handlers = append(n.handlers[:i:i], n.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.handlers)
}

// Emit delivers ev to every handler registered at the time of the call.
// A panicking handler is logged and skipped.
func (n *Notifier) Emit(ev Event) {
	n.mu.RLock()
	handlers := n.handlers
	n.mu.RUnlock()

	metrics.RecordEvent(ev.Type())
	for _, r := range handlers {
		n.dispatch(r.fn, ev)
	}
}

func (n *Notifier) dispatch(fn Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordListenerPanic()
			logging.Error("change listener panicked",
				zap.String("event", ev.Type()),
				zap.String("panic", fmt.Sprint(rec)))
		}
	}()
	fn(ev)
}
