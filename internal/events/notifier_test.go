package events

import (
	"testing"

	"github.com/fruitsalade/previewfs/internal/logging"
	"go.uber.org/zap"
)

func init() {
	logging.SetLogger(zap.NewNop())
}

func TestNotifierDeliversInRegistrationOrder(t *testing.T) {
	n := NewNotifier()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		n.Subscribe(func(Event) { order = append(order, i) })
	}

	n.Emit(ProjectDeleted{ProjectID: "p"})

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("delivery order = %v, want [0 1 2]", order)
	}
}

func TestNotifierUnsubscribe(t *testing.T) {
	n := NewNotifier()
	calls := 0
	unsubscribe := n.Subscribe(func(Event) { calls++ })

	n.Emit(FileDeleted{ProjectID: "p", Path: "a"})
	unsubscribe()
	unsubscribe()
	n.Emit(FileDeleted{ProjectID: "p", Path: "a"})

	if calls != 1 {
		t.Errorf("handler called %d times, want 1", calls)
	}
	if n.Len() != 0 {
		t.Errorf("Len = %d after unsubscribe", n.Len())
	}
}

func TestNotifierIsolatesPanics(t *testing.T) {
	n := NewNotifier()
	var got []string
	n.Subscribe(func(ev Event) { got = append(got, "first") })
	n.Subscribe(func(ev Event) { panic("listener bug") })
	n.Subscribe(func(ev Event) { got = append(got, "third") })

	n.Emit(FileChanged{ProjectID: "p", Path: "a", Content: "x", FileType: "file"})

	if len(got) != 2 || got[0] != "first" || got[1] != "third" {
		t.Errorf("delivered to %v, want [first third]", got)
	}
}

func TestNotifierSubscribeDuringEmit(t *testing.T) {
	n := NewNotifier()
	late := 0
	n.Subscribe(func(Event) {
		n.Subscribe(func(Event) { late++ })
	})

	n.Emit(ProjectDeleted{ProjectID: "p"})
	if late != 0 {
		t.Errorf("handler registered during emit received the same event")
	}
	n.Emit(ProjectDeleted{ProjectID: "p"})
	if late != 1 {
		t.Errorf("late handler called %d times, want 1", late)
	}
}

func TestEncodeVariants(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{FileChanged{ProjectID: "p", Path: "a.js", Content: "x", FileType: "file"},
			`{"type":"fileChanged","data":{"projectId":"p","path":"a.js","content":"x","type":"file"}}`},
		{FileDeleted{ProjectID: "p", Path: "a.js"},
			`{"type":"fileDeleted","data":{"projectId":"p","path":"a.js"}}`},
		{ProjectDeleted{ProjectID: "p"},
			`{"type":"projectDeleted","data":{"projectId":"p"}}`},
	}
	for _, tt := range tests {
		data, err := Encode(tt.ev)
		if err != nil {
			t.Fatalf("Encode(%T): %v", tt.ev, err)
		}
		if string(data) != tt.want {
			t.Errorf("Encode(%T) = %s, want %s", tt.ev, data, tt.want)
		}
	}
}
