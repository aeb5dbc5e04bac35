// Package events provides the store's change notifier and the broadcaster
// that fans change events out to connected preview clients.
package events

import "github.com/fruitsalade/previewfs/pkg/protocol"

// Event is a store change. The set of implementations is closed:
// FileChanged, FileDeleted and ProjectDeleted.
type Event interface {
	// Type returns the wire message type for the event.
	Type() string
	event()
}

// FileChanged is emitted after a file is created or overwritten.
type FileChanged struct {
	ProjectID string
	Path      string
	Content   string
	FileType  string
}

// FileDeleted is emitted after an existing file is removed.
type FileDeleted struct {
	ProjectID string
	Path      string
}

// ProjectDeleted is emitted once after a project and all its files are removed.
type ProjectDeleted struct {
	ProjectID string
}

func (FileChanged) Type() string    { return protocol.TypeFileChanged }
func (FileDeleted) Type() string    { return protocol.TypeFileDeleted }
func (ProjectDeleted) Type() string { return protocol.TypeProjectDeleted }

func (FileChanged) event()    {}
func (FileDeleted) event()    {}
func (ProjectDeleted) event() {}

// Encode serializes an event into a subscriber message.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case FileChanged:
		return protocol.Encode(e.Type(), protocol.FileChangedData{
			ProjectID: e.ProjectID,
			Path:      e.Path,
			Content:   e.Content,
			Type:      e.FileType,
		})
	case FileDeleted:
		return protocol.Encode(e.Type(), protocol.FileDeletedData{
			ProjectID: e.ProjectID,
			Path:      e.Path,
		})
	case ProjectDeleted:
		return protocol.Encode(e.Type(), protocol.ProjectDeletedData{
			ProjectID: e.ProjectID,
		})
	default:
		panic("events: unknown event variant")
	}
}
