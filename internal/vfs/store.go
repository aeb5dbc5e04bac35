// Package vfs implements the in-memory virtual filesystem: projects holding a
// flat map of normalized paths to text files.
package vfs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/internal/events"
	"github.com/fruitsalade/previewfs/internal/logging"
	"github.com/fruitsalade/previewfs/internal/metrics"
	"github.com/fruitsalade/previewfs/pkg/models"
)

// File is a stored file.
type File struct {
	Content string
	Type    string
}

// Project is a copy of a stored project.
type Project struct {
	ID        string
	Name      string
	Files     map[string]File
	CreatedAt time.Time
	UpdatedAt time.Time
}

type project struct {
	id        string
	name      string
	files     map[string]File
	createdAt time.Time
	updatedAt time.Time
}

// Store is the authoritative project/file state.
//
// Every mutation holds emitMu across the map change and the event emission,
// so events reach listeners in commit order and listeners always observe the
// state the event describes. mu guards the map alone, which lets listeners
// read the store while an event is being delivered. Listeners must not
// mutate the store synchronously.
type Store struct {
	emitMu sync.Mutex

	mu        sync.RWMutex
	projects  map[string]*project
	fileCount int

	notifier *events.Notifier
	now      func() time.Time
	newID    func() string
}

// NewStore creates an empty store emitting on notifier. A nil notifier gets a
// private one.
func NewStore(notifier *events.Notifier) *Store {
	if notifier == nil {
		notifier = events.NewNotifier()
	}
	return &Store{
		projects: make(map[string]*project),
		notifier: notifier,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Notifier returns the notifier the store emits on.
func (s *Store) Notifier() *events.Notifier {
	return s.notifier
}

// CreateProject inserts an empty project and returns its id.
func (s *Store) CreateProject(name string) string {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	now := s.now()
	s.mu.Lock()
	id := s.newID()
	for _, taken := s.projects[id]; taken; _, taken = s.projects[id] {
		id = s.newID()
	}
	s.projects[id] = &project{
		id:        id,
		name:      name,
		files:     make(map[string]File),
		createdAt: now,
		updatedAt: now,
	}
	s.updateGauges()
	s.mu.Unlock()

	logging.Info("project created", zap.String("project", id), zap.String("name", name))
	return id
}

// DeleteProject removes a project with all its files. It returns false when
// the project does not exist.
func (s *Store) DeleteProject(id string) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	p, ok := s.projects[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.projects, id)
	s.fileCount -= len(p.files)
	s.updateGauges()
	s.mu.Unlock()

	logging.Info("project deleted", zap.String("project", id), zap.Int("files", len(p.files)))
	s.notifier.Emit(events.ProjectDeleted{ProjectID: id})
	return true
}

// GetProject returns a copy of the project.
func (s *Store) GetProject(id string) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return Project{}, false
	}
	files := make(map[string]File, len(p.files))
	for k, v := range p.files {
		files[k] = v
	}
	return Project{
		ID:        p.id,
		Name:      p.name,
		Files:     files,
		CreatedAt: p.createdAt,
		UpdatedAt: p.updatedAt,
	}, true
}

// ListProjects returns a snapshot of all projects. Callers must not rely on
// the order.
func (s *Store) ListProjects() []models.ProjectSummary {
	s.mu.RLock()
	out := make([]models.ProjectSummary, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, models.ProjectSummary{
			ID:        p.id,
			Name:      p.name,
			FileCount: len(p.files),
			CreatedAt: p.createdAt,
			UpdatedAt: p.updatedAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetFile returns the file at path. Missing projects and files are reported
// through the bool, not as errors.
func (s *Store) GetFile(projectID, path string) (File, bool) {
	key := Normalize(path)

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return File{}, false
	}
	f, ok := p.files[key]
	return f, ok
}

// SetFile inserts or overwrites the file at path and emits FileChanged.
func (s *Store) SetFile(projectID, path, content, fileType string) error {
	key := Normalize(path)

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	p, ok := s.projects[projectID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set file %q: %w: %s", path, ErrProjectNotFound, projectID)
	}
	if key == "" {
		s.mu.Unlock()
		return fmt.Errorf("set file %q: %w", path, ErrInvalidPath)
	}
	if _, exists := p.files[key]; !exists {
		s.fileCount++
	}
	p.files[key] = File{Content: content, Type: fileType}
	p.updatedAt = s.now()
	s.updateGauges()
	s.mu.Unlock()

	metrics.RecordContentWrite(len(content))
	logging.Debug("file written",
		zap.String("project", projectID),
		zap.String("path", key),
		zap.Int("size", len(content)))

	s.notifier.Emit(events.FileChanged{
		ProjectID: projectID,
		Path:      key,
		Content:   content,
		FileType:  fileType,
	})
	return nil
}

// DeleteFile removes the file at path and emits FileDeleted. Deleting a path
// that does not exist is a no-op without an event.
func (s *Store) DeleteFile(projectID, path string) error {
	key := Normalize(path)

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	p, ok := s.projects[projectID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete file %q: %w: %s", path, ErrProjectNotFound, projectID)
	}
	if _, exists := p.files[key]; !exists {
		s.mu.Unlock()
		return nil
	}
	delete(p.files, key)
	s.fileCount--
	p.updatedAt = s.now()
	s.updateGauges()
	s.mu.Unlock()

	logging.Debug("file deleted", zap.String("project", projectID), zap.String("path", key))
	s.notifier.Emit(events.FileDeleted{ProjectID: projectID, Path: key})
	return nil
}

// ListFiles returns the paths and types of a project's files, sorted by path.
func (s *Store) ListFiles(projectID string) ([]models.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, fmt.Errorf("list files: %w: %s", ErrProjectNotFound, projectID)
	}
	out := make([]models.FileInfo, 0, len(p.files))
	for path, f := range p.files {
		out = append(out, models.FileInfo{Path: path, Type: f.Type})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ProjectFiles returns every file of a project with its content, sorted by
// path.
func (s *Store) ProjectFiles(projectID string) ([]models.File, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return nil, false
	}
	out := make([]models.File, 0, len(p.files))
	for path, f := range p.files {
		out = append(out, models.File{Path: path, Content: f.Content, Type: f.Type})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, true
}

// updateGauges must be called with mu held.
func (s *Store) updateGauges() {
	metrics.SetStoreSize(len(s.projects), s.fileCount)
}
