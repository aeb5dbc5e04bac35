package client

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/pkg/cache"
	"github.com/fruitsalade/previewfs/pkg/models"
	"github.com/fruitsalade/previewfs/pkg/protocol"
)

// ErrNoProject is returned by file operations before SetProject.
var ErrNoProject = errors.New("no active project")

// SessionConfig holds Session settings.
type SessionConfig struct {
	Cache     cache.Config
	Reconnect RetryConfig
	// OnMessage, when set, sees every inbound message after the cache has
	// been updated for it.
	OnMessage func(protocol.Message)
	Logger    *zap.Logger
}

// Session is one preview client: a subscriber connection keeping a content
// cache coherent with the server. Sessions share nothing with each other.
type Session struct {
	client    *Client
	cache     *cache.Cache
	conn      *Conn
	onMessage func(protocol.Message)
	logger    *zap.Logger

	mu       sync.RWMutex
	projects []models.ProjectSummary
}

// NewSession creates a session on top of client. Call Connect to start it.
func NewSession(client *Client, cfg SessionConfig) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Cache.Logger == nil {
		cfg.Cache.Logger = cfg.Logger
	}
	wsURL, err := client.WebSocketURL()
	if err != nil {
		return nil, err
	}

	s := &Session{
		client:    client,
		cache:     cache.New(client, cfg.Cache),
		onMessage: cfg.OnMessage,
		logger:    cfg.Logger,
	}
	s.conn = NewConn(ConnConfig{
		URL:       wsURL,
		Handler:   s.handle,
		OnState:   s.stateChanged,
		Reconnect: cfg.Reconnect,
		Logger:    cfg.Logger,
	})
	return s, nil
}

// Connect opens the subscriber connection.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// Dispose closes the connection and drops the cache.
func (s *Session) Dispose() {
	s.conn.Dispose()
	s.cache.Clear()
}

// State returns the connection state.
func (s *Session) State() State {
	return s.conn.State()
}

// Cache returns the session cache.
func (s *Session) Cache() *cache.Cache {
	return s.cache
}

// Projects returns the last project list the server pushed.
func (s *Session) Projects() []models.ProjectSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ProjectSummary(nil), s.projects...)
}

// SetProject makes projectID the active project. The cache is cleared when
// the project changes and the server is asked for the project's files. While
// disconnected the request is sent on the next connect.
func (s *Session) SetProject(projectID string) error {
	s.cache.SetProject(projectID)
	err := s.conn.Send(protocol.TypeSetProject, protocol.SetProjectData{ProjectID: projectID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// GetFile reads a file of the active project through the cache.
func (s *Session) GetFile(ctx context.Context, path string) (string, bool, error) {
	projectID := s.cache.Project()
	if projectID == "" {
		return "", false, ErrNoProject
	}
	return s.cache.Get(ctx, projectID, path)
}

// SetFile writes a file of the active project. Unchanged content is not sent;
// the bool reports whether a write went out.
func (s *Session) SetFile(ctx context.Context, path, content, fileType string) (bool, error) {
	projectID := s.cache.Project()
	if projectID == "" {
		return false, ErrNoProject
	}
	return s.cache.Put(ctx, projectID, path, content, fileType)
}

func (s *Session) stateChanged(state State) {
	if state != StateConnected {
		return
	}
	// Events are not replayed, so anything cached before this connection
	// may have missed a change. A fresh server-side subscriber also knows
	// nothing of the active project.
	if projectID := s.cache.Project(); projectID != "" {
		s.cache.InvalidateProject(projectID)
		if err := s.conn.Send(protocol.TypeSetProject, protocol.SetProjectData{ProjectID: projectID}); err != nil {
			s.logger.Warn("resend setProject failed", zap.String("project", projectID), zap.Error(err))
		}
	}
}

func (s *Session) handle(msg protocol.Message) {
	if err := s.apply(msg); err != nil {
		s.logger.Warn("bad message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

func (s *Session) apply(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeFileChanged:
		var d protocol.FileChangedData
		if err := protocol.DecodeData(msg, &d); err != nil {
			return err
		}
		s.cache.Invalidate(d.ProjectID, d.Path)
	case protocol.TypeFileDeleted:
		var d protocol.FileDeletedData
		if err := protocol.DecodeData(msg, &d); err != nil {
			return err
		}
		s.cache.Invalidate(d.ProjectID, d.Path)
	case protocol.TypeProjectDeleted:
		var d protocol.ProjectDeletedData
		if err := protocol.DecodeData(msg, &d); err != nil {
			return err
		}
		s.cache.InvalidateProject(d.ProjectID)
		if s.cache.Project() == d.ProjectID {
			s.cache.SetProject("")
		}
		s.mu.Lock()
		kept := s.projects[:0:0]
		for _, p := range s.projects {
			if p.ID != d.ProjectID {
				kept = append(kept, p)
			}
		}
		s.projects = kept
		s.mu.Unlock()
	case protocol.TypeProjectList:
		var d protocol.ProjectListData
		if err := protocol.DecodeData(msg, &d); err != nil {
			return err
		}
		s.mu.Lock()
		s.projects = d.Projects
		s.mu.Unlock()
	case protocol.TypeProjectFiles:
		var d protocol.ProjectFilesData
		if err := protocol.DecodeData(msg, &d); err != nil {
			return err
		}
		if d.ProjectID != s.cache.Project() {
			return nil
		}
		// The snapshot is authoritative: files missing from it are gone.
		s.cache.InvalidateProject(d.ProjectID)
		for _, f := range d.Files {
			s.cache.Fill(d.ProjectID, f.Path, f.Content, f.Type)
		}
	default:
		s.logger.Debug("ignoring message", zap.String("type", msg.Type))
	}
	return nil
}
