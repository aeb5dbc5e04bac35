// Package protocol defines the API request/response types and the
// subscriber message envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fruitsalade/previewfs/pkg/models"
)

// Message types pushed to subscribers.
const (
	TypeFileChanged    = "fileChanged"
	TypeFileDeleted    = "fileDeleted"
	TypeProjectDeleted = "projectDeleted"
	TypeProjectList    = "projectList"
	TypeProjectFiles   = "projectFiles"
)

// Control message types sent by subscribers.
const (
	TypeSetProject = "setProject"
)

// Message is the envelope for every subscriber message in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FileChangedData is the payload of a fileChanged message.
type FileChangedData struct {
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Type      string `json:"type"`
}

// FileDeletedData is the payload of a fileDeleted message.
type FileDeletedData struct {
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
}

// ProjectDeletedData is the payload of a projectDeleted message.
type ProjectDeletedData struct {
	ProjectID string `json:"projectId"`
}

// ProjectListData is the payload of a projectList snapshot.
type ProjectListData struct {
	Projects []models.ProjectSummary `json:"projects"`
}

// ProjectFilesData is the payload of a targeted projectFiles sync.
type ProjectFilesData struct {
	ProjectID string        `json:"projectId"`
	Files     []models.File `json:"files"`
}

// SetProjectData is the payload of a setProject control message.
type SetProjectData struct {
	ProjectID string `json:"projectId"`
}

// Encode builds a serialized envelope around data.
func Encode(msgType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return json.Marshal(Message{Type: msgType, Data: raw})
}

// Decode parses an envelope.
func Decode(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

// DecodeData unmarshals the payload of msg into v.
func DecodeData(msg Message, v any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%s message has no data", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// CreateProjectRequest is the body for POST /api/projects.
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// CreateProjectResponse is returned by POST /api/projects.
type CreateProjectResponse struct {
	ID string `json:"id"`
}

// DeleteProjectResponse is returned by DELETE /api/projects/{id}.
type DeleteProjectResponse struct {
	Deleted bool `json:"deleted"`
}

// ProjectResponse is returned by GET /api/projects/{id}.
type ProjectResponse struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Files     []models.FileInfo `json:"files"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// SetFileRequest is the body for PUT /api/projects/{id}/files/{path}.
type SetFileRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// AckResponse acknowledges a mutation.
type AckResponse struct {
	OK bool `json:"ok"`
}
