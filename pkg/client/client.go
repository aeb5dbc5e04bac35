// Package client provides the preview client: a REST client for the file
// API, a reconnecting subscriber connection and a Session tying both to a
// content cache.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewfs/pkg/models"
	"github.com/fruitsalade/previewfs/pkg/protocol"
)

// ErrProjectNotFound is returned when a project-scoped mutation or listing
// targets a project the server does not know.
var ErrProjectNotFound = errors.New("project not found")

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// RetryConfig controls retries of requests that fail on the network or with
// a 5xx status.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts: 3,
		Delay:    100 * time.Millisecond,
		MaxDelay: 2 * time.Second,
	}
}

func (rc RetryConfig) options(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(rc.Attempts),
		retry.Delay(rc.Delay),
		retry.MaxDelay(rc.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	}
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   RetryConfig
	Logger  *zap.Logger
}

// Client talks to the previewfs REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	logger     *zap.Logger
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:  cfg.Retry,
		logger: cfg.Logger,
	}
}

// BaseURL returns the server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// ListProjects returns all projects.
func (c *Client) ListProjects(ctx context.Context) ([]models.ProjectSummary, error) {
	var out []models.ProjectSummary
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateProject creates a project and returns its id.
func (c *Client) CreateProject(ctx context.Context, name string) (string, error) {
	var resp protocol.CreateProjectResponse
	if err := c.do(ctx, http.MethodPost, "/api/projects", protocol.CreateProjectRequest{Name: name}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetProject returns a project with its file listing.
func (c *Client) GetProject(ctx context.Context, projectID string) (*protocol.ProjectResponse, error) {
	var resp protocol.ProjectResponse
	if err := c.do(ctx, http.MethodGet, projectPath(projectID), nil, &resp); err != nil {
		return nil, notFoundAs(err, ErrProjectNotFound)
	}
	return &resp, nil
}

// DeleteProject deletes a project. It reports whether the project existed.
func (c *Client) DeleteProject(ctx context.Context, projectID string) (bool, error) {
	var resp protocol.DeleteProjectResponse
	if err := c.do(ctx, http.MethodDelete, projectPath(projectID), nil, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

// ListFiles returns the paths and types of a project's files.
func (c *Client) ListFiles(ctx context.Context, projectID string) ([]models.FileInfo, error) {
	var out []models.FileInfo
	if err := c.do(ctx, http.MethodGet, projectPath(projectID)+"/files", nil, &out); err != nil {
		return nil, notFoundAs(err, ErrProjectNotFound)
	}
	return out, nil
}

// GetFile returns a file. A missing project or file is reported through the
// bool, not as an error.
func (c *Client) GetFile(ctx context.Context, projectID, path string) (models.File, bool, error) {
	var f models.File
	err := c.do(ctx, http.MethodGet, filePath(projectID, path), nil, &f)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return models.File{}, false, nil
		}
		return models.File{}, false, err
	}
	return f, true, nil
}

// SetFile writes a file.
func (c *Client) SetFile(ctx context.Context, projectID, path, content, fileType string) error {
	body := protocol.SetFileRequest{Content: content, Type: fileType}
	err := c.do(ctx, http.MethodPut, filePath(projectID, path), body, nil)
	return notFoundAs(err, ErrProjectNotFound)
}

// DeleteFile deletes a file.
func (c *Client) DeleteFile(ctx context.Context, projectID, path string) error {
	err := c.do(ctx, http.MethodDelete, filePath(projectID, path), nil, nil)
	return notFoundAs(err, ErrProjectNotFound)
}

// WebSocketURL returns the subscriber endpoint derived from the base URL.
func (c *Client) WebSocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// do performs a JSON request with retries. Network errors and 5xx responses
// are retried; other failures return immediately. POST is not idempotent and
// is sent once.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	return retry.Do(func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode, Message: readError(resp.Body)}
			if resp.StatusCode >= 500 {
				return apiErr
			}
			return retry.Unrecoverable(apiErr)
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}, c.requestOptions(ctx, method, path)...)
}

func (c *Client) requestOptions(ctx context.Context, method, path string) []retry.Option {
	opts := append(c.retry.options(ctx), retry.OnRetry(func(n uint, err error) {
		c.logger.Debug("retrying request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Uint("attempt", n+1),
			zap.Error(err))
	}))
	if method == http.MethodPost {
		opts = append(opts, retry.Attempts(1))
	}
	return opts
}

func readError(r io.Reader) string {
	var errResp protocol.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return errResp.Error
	}
	return strings.TrimSpace(string(data))
}

func notFoundAs(err, sentinel error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", sentinel, apiErr.Message)
	}
	return err
}

func projectPath(projectID string) string {
	return "/api/projects/" + url.PathEscape(projectID)
}

// filePath builds a file route, escaping every path segment.
func filePath(projectID, path string) string {
	segs := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return projectPath(projectID) + "/files/" + strings.Join(segs, "/")
}
