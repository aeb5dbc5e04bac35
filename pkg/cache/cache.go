// Package cache provides the preview client's file content cache.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/fruitsalade/previewfs/internal/vfs"
	"github.com/fruitsalade/previewfs/pkg/models"
)

// Default settings.
const (
	DefaultTTL        = 30 * time.Second
	DefaultMaxEntries = 500
)

// Fetcher is the authoritative store the cache reads through and writes to.
type Fetcher interface {
	// GetFile returns the file, or false when the project or file is absent.
	GetFile(ctx context.Context, projectID, path string) (models.File, bool, error)
	SetFile(ctx context.Context, projectID, path, content, fileType string) error
}

// Entry is a cached file.
type Entry struct {
	Content   string
	Type      string
	Timestamp time.Time
	Hash      [blake2b.Size256]byte

	seq uint64
}

// Config holds cache settings.
type Config struct {
	TTL        time.Duration
	MaxEntries int
	Logger     *zap.Logger
}

// Cache is a client-side content cache keyed by (project, path). Entries
// expire after TTL, are dropped on change events, and are bounded in number
// with the oldest insertion evicted first.
type Cache struct {
	fetcher    Fetcher
	ttl        time.Duration
	maxEntries int
	logger     *zap.Logger

	mu      sync.Mutex
	items   *gocache.Cache
	seq     uint64
	gen     uint64 // bumped by every invalidation
	project string
}

// New creates a cache reading through fetcher.
func New(fetcher Fetcher, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{
		fetcher:    fetcher,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		logger:     cfg.Logger,
		items:      gocache.New(cfg.TTL, 2*cfg.TTL),
	}
}

func key(projectID, path string) string {
	return projectID + "\x00" + vfs.Normalize(path)
}

// Hash returns the content hash entries are compared by.
func Hash(content string) [blake2b.Size256]byte {
	return blake2b.Sum256([]byte(content))
}

// Get returns the file content, from the cache while the entry is fresh and
// from the fetcher otherwise. Absent files are not cached.
func (c *Cache) Get(ctx context.Context, projectID, path string) (string, bool, error) {
	k := key(projectID, path)

	c.mu.Lock()
	if e, ok := c.lookup(k); ok {
		c.mu.Unlock()
		return e.Content, true, nil
	}
	gen := c.gen
	c.mu.Unlock()

	f, found, err := c.fetcher.GetFile(ctx, projectID, path)
	if err != nil {
		return "", false, fmt.Errorf("fetch %s/%s: %w", projectID, path, err)
	}
	if !found {
		return "", false, nil
	}

	c.mu.Lock()
	// An invalidation during the fetch may mean f is already stale.
	if c.gen == gen {
		c.store(k, f.Content, f.Type)
	}
	c.mu.Unlock()
	return f.Content, true, nil
}

// Put updates the cache and writes to the fetcher unless a fresh entry
// already holds identical content. It reports whether the write was sent.
// A failed write drops the optimistic entry.
func (c *Cache) Put(ctx context.Context, projectID, path, content, fileType string) (bool, error) {
	k := key(projectID, path)
	sum := Hash(content)

	c.mu.Lock()
	if e, ok := c.lookup(k); ok && e.Hash == sum && e.Type == fileType {
		c.mu.Unlock()
		c.logger.Debug("write suppressed, content unchanged",
			zap.String("project", projectID), zap.String("path", path))
		return false, nil
	}
	c.store(k, content, fileType)
	c.mu.Unlock()

	if err := c.fetcher.SetFile(ctx, projectID, path, content, fileType); err != nil {
		c.Invalidate(projectID, path)
		return false, fmt.Errorf("write %s/%s: %w", projectID, path, err)
	}
	return true, nil
}

// Fill stores content the server pushed without writing it back.
func (c *Cache) Fill(projectID, path, content, fileType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(key(projectID, path), content, fileType)
}

// Invalidate drops the entry for (projectID, path) regardless of its age.
func (c *Cache) Invalidate(projectID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.items.Delete(key(projectID, path))
}

// InvalidateProject drops every entry of a project.
func (c *Cache) InvalidateProject(projectID string) {
	prefix := projectID + "\x00"

	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	for k := range c.items.Items() {
		if strings.HasPrefix(k, prefix) {
			c.items.Delete(k)
		}
	}
}

// SetProject records the active project. Switching to a different project
// clears the whole cache.
func (c *Cache) SetProject(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if projectID == c.project {
		return
	}
	c.logger.Debug("active project switched, clearing cache",
		zap.String("from", c.project), zap.String("to", projectID))
	c.project = projectID
	c.gen++
	c.items.Flush()
}

// Project returns the active project.
func (c *Cache) Project() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.project
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.items.Flush()
}

// Len returns the number of fresh entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items.Items())
}

// lookup must be called with mu held.
func (c *Cache) lookup(k string) (*Entry, bool) {
	v, ok := c.items.Get(k)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// store inserts an entry and evicts the oldest ones past the bound. It must
// be called with mu held.
func (c *Cache) store(k, content, fileType string) {
	c.seq++
	c.items.Set(k, &Entry{
		Content:   content,
		Type:      fileType,
		Timestamp: time.Now(),
		Hash:      Hash(content),
		seq:       c.seq,
	}, gocache.DefaultExpiration)

	if c.items.ItemCount() <= c.maxEntries {
		return
	}
	c.items.DeleteExpired()
	for c.items.ItemCount() > c.maxEntries {
		if !c.evictOldest() {
			return
		}
	}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() bool {
	var (
		oldestKey string
		oldest    *Entry
	)
	for k, item := range c.items.Items() {
		e := item.Object.(*Entry)
		if oldest == nil || e.Timestamp.Before(oldest.Timestamp) ||
			(e.Timestamp.Equal(oldest.Timestamp) && e.seq < oldest.seq) {
			oldest = e
			oldestKey = k
		}
	}
	if oldest == nil {
		return false
	}
	c.items.Delete(oldestKey)
	return true
}
