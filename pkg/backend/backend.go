// Package backend defines the thin per-API layer that turns a category
// name into a configured page walk and normalizes the raw items it yields.
//
// A Backend owns one origin (a repository, a forum site) and knows, for
// each of its categories, how to build the paginated requests, how to
// unpack pages into items, and which timestamp field the date window runs
// against. Everything below it (pagination, rate limiting, retry, archive
// capture and replay) lives in the client and pagination packages.
package backend

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datatrawl/trawl/pkg/client"
	"github.com/datatrawl/trawl/pkg/window"
)

// Backend fetches items of one origin, category by category.
type Backend interface {
	// Origin identifies the data source, e.g. a repository URL.
	Origin() string

	// Categories lists the item categories this backend can fetch.
	Categories() []string

	// Fetch returns the lazy raw item stream for one category, already
	// truncated to the window. The stream is finite and not restartable.
	Fetch(ctx context.Context, category string, w window.Window) (window.Iterator, error)

	// ID extracts the origin-unique identity of a raw item, used to build
	// the item UUID.
	ID(raw json.RawMessage) (string, error)
}

// Item is a normalized record ready for downstream consumers.
type Item struct {
	UUID      string          `json:"uuid"`
	Origin    string          `json:"origin"`
	Category  string          `json:"category"`
	UpdatedOn time.Time       `json:"updated_on"`
	Data      json.RawMessage `json:"data"`
}

// UUID derives a stable identifier from an origin and any number of
// identity parts. Same inputs, same UUID, across runs and processes.
func UUID(args ...string) string {
	sum := sha1.Sum([]byte(strings.Join(args, ":")))
	return hex.EncodeToString(sum[:])
}

// Stream wraps a backend's raw item stream, stamping each item with its
// metadata.
type Stream struct {
	backend  Backend
	category string
	src      window.Iterator
	cur      Item
	err      error
}

// Items normalizes the raw stream produced by b.Fetch for category.
func Items(b Backend, category string, src window.Iterator) *Stream {
	return &Stream{backend: b, category: category, src: src}
}

// Next advances to the next normalized item. It returns false when the
// stream is finished or failed; check Err afterwards.
func (s *Stream) Next(ctx context.Context) bool {
	if s.err != nil {
		return false
	}
	if !s.src.Next(ctx) {
		s.err = s.src.Err()
		return false
	}
	raw := s.src.Item()
	id, err := s.backend.ID(raw.Raw)
	if err != nil {
		s.err = err
		return false
	}
	s.cur = Item{
		UUID:      UUID(s.backend.Origin(), id),
		Origin:    s.backend.Origin(),
		Category:  s.category,
		UpdatedOn: raw.Timestamp,
		Data:      raw.Raw,
	}
	return true
}

// Item returns the current normalized item.
func (s *Stream) Item() Item {
	return s.cur
}

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Config carries everything a backend factory needs. Coordinate fields
// not used by a given backend are ignored.
type Config struct {
	Client   *client.Client
	PageSize int

	// BaseURL overrides the API root (GitHub Enterprise) or names the
	// GraphQL server (Liferay).
	BaseURL string

	// GitHub coordinates.
	Owner string
	Repo  string

	// Liferay coordinates.
	SiteKey string
}

// Factory builds a backend from a Config.
type Factory func(cfg Config) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend constructor available under name. It panics on
// a duplicate name; registration happens from package init functions.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("backend: Register called twice for %q", name))
	}
	registry[name] = f
}

// New builds the backend registered under name.
func New(name string, cfg Config) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend: unknown backend %q (registered: %s)",
			name, strings.Join(Names(), ", "))
	}
	return f(cfg)
}

// Names lists the registered backend names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
