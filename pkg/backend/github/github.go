// Package github fetches issues and releases from the GitHub REST API.
//
// Issues are requested sorted by update time ascending with the window's
// lower bound pushed down through the since parameter. Releases come back
// newest-first with no server-side filter or sort, so both window bounds
// are applied client-side across the full walk. Both categories paginate
// by following the Link rel="next" header.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/datatrawl/trawl/pkg/backend"
	"github.com/datatrawl/trawl/pkg/client"
	"github.com/datatrawl/trawl/pkg/pagination"
	"github.com/datatrawl/trawl/pkg/window"
)

const (
	// DefaultBaseURL is the public GitHub API root. Overridable for
	// GitHub Enterprise installs.
	DefaultBaseURL = "https://api.github.com"

	// DefaultPageSize is GitHub's maximum per_page value.
	DefaultPageSize = 100

	CategoryIssue   = "issue"
	CategoryRelease = "release"
)

func init() {
	backend.Register("github", func(cfg backend.Config) (backend.Backend, error) {
		return New(cfg)
	})
}

// GitHub fetches one repository's items.
type GitHub struct {
	client   *client.Client
	baseURL  string
	owner    string
	repo     string
	pageSize int
}

// New validates the repository coordinates and builds the backend.
func New(cfg backend.Config) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github: owner and repo are required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("github: client is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	return &GitHub{
		client:   cfg.Client,
		baseURL:  baseURL,
		owner:    cfg.Owner,
		repo:     cfg.Repo,
		pageSize: pageSize,
	}, nil
}

func (g *GitHub) Origin() string {
	return fmt.Sprintf("https://github.com/%s/%s", g.owner, g.repo)
}

func (g *GitHub) Categories() []string {
	return []string{CategoryIssue, CategoryRelease}
}

// Fetch returns the window-bounded item stream for one category. Both
// categories use an inclusive upper bound.
func (g *GitHub) Fetch(ctx context.Context, category string, w window.Window) (window.Iterator, error) {
	w.Inclusive = true
	switch category {
	case CategoryIssue:
		return g.fetchIssues(w), nil
	case CategoryRelease:
		return g.fetchReleases(w), nil
	default:
		return nil, fmt.Errorf("github: unknown category %q", category)
	}
}

// ID returns the numeric item id GitHub assigns to issues and releases.
func (g *GitHub) ID(raw json.RawMessage) (string, error) {
	var v struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("github: decoding item id: %w", err)
	}
	if v.ID == nil {
		return "", fmt.Errorf("github: item has no id field")
	}
	return strconv.FormatInt(*v.ID, 10), nil
}

func (g *GitHub) fetchIssues(w window.Window) window.Iterator {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("sort", "updated")
	q.Set("direction", "asc")
	q.Set("per_page", strconv.Itoa(g.pageSize))
	if w.From.After(window.MinDate) {
		q.Set("since", w.From.Format(time.RFC3339))
	}
	first := client.NewGet(g.endpoint("issues"), q)
	pages := pagination.NewLinked(g.client, first, countArray, g.client.Logger())
	// since prunes below the window server-side; only the upper bound is
	// checked here.
	return window.Truncate(backend.PageItems(pages, unpackItems("updated_at")), w)
}

func (g *GitHub) fetchReleases(w window.Window) window.Iterator {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(g.pageSize))
	first := client.NewGet(g.endpoint("releases"), q)
	pages := pagination.NewLinked(g.client, first, countArray, g.client.Logger())
	// The release listing is newest-first with no sort parameter, so an
	// over-bound item cannot end the walk; every page is filtered.
	return window.Filter(backend.PageItems(pages, unpackItems("published_at", "created_at")), w)
}

func (g *GitHub) endpoint(resource string) string {
	return fmt.Sprintf("%s/repos/%s/%s/%s", g.baseURL, g.owner, g.repo, resource)
}

func countArray(body []byte) (int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, fmt.Errorf("github: decoding item array: %w", err)
	}
	return len(items), nil
}

// unpackItems splits a page's JSON array, timestamping each item from the
// first of the given fields that is set.
func unpackItems(tsFields ...string) backend.UnpackFunc {
	return func(page *client.Response) ([]window.Item, error) {
		var raws []json.RawMessage
		if err := json.Unmarshal(page.Body, &raws); err != nil {
			return nil, fmt.Errorf("github: decoding page: %w", err)
		}
		items := make([]window.Item, 0, len(raws))
		for _, raw := range raws {
			ts, err := itemTimestamp(raw, tsFields)
			if err != nil {
				return nil, err
			}
			items = append(items, window.Item{Raw: raw, Timestamp: ts})
		}
		return items, nil
	}
}

func itemTimestamp(raw json.RawMessage, fields []string) (time.Time, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return time.Time{}, fmt.Errorf("github: decoding item: %w", err)
	}
	for _, field := range fields {
		v, ok := m[field]
		if !ok || string(v) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return time.Time{}, fmt.Errorf("github: decoding %s: %w", field, err)
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("github: parsing %s: %w", field, err)
		}
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("github: item has none of %v", fields)
}
