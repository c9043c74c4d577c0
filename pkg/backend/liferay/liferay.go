// Package liferay fetches message board threads from a Liferay headless
// GraphQL API.
//
// Threads are requested sorted by creation date ascending with the
// window's lower bound pushed down through a "dateCreated gt" filter.
// Pagination is count-based: the response envelope reports the current and
// last page numbers. The upper bound is exclusive.
package liferay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/datatrawl/trawl/pkg/backend"
	"github.com/datatrawl/trawl/pkg/client"
	"github.com/datatrawl/trawl/pkg/pagination"
	"github.com/datatrawl/trawl/pkg/window"
)

const (
	// DefaultPageSize is the Liferay headless API default page cap.
	DefaultPageSize = 100

	CategoryMessage = "message"
)

// threadsQuery is the GraphQL document for one page of message board
// threads. Placeholders: from date, page number, page size, site key.
const threadsQuery = `{
  entries: messageBoardThreads(
        filter: "dateCreated gt %s",
        flatten: true,
        page: %d,
        pageSize: %d,
        siteKey: %q,
        sort: "dateCreated:asc"
    )
    {
    items {
      aggregateRating {
        ratingAverage
        ratingCount
        ratingValue
      }
      articleBody
      creator {
        id
        image
        name
      }
      dateCreated
      dateModified
      friendlyUrlPath
      headline
      id
      hasValidAnswer
      keywords
      numberOfMessageBoardMessages
      viewCount
      answers: messageBoardMessages {
        items {
          articleBody
          creator {
            id
            image
            name
          }
          dateCreated
          id
          showAsAnswer
        }
      }
    }
    lastPage
    page
    pageSize
    totalCount
  }
}`

func init() {
	backend.Register("liferay", func(cfg backend.Config) (backend.Backend, error) {
		return New(cfg)
	})
}

// Liferay fetches the message board threads of one site.
type Liferay struct {
	client   *client.Client
	url      string
	siteKey  string
	pageSize int
}

// New validates the site coordinates and builds the backend. BaseURL is
// the GraphQL endpoint of the Liferay instance.
func New(cfg backend.Config) (*Liferay, error) {
	if cfg.BaseURL == "" || cfg.SiteKey == "" {
		return nil, fmt.Errorf("liferay: base URL and site key are required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("liferay: client is required")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > DefaultPageSize {
		pageSize = DefaultPageSize
	}
	return &Liferay{
		client:   cfg.Client,
		url:      cfg.BaseURL,
		siteKey:  cfg.SiteKey,
		pageSize: pageSize,
	}, nil
}

func (l *Liferay) Origin() string {
	return l.url
}

func (l *Liferay) Categories() []string {
	return []string{CategoryMessage}
}

// Fetch returns the window-bounded thread stream. The upper bound is
// exclusive: a thread created exactly at To is not yielded.
func (l *Liferay) Fetch(ctx context.Context, category string, w window.Window) (window.Iterator, error) {
	if category != CategoryMessage {
		return nil, fmt.Errorf("liferay: unknown category %q", category)
	}
	w.Inclusive = false

	build := func(page int) client.Request {
		query := fmt.Sprintf(threadsQuery, w.From.Format(time.RFC3339), page, l.pageSize, l.siteKey)
		body, _ := json.Marshal(map[string]string{"query": query})
		return client.NewPost(l.url, body)
	}
	pages := pagination.NewNumbered(l.client, build, parseMeta, l.client.Logger())
	return window.Truncate(backend.PageItems(pages, unpackThreads), w), nil
}

// ID returns the thread id Liferay assigns.
func (l *Liferay) ID(raw json.RawMessage) (string, error) {
	var v struct {
		ID *int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("liferay: decoding thread id: %w", err)
	}
	if v.ID == nil {
		return "", fmt.Errorf("liferay: thread has no id field")
	}
	return fmt.Sprintf("%d", *v.ID), nil
}

type envelope struct {
	Data struct {
		Entries struct {
			Items      []json.RawMessage `json:"items"`
			Page       int               `json:"page"`
			LastPage   int               `json:"lastPage"`
			TotalCount int               `json:"totalCount"`
		} `json:"entries"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func parseEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("liferay: decoding response: %w", err)
	}
	if len(env.Errors) > 0 {
		return nil, fmt.Errorf("liferay: graphql error: %s", env.Errors[0].Message)
	}
	return &env, nil
}

func parseMeta(body []byte) (pagination.PageMeta, error) {
	env, err := parseEnvelope(body)
	if err != nil {
		return pagination.PageMeta{}, err
	}
	e := env.Data.Entries
	return pagination.PageMeta{
		Page:     e.Page,
		LastPage: e.LastPage,
		Total:    e.TotalCount,
		Count:    len(e.Items),
	}, nil
}

func unpackThreads(page *client.Response) ([]window.Item, error) {
	env, err := parseEnvelope(page.Body)
	if err != nil {
		return nil, err
	}
	items := make([]window.Item, 0, len(env.Data.Entries.Items))
	for _, raw := range env.Data.Entries.Items {
		var v struct {
			DateCreated string `json:"dateCreated"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("liferay: decoding thread: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, v.DateCreated)
		if err != nil {
			return nil, fmt.Errorf("liferay: parsing dateCreated: %w", err)
		}
		items = append(items, window.Item{Raw: raw, Timestamp: ts.UTC()})
	}
	return items, nil
}
