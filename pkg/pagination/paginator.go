package pagination

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/datatrawl/trawl/pkg/client"
)

// Doer executes a single page request. Satisfied by *client.Client in both
// live and replay modes; the iterator does not know which one it drives.
type Doer interface {
	Do(ctx context.Context, req client.Request) (*client.Response, error)
}

// PageMeta is the pagination envelope of one page.
type PageMeta struct {
	// Page is the current page number as reported by the API.
	Page int

	// LastPage is the final page number. 0 means unknown.
	LastPage int

	// Total is the total item count across all pages. 0 means the API does
	// not report one.
	Total int

	// Count is the number of items on this page.
	Count int
}

// BuildFunc builds the request for a given page number, embedding the page
// size and any server-side filters.
type BuildFunc func(page int) client.Request

// MetaFunc parses the pagination envelope out of a page body.
type MetaFunc func(body []byte) (PageMeta, error)

// CountFunc counts the items on a page without an envelope (link-based APIs
// return bare arrays).
type CountFunc func(body []byte) (int, error)

// Iterator is a lazy pull-based walk over the pages of one fetch
// invocation. It is finite and not restartable; each fetch creates a fresh
// iterator with a fresh cursor.
type Iterator struct {
	doer   Doer
	logger zerolog.Logger

	// numbered mode
	build BuildFunc
	meta  MetaFunc

	// linked mode
	count   CountFunc
	pending client.Request
	hasNext bool

	page    int
	fetched int
	total   int
	cur     *client.Response
	curMeta PageMeta
	err     error
	done    bool
}

// NewNumbered creates an iterator over a count-based API: the envelope
// reports current and last page numbers.
func NewNumbered(doer Doer, build BuildFunc, meta MetaFunc, logger zerolog.Logger) *Iterator {
	return &Iterator{
		doer:   doer,
		build:  build,
		meta:   meta,
		logger: logger,
	}
}

// NewLinked creates an iterator over a link-based API: the walk follows the
// Link rel="next" response header starting from first.
func NewLinked(doer Doer, first client.Request, count CountFunc, logger zerolog.Logger) *Iterator {
	return &Iterator{
		doer:    doer,
		count:   count,
		pending: first,
		hasNext: true,
		logger:  logger,
	}
}

// Next fetches the next page. It returns false when the walk is finished or
// failed; check Err afterwards.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if it.build != nil {
		return it.nextNumbered(ctx)
	}
	return it.nextLinked(ctx)
}

// Page returns the current raw page.
func (it *Iterator) Page() *client.Response {
	return it.cur
}

// Meta returns the current page's pagination envelope. Zero-valued in
// linked mode except for Count.
func (it *Iterator) Meta() PageMeta {
	return it.curMeta
}

// Err returns the error that terminated the walk, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Fetched returns the number of items seen so far.
func (it *Iterator) Fetched() int {
	return it.fetched
}

func (it *Iterator) nextNumbered(ctx context.Context) bool {
	// The cursor only ever advances; a page number is never revisited.
	it.page++
	req := it.build(it.page)

	resp, err := it.doer.Do(ctx, req)
	if err != nil {
		it.err = err
		return false
	}

	meta, err := it.meta(resp.Body)
	if err != nil {
		it.err = asParseError(req.Endpoint, err)
		return false
	}

	it.fetched += meta.Count
	it.total = meta.Total
	it.logStatus(req.Endpoint)

	// Zero total items: nothing to yield, and not an error.
	if it.page == 1 && meta.Count == 0 {
		it.done = true
		return false
	}

	it.cur = resp
	it.curMeta = meta

	// >= guards against the server shrinking lastPage mid-walk.
	if meta.LastPage == 0 || meta.Page >= meta.LastPage {
		it.done = true
	}
	return true
}

func (it *Iterator) nextLinked(ctx context.Context) bool {
	if !it.hasNext {
		it.done = true
		return false
	}

	it.page++
	req := it.pending

	resp, err := it.doer.Do(ctx, req)
	if err != nil {
		it.err = err
		return false
	}

	n := 0
	if it.count != nil {
		n, err = it.count(resp.Body)
		if err != nil {
			it.err = asParseError(req.Endpoint, err)
			return false
		}
	}
	it.fetched += n
	it.logStatus(req.Endpoint)

	next, ok := NextLink(resp.Header.Get("Link"))
	if ok {
		it.pending = client.Request{Endpoint: next, Method: "GET"}
	} else {
		it.hasNext = false
	}

	// An empty first page yields zero pages.
	if it.page == 1 && n == 0 {
		it.done = true
		return false
	}

	it.cur = resp
	it.curMeta = PageMeta{Page: it.page, Count: n}

	if !it.hasNext {
		it.done = true
	}
	return true
}

// logStatus reports fetch progress after each page.
func (it *Iterator) logStatus(endpoint string) {
	if it.total > 0 {
		n := it.fetched
		if n > it.total {
			n = it.total
		}
		it.logger.Info().
			Int("fetched", n).
			Int("total", it.total).
			Str("endpoint", endpoint).
			Msg("Fetching items")
		return
	}
	if it.fetched > 0 {
		it.logger.Info().
			Int("fetched", it.fetched).
			Str("endpoint", endpoint).
			Msg("Fetching items")
		return
	}
	it.logger.Info().
		Str("endpoint", endpoint).
		Msg("No items were found")
}

// NextLink extracts the rel="next" target from a Link header.
func NextLink(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	for _, part := range strings.Split(header, ",") {
		sections := strings.Split(part, ";")
		if len(sections) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(sections[0]), "<>")
		for _, param := range sections[1:] {
			param = strings.TrimSpace(param)
			if param == `rel="next"` || param == "rel=next" {
				return target, true
			}
		}
	}
	return "", false
}

func asParseError(endpoint string, err error) error {
	var parseErr *client.ParseError
	if errors.As(err, &parseErr) {
		return err
	}
	return &client.ParseError{Endpoint: endpoint, Err: err}
}
