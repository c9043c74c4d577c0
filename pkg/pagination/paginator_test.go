package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	"github.com/datatrawl/trawl/pkg/client"
)

// fakeDoer serves canned pages keyed by request, recording every call.
type fakeDoer struct {
	pages []*client.Response
	calls []client.Request
	err   error
}

func (f *fakeDoer) Do(_ context.Context, req client.Request) (*client.Response, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.calls) > len(f.pages) {
		return nil, fmt.Errorf("unexpected request %d to %s", len(f.calls), req.Endpoint)
	}
	return f.pages[len(f.calls)-1], nil
}

type envelope struct {
	Page     int               `json:"page"`
	LastPage int               `json:"lastPage"`
	Total    int               `json:"totalCount"`
	Items    []json.RawMessage `json:"items"`
}

func envelopePage(t *testing.T, page, lastPage, total, count int) *client.Response {
	t.Helper()
	items := make([]json.RawMessage, count)
	for i := range items {
		items[i] = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(envelope{Page: page, LastPage: lastPage, Total: total, Items: items})
	if err != nil {
		t.Fatalf("marshal page: %v", err)
	}
	return &client.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}
}

func envelopeMeta(body []byte) (PageMeta, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return PageMeta{}, err
	}
	return PageMeta{Page: env.Page, LastPage: env.LastPage, Total: env.Total, Count: len(env.Items)}, nil
}

func buildPage(page int) client.Request {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	return client.NewGet("https://example.com/api/threads", q)
}

func TestNumberedWalksAllPages(t *testing.T) {
	doer := &fakeDoer{pages: []*client.Response{
		envelopePage(t, 1, 3, 5, 2),
		envelopePage(t, 2, 3, 5, 2),
		envelopePage(t, 3, 3, 5, 1),
	}}
	it := NewNumbered(doer, buildPage, envelopeMeta, zerolog.Nop())

	pages := 0
	for it.Next(context.Background()) {
		pages++
		if it.Page() == nil {
			t.Fatal("Page() returned nil during iteration")
		}
		if got := it.Meta().Page; got != pages {
			t.Errorf("Meta().Page = %d, want %d", got, pages)
		}
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	if len(doer.calls) != 3 {
		t.Errorf("doer saw %d requests, want 3", len(doer.calls))
	}
	if got := it.Fetched(); got != 5 {
		t.Errorf("Fetched() = %d, want 5", got)
	}
	// Requested page numbers are strictly increasing from 1.
	for i, req := range doer.calls {
		if got := req.Query.Get("page"); got != strconv.Itoa(i+1) {
			t.Errorf("request %d asked for page %q, want %d", i, got, i+1)
		}
	}
}

func TestNumberedEmptyFirstPage(t *testing.T) {
	doer := &fakeDoer{pages: []*client.Response{
		envelopePage(t, 1, 1, 0, 0),
	}}
	it := NewNumbered(doer, buildPage, envelopeMeta, zerolog.Nop())

	if it.Next(context.Background()) {
		t.Fatal("Next() = true for empty first page, want false")
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	if len(doer.calls) != 1 {
		t.Errorf("doer saw %d requests, want 1", len(doer.calls))
	}
}

func TestNumberedStopsAtLastPage(t *testing.T) {
	doer := &fakeDoer{pages: []*client.Response{
		envelopePage(t, 1, 1, 2, 2),
	}}
	it := NewNumbered(doer, buildPage, envelopeMeta, zerolog.Nop())

	if !it.Next(context.Background()) {
		t.Fatalf("Next() = false on first page: %v", it.Err())
	}
	if it.Next(context.Background()) {
		t.Fatal("Next() = true past last page")
	}
	if len(doer.calls) != 1 {
		t.Errorf("doer saw %d requests, want 1", len(doer.calls))
	}
}

func TestNumberedParseFailure(t *testing.T) {
	doer := &fakeDoer{pages: []*client.Response{
		{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("not json")},
	}}
	it := NewNumbered(doer, buildPage, envelopeMeta, zerolog.Nop())

	if it.Next(context.Background()) {
		t.Fatal("Next() = true for unparseable page")
	}
	var parseErr *client.ParseError
	if !errors.As(it.Err(), &parseErr) {
		t.Fatalf("Err() = %v, want *client.ParseError", it.Err())
	}
}

func TestNumberedPropagatesRequestError(t *testing.T) {
	wantErr := errors.New("transport down")
	doer := &fakeDoer{err: wantErr}
	it := NewNumbered(doer, buildPage, envelopeMeta, zerolog.Nop())

	if it.Next(context.Background()) {
		t.Fatal("Next() = true after request failure")
	}
	if !errors.Is(it.Err(), wantErr) {
		t.Errorf("Err() = %v, want %v", it.Err(), wantErr)
	}
	// A failed iterator stays failed.
	if it.Next(context.Background()) {
		t.Fatal("Next() = true after terminal error")
	}
	if len(doer.calls) != 1 {
		t.Errorf("doer saw %d requests, want 1", len(doer.calls))
	}
}

func arrayPage(count int, next string) *client.Response {
	items := make([]json.RawMessage, count)
	for i := range items {
		items[i] = json.RawMessage(`{}`)
	}
	body, _ := json.Marshal(items)
	h := http.Header{}
	if next != "" {
		h.Set("Link", fmt.Sprintf(`<%s>; rel="next", <%s>; rel="last"`, next, next))
	}
	return &client.Response{StatusCode: http.StatusOK, Header: h, Body: body}
}

func arrayCount(body []byte) (int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return 0, err
	}
	return len(items), nil
}

func TestLinkedFollowsNextLinks(t *testing.T) {
	doer := &fakeDoer{pages: []*client.Response{
		arrayPage(2, "https://example.com/api/issues?page=2"),
		arrayPage(2, "https://example.com/api/issues?page=3"),
		arrayPage(1, ""),
	}}
	first := client.NewGet("https://example.com/api/issues", nil)
	it := NewLinked(doer, first, arrayCount, zerolog.Nop())

	pages := 0
	for it.Next(context.Background()) {
		pages++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
	if pages != 3 {
		t.Errorf("walked %d pages, want 3", pages)
	}
	if got := doer.calls[1].Endpoint; got != "https://example.com/api/issues?page=2" {
		t.Errorf("second request endpoint = %q", got)
	}
	if got := doer.calls[2].Endpoint; got != "https://example.com/api/issues?page=3" {
		t.Errorf("third request endpoint = %q", got)
	}
	if got := it.Fetched(); got != 5 {
		t.Errorf("Fetched() = %d, want 5", got)
	}
}

func TestLinkedEmptyFirstPage(t *testing.T) {
	doer := &fakeDoer{pages: []*client.Response{arrayPage(0, "")}}
	it := NewLinked(doer, client.NewGet("https://example.com/api/issues", nil), arrayCount, zerolog.Nop())

	if it.Next(context.Background()) {
		t.Fatal("Next() = true for empty first page")
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
}

func TestLinkedSinglePage(t *testing.T) {
	doer := &fakeDoer{pages: []*client.Response{arrayPage(3, "")}}
	it := NewLinked(doer, client.NewGet("https://example.com/api/issues", nil), arrayCount, zerolog.Nop())

	if !it.Next(context.Background()) {
		t.Fatalf("Next() = false on first page: %v", it.Err())
	}
	if it.Next(context.Background()) {
		t.Fatal("Next() = true with no next link")
	}
	if len(doer.calls) != 1 {
		t.Errorf("doer saw %d requests, want 1", len(doer.calls))
	}
}

func TestNextLink(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{
			name:   "next and last",
			header: `<https://api.github.com/repos/o/r/issues?page=2>; rel="next", <https://api.github.com/repos/o/r/issues?page=9>; rel="last"`,
			want:   "https://api.github.com/repos/o/r/issues?page=2",
			ok:     true,
		},
		{
			name:   "only last",
			header: `<https://api.github.com/repos/o/r/issues?page=9>; rel="last"`,
			ok:     false,
		},
		{
			name:   "unquoted rel",
			header: `<https://example.com/p2>; rel=next`,
			want:   "https://example.com/p2",
			ok:     true,
		},
		{name: "empty", header: "", ok: false},
		{name: "garbage", header: "not a link header", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextLink(tt.header)
			if ok != tt.ok || got != tt.want {
				t.Errorf("NextLink(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
			}
		})
	}
}
