// Package window bounds an item stream to a date range.
//
// A Window carries the [From, To] range of one fetch invocation. This
// package never sorts; the wrapper must match the upstream's ordering.
// Truncate requires ascending timestamps (the API's own sort order) and
// stops pulling from the upstream the moment an item passes the upper
// bound, so pages past the cut are never fetched. Filter makes no ordering
// assumption and drains the whole stream, keeping only in-window items.
package window

import (
	"context"
	"encoding/json"
	"time"
)

// MinDate is the lower-bound sentinel used when no from date is given.
var MinDate = time.Unix(0, 0).UTC()

// MaxDate is the upper-bound sentinel used when no to date is given.
var MaxDate = time.Date(2100, time.January, 1, 0, 0, 0, 0, time.UTC)

// Window is a date range in UTC. Inclusive controls whether an item dated
// exactly To is yielded.
type Window struct {
	From      time.Time
	To        time.Time
	Inclusive bool
}

// New normalizes both bounds to UTC, substituting the sentinels for zero
// values. An inverted window is legal and yields zero items.
func New(from, to time.Time, inclusive bool) Window {
	if from.IsZero() {
		from = MinDate
	}
	if to.IsZero() {
		to = MaxDate
	}
	return Window{From: from.UTC(), To: to.UTC(), Inclusive: inclusive}
}

// Beyond reports whether ts is past the upper bound.
func (w Window) Beyond(ts time.Time) bool {
	if w.Inclusive {
		return ts.After(w.To)
	}
	return !ts.Before(w.To)
}

// Contains reports whether ts lies inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.From) && !w.Beyond(ts)
}

// Item is one element of the stream: the raw payload plus the timestamp
// the window check runs against.
type Item struct {
	Raw       json.RawMessage
	Timestamp time.Time
}

// Iterator is a lazy pull-based item stream.
type Iterator interface {
	// Next advances to the next item. It returns false when the stream is
	// finished or failed; check Err afterwards.
	Next(ctx context.Context) bool

	// Item returns the current item.
	Item() Item

	// Err returns the error that terminated the stream, if any.
	Err() error
}

type truncated struct {
	src  Iterator
	w    Window
	done bool
}

// Truncate stops the stream at the first item past the window's upper
// bound. It requires the upstream to be sorted ascending by timestamp.
// The lower bound is not checked; it is assumed to be applied server-side
// by the request that produced the stream.
func Truncate(src Iterator, w Window) Iterator {
	return &truncated{src: src, w: w}
}

func (t *truncated) Next(ctx context.Context) bool {
	if t.done {
		return false
	}
	for t.src.Next(ctx) {
		item := t.src.Item()
		if t.w.Beyond(item.Timestamp) {
			// The upstream is abandoned here; later pages are never pulled.
			t.done = true
			return false
		}
		return true
	}
	t.done = true
	return false
}

func (t *truncated) Item() Item {
	return t.src.Item()
}

func (t *truncated) Err() error {
	return t.src.Err()
}

type filtered struct {
	src Iterator
	w   Window
}

// Filter applies both bounds client-side without assuming any upstream
// ordering: out-of-window items are skipped and the stream is drained to
// its end. For APIs that neither filter nor sort server-side, where an
// over-bound item says nothing about the items behind it.
func Filter(src Iterator, w Window) Iterator {
	return &filtered{src: src, w: w}
}

func (f *filtered) Next(ctx context.Context) bool {
	for f.src.Next(ctx) {
		if f.w.Contains(f.src.Item().Timestamp) {
			return true
		}
	}
	return false
}

func (f *filtered) Item() Item {
	return f.src.Item()
}

func (f *filtered) Err() error {
	return f.src.Err()
}
