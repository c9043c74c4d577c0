package backend

import (
	"context"

	"github.com/datatrawl/trawl/pkg/client"
	"github.com/datatrawl/trawl/pkg/pagination"
	"github.com/datatrawl/trawl/pkg/window"
)

// UnpackFunc turns one raw page into its items, in the page's own order.
type UnpackFunc func(page *client.Response) ([]window.Item, error)

type pageItems struct {
	pages  *pagination.Iterator
	unpack UnpackFunc
	buf    []window.Item
	cur    window.Item
	err    error
}

// PageItems flattens a page walk into a lazy item stream. The next page is
// not fetched until the items of the current one are consumed, so a
// downstream truncation leaves later pages unrequested.
func PageItems(pages *pagination.Iterator, unpack UnpackFunc) window.Iterator {
	return &pageItems{pages: pages, unpack: unpack}
}

func (p *pageItems) Next(ctx context.Context) bool {
	if p.err != nil {
		return false
	}
	for len(p.buf) == 0 {
		if !p.pages.Next(ctx) {
			p.err = p.pages.Err()
			return false
		}
		items, err := p.unpack(p.pages.Page())
		if err != nil {
			p.err = err
			return false
		}
		p.buf = items
	}
	p.cur = p.buf[0]
	p.buf = p.buf[1:]
	return true
}

func (p *pageItems) Item() window.Item {
	return p.cur
}

func (p *pageItems) Err() error {
	return p.err
}
