// Package pagination drives the page-by-page walk over a paginated API.
//
// An Iterator is a lazy, finite, non-restartable sequence of raw pages: no
// request is issued until the consumer asks for the next page, and
// abandoning the iterator simply stops the walk. Two termination shapes are
// supported, matching the APIs this engine targets:
//
//   - Numbered: the page envelope reports current/last page numbers; the
//     walk stops when the current page reaches the last.
//   - Linked: the response headers carry a Link rel="next"; the walk stops
//     when the relation is absent.
//
// Example usage:
//
//	it := pagination.NewNumbered(client, buildPage, parseEnvelope, logger)
//	for it.Next(ctx) {
//	    handle(it.Page().Body)
//	}
//	if err := it.Err(); err != nil {
//	    return err
//	}
package pagination
