package client

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
)

// Request describes one page request. It is immutable once built; the
// paginator creates a fresh descriptor per page.
type Request struct {
	// Endpoint is the request URL. Parameters normally live in Query, but
	// a fully-formed URL with an inline query string is also legal; link
	// pagination follows server-provided next URLs verbatim so capture and
	// replay fingerprint them identically.
	Endpoint string

	// Method is GET (query-string payload) or POST (body payload).
	Method string

	// Query holds the GET query parameters.
	Query url.Values

	// Body is the POST payload, e.g. a GraphQL query document.
	Body []byte

	// Header holds extra request headers.
	Header http.Header
}

// NewGet builds a GET request descriptor.
func NewGet(endpoint string, query url.Values) Request {
	return Request{
		Endpoint: endpoint,
		Method:   http.MethodGet,
		Query:    query,
	}
}

// NewPost builds a POST request descriptor.
func NewPost(endpoint string, body []byte) Request {
	return Request{
		Endpoint: endpoint,
		Method:   http.MethodPost,
		Body:     body,
	}
}

// URL returns the endpoint with the encoded query string attached. An
// endpoint that already carries an inline query string joins with "&".
func (r Request) URL() string {
	if len(r.Query) == 0 {
		return r.Endpoint
	}
	sep := "?"
	if strings.Contains(r.Endpoint, "?") {
		sep = "&"
	}
	return r.Endpoint + sep + r.Query.Encode()
}

// Payload is the request payload used for archive records: the encoded
// query string for GET, the body for POST.
func (r Request) Payload() []byte {
	if r.Method == http.MethodPost {
		return r.Body
	}
	return []byte(r.Query.Encode())
}

// Fingerprint returns the deterministic identity of the descriptor.
// url.Values.Encode sorts keys, so equal descriptors always hash equal.
// Replay matches archive entries on this value alone.
func (r Request) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.Endpoint))
	h.Write([]byte{0})
	h.Write(r.Payload())
	return hex.EncodeToString(h.Sum(nil))
}

// Response is a fully-read raw response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
