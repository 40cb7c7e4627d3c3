// Package fetch models network responses and the network fetch capability used
// by the caching strategies.
//
// A Response body can be consumed at most once. Handing one response to both
// the cache and the requester requires an explicit Clone, which buffers the
// body and yields two independently readable copies.
package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Source records where a response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

var (
	// ErrNetwork marks transport failures: unreachable upstream, reset
	// connections, timeouts. HTTP error statuses are not network errors.
	ErrNetwork = errors.New("network fetch failed")

	// ErrBodyUsed is returned when a response body is read a second time.
	ErrBodyUsed = errors.New("response body already used")
)

// Response is a single-use HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Source     Source
	StoredAt   time.Time

	mu   sync.Mutex
	body io.ReadCloser
	used bool
}

// NewResponse wraps a status, header and body. A nil body is treated as empty.
func NewResponse(status int, header http.Header, body io.ReadCloser, source Source) *Response {
	if header == nil {
		header = http.Header{}
	}
	if body == nil {
		body = http.NoBody
	}
	return &Response{
		StatusCode: status,
		Header:     header,
		Source:     source,
		body:       body,
	}
}

// FromHTTP takes ownership of an *http.Response body.
func FromHTTP(resp *http.Response) *Response {
	return NewResponse(resp.StatusCode, resp.Header.Clone(), resp.Body, SourceNetwork)
}

// FromSnapshot builds a fresh response over a cached snapshot.
func FromSnapshot(snapshot *cache.Snapshot) *Response {
	resp := NewResponse(snapshot.Status, snapshot.Header.Clone(),
		io.NopCloser(bytes.NewReader(snapshot.Body)), SourceCache)
	resp.StoredAt = snapshot.StoredAt
	return resp
}

// Used reports whether the body has been taken.
func (r *Response) Used() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Body hands out the body reader. It succeeds once.
func (r *Response) Body() (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}
	r.used = true
	return r.body, nil
}

// Clone buffers the remaining body and returns an independent copy. The
// receiver stays readable.
func (r *Response) Clone() (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil, ErrBodyUsed
	}

	data, err := io.ReadAll(r.body)
	r.body.Close()
	if err != nil {
		r.used = true
		return nil, fmt.Errorf("buffer response body: %w", err)
	}
	r.body = io.NopCloser(bytes.NewReader(data))

	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Source:     r.Source,
		StoredAt:   r.StoredAt,
		body:       io.NopCloser(bytes.NewReader(append([]byte(nil), data...))),
	}, nil
}

// Close releases the body if nobody took it.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return nil
	}
	r.used = true
	return r.body.Close()
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Cacheable reports whether the response may be written to a generation:
// successful, not partial content, and not marked private or no-store.
// Generations are shared by every client of the process.
func (r *Response) Cacheable() bool {
	if !r.OK() || r.StatusCode == http.StatusPartialContent {
		return false
	}
	for _, value := range r.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "no-store", "private":
				return false
			}
		}
	}
	return true
}

// Snapshot consumes the response and captures it under key.
func Snapshot(key string, r *Response) (cache.Snapshot, error) {
	body, err := r.Body()
	if err != nil {
		return cache.Snapshot{}, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("read response body: %w", err)
	}
	return cache.Snapshot{
		Key:      key,
		Status:   r.StatusCode,
		Header:   StoredHeaders(r.Header),
		Body:     data,
		StoredAt: time.Now().UTC(),
	}, nil
}
