package cache

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// Provider is an interface for a storage provider.
// It keeps any number of named stores, each one a table of key -> Entry.
// Stores are addressed by name only, so a store that was deleted
// behaves like an empty store and a Put recreates it.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open creates the named store if it does not exist yet.
	Open(name string) error
	// Names returns the names of all existing stores.
	Names() ([]string, error)
	// DeleteAll removes the named store and all of its entries.
	// Deleting a store that does not exist is not an error.
	DeleteAll(name string) error
	// Get returns the entry for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(name, key string) (Entry, bool, error)
	// Put stores the entry under entry.Key, replacing any previous entry wholesale.
	// A replaced entry takes the position of a new insert.
	Put(name string, entry Entry) error
	// Delete removes the entry for the given key.
	Delete(name, key string) error
	// Keys returns all keys of the named store ordered by ascending StoredAt,
	// ties broken by insertion order.
	Keys(name string) ([]string, error)
}

// Entry is a stored response.
// Entries are never mutated after they are stored.
type Entry struct {
	// Fingerprint of the request, see package cachekey.
	Key string
	// The value of the store clock when the entry was written.
	StoredAt time.Time
	Payload  Payload
	// Size of the body in bytes. Informational only.
	Size int
}

// Payload is a fully read response.
type Payload struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx, i.e. whether the payload may be cached.
func (p Payload) OK() bool {
	return p.Status >= 200 && p.Status <= 299
}

// Clone returns a deep copy, so that the copy and the original never share a body or header map.
func (p Payload) Clone() Payload {
	c := Payload{Status: p.Status, Header: p.Header.Clone()}
	if p.Body != nil {
		c.Body = append([]byte(nil), p.Body...)
	}
	return c
}

// Response creates a new http.Response with the payload contents.
func (p Payload) Response() *http.Response {
	header := p.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        http.StatusText(p.Status),
		StatusCode:    p.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(p.Body)),
		ContentLength: int64(len(p.Body)),
	}
}

// PayloadFromResponse reads and closes the response body.
func PayloadFromResponse(res *http.Response) (Payload, error) {
	p := Payload{Status: res.StatusCode, Header: res.Header}
	if res.Body == nil {
		return p, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return p, err
	}
	p.Body = body
	return p, nil
}
