package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

var ErrorMalformedKey = errors.New("Malformed key")

const methodSeparator = ":"

// CacheKeyer creates request fingerprints.
// A fingerprint is the request method and the canonicalized absolute URL,
// e.g. `GET:https://example.com/app.js?a=1&b=2`.
type CacheKeyer struct {
	// Base URL that relative request URLs are resolved against.
	// Usually this is the origin.
	Base *url.URL
}

func NewCacheKeyer(base *url.URL) CacheKeyer {
	return CacheKeyer{Base: base}
}

// Resolve returns the absolute URL of the given (possibly relative) reference.
func (c CacheKeyer) Resolve(ref *url.URL) *url.URL {
	if c.Base == nil || ref.IsAbs() {
		u := *ref
		return &u
	}
	return c.Base.ResolveReference(ref)
}

// Key returns the fingerprint for method and URL.
func (c CacheKeyer) Key(method string, u *url.URL) string {
	return strings.ToUpper(method) + methodSeparator + Canonicalize(c.Resolve(u))
}

// KeyForRequest returns the fingerprint for the request.
func (c CacheKeyer) KeyForRequest(r *http.Request) string {
	return c.Key(r.Method, r.URL)
}

// KeyForString parses a (possibly relative) URL and returns its GET fingerprint.
func (c CacheKeyer) KeyForString(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return c.Key(http.MethodGet, u), nil
}

// RequestFromKey creates a request equal to the one that resulted in the key.
// The request carries no body and no headers.
func (c CacheKeyer) RequestFromKey(key string) (*http.Request, error) {
	method, rawURL, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || rawURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, rawURL, nil)
}

// Canonicalize returns a normalized string form of an absolute URL:
// lower case scheme and host, default ports removed, empty path as `/`,
// query parameters sorted and the fragment dropped.
func Canonicalize(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	if port := c.Port(); (c.Scheme == "http" && port == "80") || (c.Scheme == "https" && port == "443") {
		c.Host = strings.TrimSuffix(c.Host, ":"+port)
	}
	if c.Path == "" && c.Host != "" {
		c.Path = "/"
	}
	c.RawQuery = sortedQuery(c.RawQuery)
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	return c.String()
}

func sortedQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	params := strings.Split(rawQuery, "&")
	sort.Strings(params)
	return strings.Join(params, "&")
}
