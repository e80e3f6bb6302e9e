package cachekey

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestRequestFromKey(t *testing.T) {
	keygen := NewCacheKeyer(mustParse(t, "https://dev.localhost"))
	r, err := http.NewRequest("GET", "/page?b=2&a=1", nil)
	require.NoError(t, err)
	key := keygen.KeyForRequest(r)

	req, err := keygen.RequestFromKey(key)
	require.NoError(t, err, key)
	assert.Equal(t, "https://dev.localhost/page?a=1&b=2", req.URL.String())
	assert.Equal(t, "GET", req.Method)
}

func TestKeyIsCanonical(t *testing.T) {
	keygen := NewCacheKeyer(mustParse(t, "https://example.com"))
	variants := []string{
		"https://example.com/app.js?v=1&lang=de",
		"HTTPS://EXAMPLE.COM:443/app.js?lang=de&v=1",
		"/app.js?lang=de&v=1#top",
	}
	for _, v := range variants {
		assert.Equal(t, "GET:https://example.com/app.js?lang=de&v=1", keygen.Key("get", mustParse(t, v)), v)
	}
}

func TestKeyIncludesMethod(t *testing.T) {
	keygen := NewCacheKeyer(mustParse(t, "http://example.com"))
	u := mustParse(t, "/api/items")
	assert.NotEqual(t, keygen.Key("GET", u), keygen.Key("POST", u))
}

func TestKeyForStringRootDocument(t *testing.T) {
	keygen := NewCacheKeyer(mustParse(t, "http://example.com:80"))
	key, err := keygen.KeyForString("")
	require.NoError(t, err)
	assert.Equal(t, "GET:http://example.com/", key)
}

func TestMalformedKey(t *testing.T) {
	keygen := NewCacheKeyer(nil)
	_, err := keygen.RequestFromKey("no-separator")
	assert.ErrorIs(t, err, ErrorMalformedKey)
}
