package offlinecache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherRewritesToOrigin(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "app.example.com", r.Host)
		assert.Empty(t, r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, r.URL.RequestURI())
	}))
	defer server.Close()
	origin, _ := url.Parse(server.URL)
	f := NewHTTPFetcher(*origin, "app.example.com")

	r := httptest.NewRequest("GET", "/page?x=1", nil)
	r.Header.Set("X-Test", "yes")
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	payload, err := f.Fetch(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, payload.Status)
	assert.Equal(t, "/page?x=1", string(payload.Body))
}

func TestHTTPFetcherDoesNotFollowRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer server.Close()
	origin, _ := url.Parse(server.URL)

	payload, err := NewHTTPFetcher(*origin, "").Fetch(context.Background(), httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, payload.Status)
	assert.Equal(t, "/elsewhere", payload.Header.Get("Location"))
}

func TestHTTPFetcherWrapsTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	origin, _ := url.Parse(server.URL)
	server.Close()

	_, err := NewHTTPFetcher(*origin, "").Fetch(context.Background(), httptest.NewRequest("GET", "/", nil))
	assert.ErrorIs(t, err, ErrFetch)
}

func TestHandlerFetcherRecordsResponse(t *testing.T) {
	f := HandlerFetcher{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", "1")
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "done")
	})}

	payload, err := f.Fetch(context.Background(), httptest.NewRequest("POST", "/jobs", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, payload.Status)
	assert.Equal(t, "1", payload.Header.Get("X-Handler"))
	assert.Equal(t, "done", string(payload.Body))
}

func TestHandlerFetcherHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := HandlerFetcher{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	})}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, httptest.NewRequest("GET", "/slow", nil))
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
