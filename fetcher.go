package offlinecache

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/always-cache/offline-cache/cache"
	tee "github.com/always-cache/offline-cache/pkg/response-writer-tee"
)

// Fetcher retrieves responses from the network.
// Implementations must honor ctx cancellation and must be thread-safe!
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (cache.Payload, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, r *http.Request) (cache.Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context, r *http.Request) (cache.Payload, error) {
	return f(ctx, r)
}

// HTTPFetcher fetches requests from an origin server.
// Requests for the origin (or relative requests) are sent to Origin;
// absolute requests for other hosts are sent as they are.
type HTTPFetcher struct {
	// URL of the origin server.
	Origin url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	Host   string
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher for the origin that does not follow redirects.
func NewHTTPFetcher(origin url.URL, host string) *HTTPFetcher {
	client := &http.Client{
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	// use provided hostname for origin if configured
	if host != "" {
		client.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: host,
			},
		}
	}
	return &HTTPFetcher{Origin: origin, Host: host, Client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (cache.Payload, error) {
	uri := f.target(r.URL)
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, uri, body)
	if err != nil {
		return cache.Payload{}, fmt.Errorf("%w: create request for %s: %w", ErrFetch, uri, err)
	}
	copyRequestHeader(req.Header, r.Header)
	if f.Host != "" && f.isOrigin(r.URL) {
		req.Host = f.Host
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return cache.Payload{}, fmt.Errorf("%w: %s %s: %w", ErrFetch, r.Method, uri, err)
	}
	payload, err := cache.PayloadFromResponse(res)
	if err != nil {
		return cache.Payload{}, fmt.Errorf("%w: read body of %s: %w", ErrFetch, uri, err)
	}
	return payload, nil
}

func (f *HTTPFetcher) isOrigin(u *url.URL) bool {
	return !u.IsAbs() || strings.EqualFold(u.Host, f.Origin.Host)
}

func (f *HTTPFetcher) target(u *url.URL) string {
	if !f.isOrigin(u) {
		return u.String()
	}
	return f.Origin.Scheme + "://" + f.Origin.Host + u.RequestURI()
}

// copyRequestHeader copies the client request headers to the outgoing request.
func copyRequestHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		// do not forward connection header, this causes trouble
		if k == "Connection" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// HandlerFetcher fetches responses from an in-process handler.
// It is used when the worker runs as middleware in front of the application.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(ctx context.Context, r *http.Request) (cache.Payload, error) {
	type recorded struct {
		payload cache.Payload
		err     error
	}
	done := make(chan recorded, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- recorded{err: fmt.Errorf("%w: handler panic: %v", ErrFetch, rec)}
			}
		}()
		rs := tee.NewResponseSaver(nil)
		f.Handler.ServeHTTP(rs, r.WithContext(ctx))
		status, header, body := rs.Result()
		done <- recorded{payload: cache.Payload{Status: status, Header: header, Body: body}}
	}()
	// a handler that outlives ctx is abandoned, its result is discarded
	select {
	case res := <-done:
		return res.payload, res.err
	case <-ctx.Done():
		return cache.Payload{}, fmt.Errorf("%w: %s %s: %w", ErrFetch, r.Method, r.URL, ctx.Err())
	}
}
