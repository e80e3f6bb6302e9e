// Package requestclass sorts inbound requests into the classes that select a caching strategy.
package requestclass

import (
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"
)

type Class int

const (
	DynamicResource Class = iota
	StaticAsset
	APICall
	NavigationDocument
)

func (c Class) String() string {
	switch c {
	case StaticAsset:
		return "static"
	case APICall:
		return "api"
	case NavigationDocument:
		return "navigation"
	default:
		return "dynamic"
	}
}

// Request holds the parts of an inbound request relevant for classification.
type Request struct {
	Method string
	// Absolute request URL.
	URL    *url.URL
	Header http.Header
	// Navigate is set for top-level document navigations.
	Navigate bool
}

// FromHTTP converts an incoming request, resolving its URL against base
// (usually the origin) if the request URL is relative.
func FromHTTP(r *http.Request, base *url.URL) Request {
	u := r.URL
	if !u.IsAbs() && base != nil {
		u = base.ResolveReference(u)
	}
	return Request{
		Method:   r.Method,
		URL:      u,
		Header:   r.Header,
		Navigate: strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate"),
	}
}

var staticExtensions = []string{
	".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".woff", ".woff2", ".ttf",
}

const (
	DefaultAPIPrefix = "/api/"
	DefaultAPIMarker = "api"
)

// Classifier is a pure function of its configuration and the request.
type Classifier struct {
	// Pre-configured static asset URLs. Relative entries match the request path,
	// absolute entries match host and path.
	StaticAssets []string
	// Path prefix of API endpoints. Defaults to DefaultAPIPrefix.
	APIPrefix string
	// Path segment marking an API endpoint. Defaults to DefaultAPIMarker.
	APIMarker string
}

// Classify returns the class of the request. Rules are checked in order
// static, api, navigation; anything else is a dynamic resource.
func (c Classifier) Classify(r Request) Class {
	switch {
	case c.isStatic(r):
		return StaticAsset
	case c.isAPI(r):
		return APICall
	case isNavigation(r):
		return NavigationDocument
	default:
		return DynamicResource
	}
}

// Excluded reports whether the request must bypass the cache entirely.
func (c Classifier) Excluded(r Request) bool {
	if r.URL == nil {
		return true
	}
	scheme := strings.ToLower(r.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return true
	}
	p := r.URL.EscapedPath()
	return strings.Contains(p, "__webpack") ||
		strings.Contains(p, "hot-update") ||
		strings.Contains(r.URL.RawQuery, "_sw-precache")
}

func (c Classifier) isStatic(r Request) bool {
	for _, asset := range c.StaticAssets {
		if matchesAsset(asset, r.URL) {
			return true
		}
	}
	ext := strings.ToLower(path.Ext(r.URL.Path))
	return ext != "" && slices.Contains(staticExtensions, ext)
}

func matchesAsset(asset string, u *url.URL) bool {
	a, err := url.Parse(asset)
	if err != nil {
		return false
	}
	if a.IsAbs() {
		return strings.EqualFold(a.Host, u.Host) && cleanPath(a.Path) == cleanPath(u.Path)
	}
	return cleanPath(a.Path) == cleanPath(u.Path)
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func (c Classifier) isAPI(r Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return true
	}
	prefix := c.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	if strings.HasPrefix(r.URL.Path, prefix) {
		return true
	}
	marker := c.APIMarker
	if marker == "" {
		marker = DefaultAPIMarker
	}
	for _, segment := range strings.Split(r.URL.Path, "/") {
		if strings.EqualFold(segment, marker) {
			return true
		}
	}
	return false
}

func isNavigation(r Request) bool {
	if r.Navigate {
		return true
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
