// Package rfc9211 builds `Cache-Status` header values as described in RFC 9211.
package rfc9211

import (
	"fmt"
	"strings"
)

// CacheName is the cache identifier used as the first member of the header value.
const CacheName = "OfflineCache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"

	// The cache was able to select a response for the request, but
	// it was stale.
	FwdReasonStale FwdReason = "stale"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Stored is set when the forwarded response was written to the cache.
	Stored bool
	// Detail is an implementation-specific extra parameter.
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(CacheName)
	switch cs.Status {
	case StatusHit:
		b.WriteString("; hit")
	case StatusFwd:
		b.WriteString("; fwd=")
		if cs.FwdReason != "" {
			b.WriteString(string(cs.FwdReason))
		} else {
			b.WriteString(string(FwdReasonMiss))
		}
		if cs.Stored {
			b.WriteString("; stored")
		}
	}
	if cs.Detail != "" {
		fmt.Fprintf(&b, "; detail=%s", cs.Detail)
	}
	return b.String()
}
