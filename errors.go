package offlinecache

import "errors"

var (
	// ErrNotInstalled is returned when activating a generation that was never installed.
	ErrNotInstalled = errors.New("generation not installed")
	// ErrEmptyGeneration is returned when installing a generation without an identifier.
	ErrEmptyGeneration = errors.New("empty generation")
	// ErrUnknownSyncTag is returned when invoking a sync task that was never registered.
	ErrUnknownSyncTag = errors.New("unknown sync tag")
	// ErrFetch wraps transport failures of a Fetcher.
	ErrFetch = errors.New("fetch failed")
	// ErrNoFetcher is returned by operations that need a default Fetcher when none is configured.
	ErrNoFetcher = errors.New("no fetcher configured")
)
