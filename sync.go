package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DataSyncTag is the tag of the task refreshing the dynamic store.
	DataSyncTag = "sync-data"
	// DiarySyncTag is the tag of the task refreshing the diary entries of the dynamic store.
	DiarySyncTag = "sync-diary"
	// SyncCompleteMessage is the type of the message broadcast after every sync.
	SyncCompleteMessage = "SYNC_COMPLETE"
)

// SyncFunc reconciles local state with the origin.
type SyncFunc func(ctx context.Context) error

// SyncRecord is the outcome of the last invocation of a task.
type SyncRecord struct {
	Tag         string    `json:"tag"`
	AttemptedAt time.Time `json:"attemptedAt"`
	Succeeded   bool      `json:"succeeded"`
	Error       string    `json:"error,omitempty"`
}

// SyncCoordinator runs named reconciliation tasks and broadcasts their outcome.
// It does not retry: whoever invokes a task decides whether to invoke it again.
type SyncCoordinator struct {
	mu          *sync.RWMutex
	tasks       map[string]SyncFunc
	records     map[string]SyncRecord
	group       singleflight.Group
	broadcaster Broadcaster
	clock       cache.Clock
	log         zerolog.Logger
}

func NewSyncCoordinator(broadcaster Broadcaster, clock cache.Clock, logger zerolog.Logger) *SyncCoordinator {
	if clock == nil {
		clock = cache.SystemClock
	}
	return &SyncCoordinator{
		mu:          &sync.RWMutex{},
		tasks:       map[string]SyncFunc{},
		records:     map[string]SyncRecord{},
		broadcaster: broadcaster,
		clock:       clock,
		log:         logger,
	}
}

// Register associates fn with tag, replacing any previous task.
func (s *SyncCoordinator) Register(tag string, fn SyncFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[tag] = fn
}

// Tags returns the registered tags.
func (s *SyncCoordinator) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.tasks))
	for tag := range s.tasks {
		tags = append(tags, tag)
	}
	return tags
}

// Record returns the outcome of the last invocation of tag.
func (s *SyncCoordinator) Record(tag string) (SyncRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[tag]
	return record, ok
}

// Invoke runs the task registered for tag and broadcasts SYNC_COMPLETE to all clients,
// whether the task succeeded or not. Concurrent invocations of a tag share one run.
func (s *SyncCoordinator) Invoke(ctx context.Context, tag string) error {
	s.mu.RLock()
	fn, ok := s.tasks[tag]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("invoke %s: %w", tag, ErrUnknownSyncTag)
	}
	_, err, _ := s.group.Do(tag, func() (any, error) {
		return nil, s.run(ctx, tag, fn)
	})
	return err
}

func (s *SyncCoordinator) run(ctx context.Context, tag string, fn SyncFunc) error {
	log := s.log.With().Str("tag", tag).Logger()
	log.Debug().Msg("Sync starting")

	record := SyncRecord{Tag: tag, AttemptedAt: s.clock.Now()}
	err := callSync(ctx, fn)
	record.Succeeded = err == nil
	message := "Synchronized " + tag
	if err != nil {
		record.Error = err.Error()
		message = err.Error()
		log.Warn().Err(err).Msg("Sync failed")
	} else {
		log.Debug().Msg("Sync completed")
	}

	s.mu.Lock()
	s.records[tag] = record
	s.mu.Unlock()

	msg := ClientMessage{
		Type: SyncCompleteMessage,
		Tag:  tag,
		Data: map[string]any{"success": record.Succeeded, "message": message},
	}
	if berr := s.broadcaster.Broadcast(ctx, msg); berr != nil {
		log.Error().Err(berr).Msg("Could not broadcast sync outcome")
	}
	return err
}

// callSync runs fn, turning a panic into an error.
func callSync(ctx context.Context, fn SyncFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("sync panic: %v", rec)
		}
	}()
	return fn(ctx)
}

// RefreshDynamic re-fetches every GET entry of the active dynamic store
// and overwrites the entries whose response is ok.
// It is the task registered for DataSyncTag.
func (w *Worker) RefreshDynamic(ctx context.Context) error {
	return w.refreshDynamic(ctx, "")
}

// RefreshDiary is RefreshDynamic limited to the entries below the diary prefix.
// It is the task registered for DiarySyncTag.
func (w *Worker) RefreshDiary(ctx context.Context) error {
	return w.refreshDynamic(ctx, w.diaryPrefix)
}

func (w *Worker) refreshDynamic(ctx context.Context, pathPrefix string) error {
	g := w.current()
	if g == nil {
		return nil
	}
	if w.fetcher == nil {
		return ErrNoFetcher
	}
	keys, err := g.dynamic.Keys()
	if err != nil {
		return fmt.Errorf("list dynamic store: %w", err)
	}
	var errs []error
	refreshed := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := w.keyer.RequestFromKey(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if req.Method != http.MethodGet || !strings.HasPrefix(req.URL.Path, pathPrefix) {
			continue
		}
		payload, err := w.fetch(ctx, w.fetcher, req.WithContext(ctx))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if w.save(ctx, g, g.dynamic, key, req.Method, payload) {
			refreshed++
		}
	}
	w.log.Debug().Str("prefix", pathPrefix).Int("entries", len(keys)).Int("refreshed", refreshed).Msg("Dynamic store refreshed")
	if len(errs) > 0 {
		return fmt.Errorf("refresh %d of %d entries failed: %w", len(errs), len(keys), errors.Join(errs...))
	}
	return nil
}
