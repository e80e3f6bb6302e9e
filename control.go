package offlinecache

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// MessageType is the type of a control message.
type MessageType string

const (
	SkipWaiting MessageType = "SKIP_WAITING"
	GetVersion  MessageType = "GET_VERSION"
	ClearCache  MessageType = "CLEAR_CACHE"
	ForceSync   MessageType = "FORCE_SYNC"
	CacheStatus MessageType = "CACHE_STATUS"
)

// ControlMessage is an administrative command.
// If Reply is set, it should be buffered; the reply is sent on it once.
type ControlMessage struct {
	Type  MessageType     `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Reply chan<- any      `json:"-"`
}

type VersionReply struct {
	Version string `json:"version"`
}

type ClearReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type StatusReply struct {
	Static     int    `json:"static"`
	Dynamic    int    `json:"dynamic"`
	Total      int    `json:"total"`
	MaxEntries int    `json:"maxEntries"`
	Error      string `json:"error,omitempty"`
}

type controlHandler func(w *Worker, ctx context.Context, msg ControlMessage)

var controlHandlers = map[MessageType]controlHandler{
	SkipWaiting: func(w *Worker, ctx context.Context, msg ControlMessage) {
		w.skipWaiting(ctx)
	},
	GetVersion: func(w *Worker, ctx context.Context, msg ControlMessage) {
		reply(ctx, msg, VersionReply{Version: w.Generation()})
	},
	ClearCache: func(w *Worker, ctx context.Context, msg ControlMessage) {
		if err := w.ClearAll(ctx); err != nil {
			w.report("clear cache", err)
			reply(ctx, msg, ClearReply{Success: false, Error: err.Error()})
			return
		}
		reply(ctx, msg, ClearReply{Success: true})
	},
	ForceSync: func(w *Worker, ctx context.Context, msg ControlMessage) {
		if err := w.sync.Invoke(ctx, DataSyncTag); err != nil {
			w.report("force sync", err)
		}
	},
	CacheStatus: func(w *Worker, ctx context.Context, msg ControlMessage) {
		status, err := w.Status(ctx)
		if err != nil {
			w.report("cache status", err)
			status = StatusReply{Error: err.Error()}
		}
		reply(ctx, msg, status)
	},
}

// Control handles an administrative command. Unknown types are ignored.
func (w *Worker) Control(ctx context.Context, msg ControlMessage) {
	handler, ok := controlHandlers[msg.Type]
	if !ok {
		w.log.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown control message")
		return
	}
	w.log.Debug().Str("type", string(msg.Type)).Msg("Control message received")
	handler(w, ctx, msg)
}

func reply(ctx context.Context, msg ControlMessage, v any) {
	if msg.Reply == nil {
		return
	}
	select {
	case msg.Reply <- v:
	case <-ctx.Done():
	}
}

// ClearAll deletes every store of the provider, of the current and all prior generations.
func (w *Worker) ClearAll(ctx context.Context) error {
	names, err := w.provider.Names()
	if err != nil {
		return fmt.Errorf("list stores: %w", err)
	}
	eg, _ := errgroup.WithContext(ctx)
	for _, name := range names {
		eg.Go(func() error {
			if err := w.provider.DeleteAll(name); err != nil {
				return fmt.Errorf("delete store %s: %w", name, err)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	w.log.Info().Int("stores", len(names)).Msg("Cache cleared")
	return nil
}

// Status counts the entries of the active generation.
func (w *Worker) Status(ctx context.Context) (StatusReply, error) {
	g := w.current()
	if g == nil {
		w.mu.RLock()
		g = w.installed[w.pending]
		w.mu.RUnlock()
	}
	if g == nil {
		return StatusReply{}, ErrNotInstalled
	}
	var status StatusReply
	eg, _ := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		status.Static, err = g.static.Count()
		return err
	})
	eg.Go(func() (err error) {
		status.Dynamic, err = g.dynamic.Count()
		return err
	})
	if err := eg.Wait(); err != nil {
		return StatusReply{}, fmt.Errorf("count entries: %w", err)
	}
	status.Total = status.Static + status.Dynamic
	status.MaxEntries = w.dynamicPolicy.MaxEntries
	return status, nil
}
