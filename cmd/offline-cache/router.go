package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	offlinecache "github.com/always-cache/offline-cache"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// newRouter mounts the administrative endpoints in front of the worker.
func newRouter(worker *offlinecache.Worker, hub *offlinecache.Hub, metrics http.Handler, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/_offline", func(r chi.Router) {
		r.Post("/control", controlHandler(worker, log))
		r.Get("/events", eventsHandler(hub, log))
		r.Post("/sync/{tag}", syncHandler(worker, log))
	})
	r.Handle("/metrics", metrics)
	r.Handle("/*", worker)
	return r
}

// controlHandler accepts a control message and writes the reply, or 204 if there is none.
func controlHandler(worker *offlinecache.Worker, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg offlinecache.ControlMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "Invalid control message", http.StatusBadRequest)
			return
		}
		reply := make(chan any, 1)
		msg.Reply = reply
		worker.Control(r.Context(), msg)
		select {
		case v := <-reply:
			writeJSON(w, http.StatusOK, v, log)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// eventsHandler streams client messages as server-sent events.
func eventsHandler(hub *offlinecache.Hub, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}
		messages, unsubscribe := hub.Subscribe()
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				data, err := json.Marshal(msg)
				if err != nil {
					log.Error().Err(err).Msg("Could not encode client message")
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data)
				flusher.Flush()
			}
		}
	}
}

// syncHandler invokes a sync task.
func syncHandler(worker *offlinecache.Worker, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := chi.URLParam(r, "tag")
		err := worker.Sync().Invoke(r.Context(), tag)
		switch {
		case errors.Is(err, offlinecache.ErrUnknownSyncTag):
			http.Error(w, "Unknown sync tag", http.StatusNotFound)
		case err != nil:
			writeJSON(w, http.StatusBadGateway, map[string]any{"success": false, "error": err.Error()}, log)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"success": true}, log)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Could not write response")
	}
}
