package offlinecache

import (
	"encoding/json"
	"net/http"

	"github.com/always-cache/offline-cache/cache"
)

const (
	messageAPIOffline     = "This function is not available offline"
	messageStaticOffline  = "Asset not available offline"
	messageDynamicOffline = "Content not available offline"
	messageUnavailable    = "Service temporarily unavailable"
)

// unavailableBody is the JSON body of every 503 response generated by the worker.
type unavailableBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// unavailable returns a 503 payload with a JSON body.
func unavailable(message string) cache.Payload {
	body, _ := json.Marshal(unavailableBody{Error: "Offline", Message: message})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return cache.Payload{Status: http.StatusServiceUnavailable, Header: header, Body: body}
}

// DefaultOfflinePage is served for navigations that fail while no root document is cached.
var DefaultOfflinePage = []byte(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Offline</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; text-align: center; padding: 50px; }
</style>
</head>
<body>
<h1>Offline</h1>
<p>You are currently offline. The application will synchronize as soon as a connection is available.</p>
<button onclick="window.location.reload()">Try again</button>
</body>
</html>
`)

// offlineDocument returns the offline HTML page with status 200.
func offlineDocument(page []byte) cache.Payload {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	return cache.Payload{Status: http.StatusOK, Header: header, Body: append([]byte(nil), page...)}
}
