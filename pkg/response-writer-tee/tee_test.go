package tee

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSaverRecordsWithoutWriter(t *testing.T) {
	rs := NewResponseSaver(nil)
	rs.Header().Set("Content-Type", "text/plain")
	rs.WriteHeader(http.StatusCreated)
	rs.WriteHeader(http.StatusInternalServerError)
	io.WriteString(rs, "hello")

	status, header, body := rs.Result()
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "text/plain", header.Get("Content-Type"))
	assert.Equal(t, "hello", string(body))
}

func TestSaverTeesToWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	rs := NewResponseSaver(rec)
	rs.Header().Set("X-Test", "1")
	io.WriteString(rs, "body")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "body", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Test"))
	assert.Equal(t, "body", string(rs.Body()))
}

func TestSaverDefaultsToOK(t *testing.T) {
	rs := NewResponseSaver(nil)
	assert.Equal(t, http.StatusOK, rs.StatusCode())
}
