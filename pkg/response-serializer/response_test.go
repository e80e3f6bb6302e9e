package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseToBytesBodyIntact(t *testing.T) {
	response := "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body"

	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(response)), nil)
	require.NoError(t, err)

	_, err = ResponseToBytes(res)
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "This is the body", string(body))
}

func TestStoredResponseSerialization(t *testing.T) {
	res := &http.Response{
		StatusCode:    201,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{},
		Body:          io.NopCloser(strings.NewReader("created")),
		ContentLength: 7,
	}
	res.Header.Add("Test", "-ing")
	storedAt := time.Unix(0, 1700000000123456789)

	bts, err := StoredResponseToBytes(StoredResponse{Response: res, StoredAt: storedAt})
	require.NoError(t, err)
	assert.Empty(t, res.Header.Get(storedAtHeaderName), "storage header left on original response")

	res2, err := BytesToStoredResponse(bts)
	require.NoError(t, err)
	assert.Equal(t, 201, res2.Response.StatusCode)
	assert.Equal(t, "-ing", res2.Response.Header.Get("Test"))
	assert.Empty(t, res2.Response.Header.Get(storedAtHeaderName))
	assert.True(t, res2.StoredAt.Equal(storedAt), "stored at %v, expected %v", res2.StoredAt, storedAt)
	body, err := io.ReadAll(res2.Response.Body)
	require.NoError(t, err)
	assert.Equal(t, "created", string(body))
}

func TestBytesWithoutStorageTime(t *testing.T) {
	_, err := BytesToStoredResponse([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	assert.Error(t, err)
}
