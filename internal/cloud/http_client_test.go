package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDownloadURLReturnsRemoteIDVerbatim(t *testing.T) {
	c := NewHTTPClient(nil)
	url, err := c.DownloadURL(context.Background(), "https://example.invalid/file")
	require.NoError(t, err)
	require.Equal(t, "https://example.invalid/file", url)
}

func TestDownloadURLRejectsEmptyRemoteID(t *testing.T) {
	c := NewHTTPClient(nil)
	_, err := c.DownloadURL(context.Background(), "")
	require.Error(t, err)
}

func TestFetchRangeSendsRangeHeaderAndCopiesBody(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("partial-body"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.Client())
	var buf bytes.Buffer
	err := c.FetchRange(context.Background(), srv.URL, 10, 20, &buf)
	require.NoError(t, err)
	require.Equal(t, "bytes=10-29", gotRange)
	require.Equal(t, "partial-body", buf.String())
}

func TestFetchRangeNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.Client())
	var buf bytes.Buffer
	err := c.FetchRange(context.Background(), srv.URL, 0, 0, &buf)
	require.Error(t, err)
}

func TestUploadReturnsTargetAndContentHash(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		received = body
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.Client())
	payload := []byte("new file contents")
	newID, hash, err := c.Upload(context.Background(), srv.URL, "", "ignored.txt", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, srv.URL, newID)
	require.Equal(t, payload, received)

	sum := sha256.Sum256(payload)
	require.Equal(t, hex.EncodeToString(sum[:]), hash)
}

func TestUploadBuildsURLFromParentWhenRemoteIDEmpty(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.Client())
	_, _, err := c.Upload(context.Background(), "", srv.URL+"/parent", "child.txt", bytes.NewReader(nil), 0)
	require.NoError(t, err)
	require.Equal(t, "/parent/child.txt", gotPath)
}

func TestUploadNonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.Client())
	_, _, err := c.Upload(context.Background(), srv.URL, "", "x", bytes.NewReader([]byte("x")), 1)
	require.Error(t, err)
}
