package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// HTTPClient is a minimal implementation of Client built directly on
// net/http. It treats a remote ID as already being a fetchable URL
// (or becoming one on Upload), deferring everything the spec places
// out of scope — OAuth, delta queries, chunked upload sessions, rate
// limiting — to whatever wraps this client in front of a specific
// cloud API.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient returns a client using httpClient, or http.DefaultClient
// if nil.
func NewHTTPClient(httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{http: httpClient}
}

// DownloadURL returns remoteID unchanged: in this minimal client the
// remote ID already is the resource's fetchable URL.
func (c *HTTPClient) DownloadURL(_ context.Context, remoteID string) (string, error) {
	if remoteID == "" {
		return "", fmt.Errorf("cloud: empty remote id")
	}
	return remoteID, nil
}

// FetchRange issues a ranged GET against url and copies the response
// body into w.
func (c *HTTPClient) FetchRange(ctx context.Context, url string, offset, length int64, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("cloud: build request: %w", err)
	}
	if length > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	} else if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloud: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("cloud: unexpected status %d", resp.StatusCode)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// Upload PUTs r's content to parentRemoteID+"/"+name (or remoteID if
// already known) and returns the resulting URL as the new remote ID
// along with a client-computed SHA-256 of the bytes sent, standing in
// for a cloud-computed content hash that this minimal client has no
// way to obtain.
func (c *HTTPClient) Upload(ctx context.Context, remoteID, parentRemoteID, name string, r io.Reader, size int64) (string, string, error) {
	target := remoteID
	if target == "" {
		target = parentRemoteID + "/" + name
	}

	hasher := sha256.New()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, io.TeeReader(r, hasher))
	if err != nil {
		return "", "", fmt.Errorf("cloud: build request: %w", err)
	}
	req.ContentLength = size

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("cloud: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", "", fmt.Errorf("cloud: unexpected status %d", resp.StatusCode)
	}
	return target, hex.EncodeToString(hasher.Sum(nil)), nil
}
