// Package httpclient implements remote.RemoteClient against a
// Microsoft-Graph-shaped drive API, grounded on the teacher's
// shared/pkg/client HTTP wrapper (retry-aware *http.Client, gzip,
// online/offline tracking) generalized from its bespoke tree protocol to
// Graph's driveItem/delta shapes (§4.2, §6).
package httpclient

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/onedrived/onedrived/internal/logging"
	"github.com/onedrived/onedrived/internal/models"
	"github.com/onedrived/onedrived/internal/remote"
	"github.com/onedrived/onedrived/internal/retry"
)

// Config holds HTTP client configuration.
type Config struct {
	BaseURL     string // e.g. https://graph.microsoft.com/v1.0/me/drive
	Timeout     time.Duration
	RetryConfig retry.Config
}

// Client is the default remote.RemoteClient implementation.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
	tokens      remote.TokenSource

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
}

// New creates a new Client.
func New(cfg Config, tokens remote.TokenSource) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		tokens:      tokens,
		online:      true,
	}
}

// IsOnline returns true if the most recent call succeeded; a transport
// failure or an unexpected response status marks the client offline.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("remote is back online")
		} else {
			logging.Warn("remote is offline")
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

func (c *Client) applyAuth(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.FetchBearer(ctx)
	if err != nil {
		return remote.NewError(remote.Auth, "fetch_bearer", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// do executes an HTTP request with retry, auth, and gzip handling, then
// classifies any failure into a *remote.Error.
func (c *Client) do(ctx context.Context, op string, req *http.Request, wantStatus ...int) (*http.Response, error) {
	var resp *http.Response

	err := retry.Do(ctx, c.retryConfig, func() error {
		if err := c.applyAuth(ctx, req); err != nil {
			return err // auth errors aren't retry.Retryable; surfaced as-is
		}
		req.Header.Set("Accept-Encoding", "gzip")

		r, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(remote.NewError(remote.Transient, op, err))
		}

		if !statusOK(r.StatusCode, wantStatus) {
			body, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			r.Body.Close()
			c.setOnline(false)
			return classifyStatus(op, r.StatusCode, body)
		}

		c.setOnline(true)
		resp = r
		return nil
	})

	return resp, err
}

func statusOK(code int, want []int) bool {
	if len(want) == 0 {
		return code >= 200 && code < 300
	}
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}

func classifyStatus(op string, code int, body []byte) error {
	msg := fmt.Errorf("status %d: %s", code, string(body))
	switch {
	case code == http.StatusUnauthorized:
		return remote.NewError(remote.Auth, op, msg)
	case code == http.StatusNotFound:
		return remote.NewError(remote.NotFound, op, msg)
	case code == http.StatusConflict:
		return remote.NewError(remote.Conflict, op, msg)
	case code == http.StatusTooManyRequests, code == http.StatusInsufficientStorage:
		return remote.NewError(remote.Quota, op, msg)
	case code >= 500:
		return retry.Retryable(remote.NewError(remote.Transient, op, msg))
	case code >= 400:
		return remote.NewError(remote.Fatal, op, msg)
	default:
		return remote.NewError(remote.Fatal, op, msg)
	}
}

func decodeJSON(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return err
		}
		defer gr.Close()
		reader = gr
	}
	return json.NewDecoder(reader).Decode(out)
}

// GetItem fetches a single item's metadata.
func (c *Client) GetItem(ctx context.Context, remoteID string) (remote.Item, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/items/"+remoteID, nil)
	resp, err := c.do(ctx, "get_item", req)
	if err != nil {
		return remote.Item{}, err
	}
	var di driveItem
	if err := decodeJSON(resp, &di); err != nil {
		return remote.Item{}, remote.NewError(remote.Fatal, "get_item", err)
	}
	return di.toItem(), nil
}

// ListChildren lists every child of a folder, paging through
// @odata.nextLink until the collection is exhausted.
func (c *Client) ListChildren(ctx context.Context, remoteID string) ([]remote.Item, error) {
	return c.listChildrenPaged(ctx, c.baseURL+"/items/"+remoteID+"/children")
}

// Delete removes a remote item.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/items/"+remoteID, nil)
	_, err := c.do(ctx, "delete", req, http.StatusNoContent, http.StatusOK)
	return err
}

// CreateFolder creates a new folder under parentID.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (remote.Item, error) {
	body := map[string]interface{}{
		"name":                              name,
		"folder":                            map[string]interface{}{},
		"@microsoft.graph.conflictBehavior": "rename",
	}
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/items/"+parentID+"/children", strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, "create_folder", req, http.StatusCreated, http.StatusOK)
	if err != nil {
		return remote.Item{}, err
	}
	var di driveItem
	if err := decodeJSON(resp, &di); err != nil {
		return remote.Item{}, remote.NewError(remote.Fatal, "create_folder", err)
	}
	return di.toItem(), nil
}

// Patch covers rename + move + mtime touch (§4.2).
func (c *Client) Patch(ctx context.Context, remoteID string, patch remote.Patch) (remote.Item, error) {
	body := map[string]interface{}{}
	if patch.Name != nil {
		body["name"] = *patch.Name
	}
	if patch.ParentID != nil {
		body["parentReference"] = map[string]interface{}{"id": *patch.ParentID}
	}
	if patch.MTime != nil {
		body["fileSystemInfo"] = map[string]interface{}{
			"lastModifiedDateTime": patch.MTime.UTC().Format(time.RFC3339),
		}
	}
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/items/"+remoteID, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, "patch", req)
	if err != nil {
		return remote.Item{}, err
	}
	var di driveItem
	if err := decodeJSON(resp, &di); err != nil {
		return remote.Item{}, remote.NewError(remote.Fatal, "patch", err)
	}
	return di.toItem(), nil
}

// Download fetches the entire content of a file.
func (c *Client) Download(ctx context.Context, remoteID string) (io.ReadCloser, error) {
	return c.DownloadRange(ctx, remoteID, 0, -1)
}

// DownloadRange fetches a byte range of a file's content (length<0 means
// "to end").
func (c *Client) DownloadRange(ctx context.Context, remoteID string, offset, length int64) (io.ReadCloser, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/items/"+remoteID+"/content", nil)
	if offset > 0 || length > 0 {
		end := ""
		if length > 0 {
			end = fmt.Sprintf("%d", offset+length-1)
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%s", offset, end))
	}

	resp, err := c.do(ctx, "download", req, http.StatusOK, http.StatusPartialContent)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, remote.NewError(remote.Fatal, "download", err)
		}
		return &gzipReadCloser{gr: gr, body: resp.Body}, nil
	}
	return resp.Body, nil
}

type gzipReadCloser struct {
	gr   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gr.Read(p) }
func (g *gzipReadCloser) Close() error {
	g.gr.Close()
	return g.body.Close()
}

// driveItem is the wire shape of a Graph driveItem, grounded on the
// original Rust client's onedrive_models.rs DriveItem struct.
type driveItem struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	ETag             string           `json:"eTag"`
	CTag             string           `json:"cTag"`
	LastModified     string           `json:"lastModifiedDateTime"`
	Size             int64            `json:"size"`
	Folder           *folderFacet     `json:"folder"`
	File             *fileFacet       `json:"file"`
	Deleted          *deletedFacet    `json:"deleted"`
	ParentReference  *parentReference `json:"parentReference"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type fileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   fileHashes `json:"hashes"`
}

type fileHashes struct {
	QuickXorHash string `json:"quickXorHash"`
	SHA256Hash   string `json:"sha256Hash"`
}

type deletedFacet struct {
	State string `json:"state"`
}

type parentReference struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

func (d *driveItem) toItem() remote.Item {
	it := remote.Item{
		RemoteID: d.ID,
		Name:     d.Name,
		ETag:     d.ETag,
		CTag:     d.CTag,
		Size:     d.Size,
		Deleted:  d.Deleted != nil,
	}
	if d.ParentReference != nil {
		it.ParentRemoteID = d.ParentReference.ID
	}
	if d.LastModified != "" {
		if t, err := time.Parse(time.RFC3339, d.LastModified); err == nil {
			it.MTime = t
		}
	}
	if d.Folder != nil {
		it.Kind = models.KindFolder
	} else {
		it.Kind = models.KindFile
		if d.File != nil {
			if d.File.Hashes.QuickXorHash != "" {
				it.Hash = d.File.Hashes.QuickXorHash
			} else {
				it.Hash = d.File.Hashes.SHA256Hash
			}
		}
	}
	return it
}
