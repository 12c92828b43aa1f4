package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onedrived/onedrived/internal/models"
	"github.com/onedrived/onedrived/internal/remote"
	"github.com/onedrived/onedrived/internal/retry"
)

type staticTokens struct{ token string }

func (s staticTokens) FetchBearer(ctx context.Context) (string, error) { return s.token, nil }

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{
		BaseURL: ts.URL,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	}, staticTokens{token: "tok"})
	return c, ts
}

func TestGetItem_Success(t *testing.T) {
	var gotAuth string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "abc", "name": "report.txt", "eTag": "e1", "size": 10,
			"file": map[string]interface{}{"hashes": map[string]interface{}{"quickXorHash": "h1"}},
		})
	}))
	defer ts.Close()

	it, err := c.GetItem(context.Background(), "abc")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.RemoteID != "abc" || it.Name != "report.txt" || it.Kind != models.KindFile || it.Hash != "h1" {
		t.Errorf("unexpected item: %+v", it)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("expected bearer auth header, got %q", gotAuth)
	}
}

func TestGetItem_FolderFacet(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "d1", "name": "docs", "folder": map[string]interface{}{"childCount": 2},
		})
	}))
	defer ts.Close()

	it, err := c.GetItem(context.Background(), "d1")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.Kind != models.KindFolder {
		t.Errorf("expected a folder, got %q", it.Kind)
	}
}

func TestGetItem_NotFoundClassification(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such item"))
	}))
	defer ts.Close()

	_, err := c.GetItem(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected an error")
	}
	if remote.KindOf(err) != remote.NotFound {
		t.Errorf("expected NotFound, got %v", remote.KindOf(err))
	}
}

func TestGetItem_AuthClassification(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := c.GetItem(context.Background(), "abc")
	if remote.KindOf(err) != remote.Auth {
		t.Errorf("expected Auth, got %v", remote.KindOf(err))
	}
}

func TestGetItem_ConflictClassification(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer ts.Close()

	_, err := c.GetItem(context.Background(), "abc")
	if remote.KindOf(err) != remote.Conflict {
		t.Errorf("expected Conflict, got %v", remote.KindOf(err))
	}
}

func TestGetItem_QuotaClassification(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := c.GetItem(context.Background(), "abc")
	if remote.KindOf(err) != remote.Quota {
		t.Errorf("expected Quota, got %v", remote.KindOf(err))
	}
}

func TestGetItem_ServerErrorRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "abc", "name": "f.txt"})
	}))
	defer ts.Close()

	_, err := c.GetItem(context.Background(), "abc")
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts.Load() < 3 {
		t.Errorf("expected at least 3 attempts, got %d", attempts.Load())
	}
}

func TestGetItem_NotFoundIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := c.GetItem(context.Background(), "abc")
	if err == nil {
		t.Fatal("expected an error")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected exactly 1 attempt (not retried), got %d", attempts.Load())
	}
}

func TestCreateFolder_SendsConflictBehaviorRename(t *testing.T) {
	var gotBody map[string]interface{}
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "newdir", "name": "docs", "folder": map[string]interface{}{},
		})
	}))
	defer ts.Close()

	it, err := c.CreateFolder(context.Background(), "root", "docs")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if it.RemoteID != "newdir" || it.Kind != models.KindFolder {
		t.Errorf("unexpected item: %+v", it)
	}
	if gotBody["@microsoft.graph.conflictBehavior"] != "rename" {
		t.Errorf("expected conflictBehavior=rename, got %v", gotBody)
	}
}

func TestPatch_RenameAndMove(t *testing.T) {
	var gotBody map[string]interface{}
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "f1", "name": "renamed.txt"})
	}))
	defer ts.Close()

	newName := "renamed.txt"
	newParent := "folder2"
	_, err := c.Patch(context.Background(), "f1", remote.Patch{Name: &newName, ParentID: &newParent})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if gotBody["name"] != "renamed.txt" {
		t.Errorf("expected name in patch body, got %v", gotBody)
	}
	pr, ok := gotBody["parentReference"].(map[string]interface{})
	if !ok || pr["id"] != "folder2" {
		t.Errorf("expected parentReference.id=folder2, got %v", gotBody)
	}
}

func TestDelete_AcceptsNoContent(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	if err := c.Delete(context.Background(), "f1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestOnlineStatusAfterNotFound(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c.GetItem(context.Background(), "abc")

	if c.IsOnline() {
		t.Error("expected offline after a failed request")
	}
}

func TestDownloadRange_SetsRangeHeader(t *testing.T) {
	var gotRange string
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("partial"))
	}))
	defer ts.Close()

	body, err := c.DownloadRange(context.Background(), "f1", 10, 20)
	if err != nil {
		t.Fatalf("DownloadRange: %v", err)
	}
	defer body.Close()
	if gotRange != "bytes=10-29" {
		t.Errorf("expected Range bytes=10-29, got %q", gotRange)
	}
}
