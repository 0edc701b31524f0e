package serverapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	cmerrors "contextmate/internal/errors"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "test-token", WithRetryPolicy(3, time.Millisecond))
}

func TestUploadSuccess(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			t.Errorf("missing bearer auth header")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "ciphertext" {
			t.Errorf("unexpected body: %s", body)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(UploadResult{NewVersion: 2})
	})

	v, err := c.Upload(context.Background(), "skills/a/SKILL.md", []byte("ciphertext"), "hash1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d; want 2", v)
	}
}

func TestUploadConflictNotRetried(t *testing.T) {
	var calls int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]int64{"current_version": 5})
	})

	_, err := c.Upload(context.Background(), "p", []byte("x"), "h", 1)
	var conflict *cmerrors.ConflictError
	if !cmerrors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.CurrentVersion != 5 {
		t.Errorf("CurrentVersion = %d; want 5", conflict.CurrentVersion)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("conflict response should not be retried, got %d calls", calls)
	}
}

func TestUploadRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(UploadResult{NewVersion: 1})
	})

	v, err := c.Upload(context.Background(), "p", []byte("x"), "h", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d; want 1", v)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("calls = %d; want 3", calls)
	}
}

func TestUploadGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Upload(context.Background(), "p", []byte("x"), "h", 0)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	// 1 initial attempt + 3 retries = 4 calls.
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Errorf("calls = %d; want 4", got)
	}
}

func TestUploadDoesNotRetryOn400(t *testing.T) {
	var calls int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Upload(context.Background(), "p", []byte("x"), "h", 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("400 should not be retried, got %d calls", calls)
	}
}

func TestDownload(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Version", "7")
		w.Header().Set("X-Encrypted-Hash", "deadbeef")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("envelope-bytes"))
	})

	data, version, hash, err := c.Download(context.Background(), "memory/n.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "envelope-bytes" || version != 7 || hash != "deadbeef" {
		t.Errorf("unexpected result: %q %d %q", data, version, hash)
	}
}

func TestDownloadNotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, _, _, err := c.Download(context.Background(), "missing")
	if !cmerrors.Is(err, cmerrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListSince(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") != "1000" {
			t.Errorf("missing since query param: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode([]FileMeta{{Path: "a", Version: 1}})
	})

	out, err := c.ListSince(context.Background(), 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Path != "a" {
		t.Errorf("unexpected result: %+v", out)
	}
}

func TestDeleteRateLimitedThenSucceeds(t *testing.T) {
	var calls int32
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.Delete(context.Background(), "p"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d; want 2", calls)
	}
}
