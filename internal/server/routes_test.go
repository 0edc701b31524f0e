package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"contextmate/internal/contenthash"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), filepath.Join(dir, "test.db"), filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	srv := New(store, []byte("test-secret"))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func registerAndLogin(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"user_id": "u1", "auth_key_hash": "hash1", "salt": "ab", "encrypted_master_key": "ciphertext",
	})
	resp, err := http.Post(ts.URL+"/auth/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	loginBody, _ := json.Marshal(map[string]string{"auth_key_hash": "hash1", "device_id": "dev1"})
	resp, err = http.Post(ts.URL+"/auth/login", "application/json", bytes.NewReader(loginBody))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out.Token
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	_, ts := newTestServer(t)
	token := registerAndLogin(t, ts)

	payload := []byte("encrypted-envelope-bytes")
	hash := contenthash.Sum(payload)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/files/notes.md?expected_version=0&encrypted_hash="+hash, bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var uploadResult UploadResultDTO
	json.NewDecoder(resp.Body).Decode(&uploadResult)
	resp.Body.Close()
	if uploadResult.Version != 1 {
		t.Fatalf("version = %d, want 1", uploadResult.Version)
	}

	getReq, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/files/notes.md", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getResp, err := http.DefaultClient.Do(getReq)
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", getResp.StatusCode)
	}
	if v := getResp.Header.Get("X-Version"); v != "1" {
		t.Errorf("X-Version = %q, want 1", v)
	}
}

func TestUploadWrongExpectedVersionReturnsConflict(t *testing.T) {
	_, ts := newTestServer(t)
	token := registerAndLogin(t, ts)

	payload := []byte("first")
	hash := contenthash.Sum(payload)
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/files/a.md?expected_version=0&encrypted_hash="+hash, bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, _ := http.DefaultClient.Do(req)
	resp.Body.Close()

	req2, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/files/a.md?expected_version=0&encrypted_hash="+hash, bytes.NewReader(payload))
	req2.Header.Set("Authorization", "Bearer "+token)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp2.StatusCode)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/files")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSaltLookup(t *testing.T) {
	_, ts := newTestServer(t)
	registerAndLogin(t, ts)

	resp, err := http.Get(ts.URL + "/auth/salt/u1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Salt string `json:"salt"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Salt != "ab" {
		t.Fatalf("salt = %q, want ab", out.Salt)
	}
}

func TestPathParamRejectsAbsoluteAndNULAndDotDot(t *testing.T) {
	cases := []string{"/etc/passwd", "notes/bad\x00name.md", "../escape.md", ""}
	for _, raw := range cases {
		req := httptest.NewRequest(http.MethodPut, "/api/files/x", nil)
		req.SetPathValue("path", raw)
		if _, err := pathParam(req); err == nil {
			t.Errorf("pathParam(%q): expected rejection, got none", raw)
		}
	}
}

func TestAPIKeyScopeEnforcedOnUpload(t *testing.T) {
	_, ts := newTestServer(t)
	token := registerAndLogin(t, ts)

	body, _ := json.Marshal(map[string]string{"name": "ci", "scope": "skills/*", "permissions": "readwrite"})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/keys", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var created struct {
		Secret string `json:"secret"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	payload := []byte("x")
	hash := contenthash.Sum(payload)
	putReq, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/files/other/a.md?expected_version=0&encrypted_hash="+hash, bytes.NewReader(payload))
	putReq.Header.Set("Authorization", "Bearer "+created.Secret)
	putResp, err := http.DefaultClient.Do(putReq)
	if err != nil {
		t.Fatal(err)
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (outside scope)", putResp.StatusCode)
	}
}
