package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/chfs-io/chfs/internal/auth"
	"github.com/chfs-io/chfs/internal/config"
	"github.com/chfs-io/chfs/internal/metrics"
	"github.com/chfs-io/chfs/internal/quota"
	"github.com/chfs-io/chfs/internal/rules"
	"github.com/chfs-io/chfs/internal/storage"
	"github.com/chfs-io/chfs/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	server   *Server
	manager  *config.Manager
	auth     *auth.Service
	shareDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	shareDir := filepath.Join(root, "pub")
	require.NoError(t, os.MkdirAll(shareDir, 0755))

	configYAML := fmt.Sprintf(`
server:
  addr: 127.0.0.1
  port: 8080
shares:
  - name: pub
    path: %s
users:
  - name: alice
    pass: secret1
  - name: bob
    pass: secret2
  - name: reader
    pass: secret3
rules:
  - who: alice
    allow: [R, W, D]
    roots: ["*"]
    paths: ["/"]
    ip_allow: ["*"]
  - who: bob
    allow: [R, W, D]
    roots: ["*"]
    paths: ["/"]
    ip_allow: ["*"]
  - who: reader
    allow: [R]
    roots: ["*"]
    paths: ["/"]
    ip_allow: ["*"]
`, shareDir)

	configFile := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(configYAML), 0644))

	manager := config.NewManager(configFile, filepath.Join(root, "data"))
	_, err := manager.Load()
	require.NoError(t, err)

	getter := manager.GetConfigGetter()
	quotaManager := quota.NewManager()
	gateway := storage.NewGateway(getter, quotaManager)
	evaluator := rules.NewEvaluator(getter)
	transfers, err := transfer.NewStore(filepath.Join(root, "data", "direct_transfers"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	server := NewServer(nil, manager, gateway, evaluator, quotaManager, transfers, metrics.NewCollector(), mux)

	return &testEnv{
		server:   server,
		manager:  manager,
		auth:     auth.NewService(getter),
		shareDir: shareDir,
	}
}

// do performs a request as the given user (empty for anonymous) from a
// loopback address.
func (e *testEnv) do(t *testing.T, method, target, username string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:5555"
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if username != "" {
		cfg := e.manager.GetConfig()
		user := cfg.GetUser(username)
		require.NotNil(t, user, "unknown test user %s", username)
		req = req.WithContext(auth.WithPrincipal(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, method, target, username string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.do(t, method, target, username, bytes.NewReader(body), "application/json")
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile(fileField, filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

// fileFirstBody puts the file part before the text fields.
func fileFirstBody(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestSession(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "GET", "/api/session", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, CodeOK, resp.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "alice", data["user"])
	assert.Equal(t, []any{"pub"}, data["roots"])
}

func TestSession_Unauthenticated(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "GET", "/api/session", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="chfs"`, rec.Header().Get("WWW-Authenticate"))
}

func TestList(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.shareDir, "hello.txt"), []byte("hi"), 0644))

	rec := e.do(t, "GET", "/api/list?root=pub&path=", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeEnvelope(t, rec)
	data := resp.Data.(map[string]any)
	files := data["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "hello.txt", files[0].(map[string]any)["name"])
}

func TestList_UnknownShare(t *testing.T) {
	e := newTestEnv(t)

	// No rule grants access to an unconfigured root.
	rec := e.do(t, "GET", "/api/list?root=ghost", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMkdirRenameDelete(t *testing.T) {
	e := newTestEnv(t)

	rec := e.doJSON(t, "POST", "/api/mkdir", "alice", map[string]any{"root": "pub", "path": "docs"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.DirExists(t, filepath.Join(e.shareDir, "docs"))

	require.NoError(t, os.WriteFile(filepath.Join(e.shareDir, "docs", "a.txt"), []byte("x"), 0644))

	rec = e.doJSON(t, "POST", "/api/rename", "alice", map[string]any{"root": "pub", "path": "docs/a.txt", "newName": "b.txt"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.FileExists(t, filepath.Join(e.shareDir, "docs", "b.txt"))

	rec = e.doJSON(t, "POST", "/api/delete", "alice", map[string]any{"root": "pub", "paths": []string{"docs", "missing"}})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEnvelope(t, rec)
	data := resp.Data.(map[string]any)
	assert.Equal(t, []any{"docs"}, data["deleted"])
	assert.Equal(t, []any{"missing"}, data["failed"])
}

func TestWritesDeniedForReader(t *testing.T) {
	e := newTestEnv(t)

	rec := e.doJSON(t, "POST", "/api/mkdir", "reader", map[string]any{"root": "pub", "path": "docs"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Delete results are per-path; denied paths land in failed.
	rec = e.doJSON(t, "POST", "/api/delete", "reader", map[string]any{"root": "pub", "paths": []string{"x"}})
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec).Data.(map[string]any)
	assert.Empty(t, data["deleted"])
	assert.Equal(t, []any{"x"}, data["failed"])
}

func TestUpload(t *testing.T) {
	e := newTestEnv(t)

	body, contentType := multipartBody(t, map[string]string{"root": "pub", "path": "inbox"}, "file", "note.txt", "hello upload")
	rec := e.do(t, "POST", "/api/upload", "alice", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code)

	content, err := os.ReadFile(filepath.Join(e.shareDir, "inbox", "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello upload", string(content))

	// Re-uploading the same name conflicts.
	body, contentType = multipartBody(t, map[string]string{"root": "pub", "path": "inbox"}, "file", "note.txt", "again")
	rec = e.do(t, "POST", "/api/upload", "alice", body, contentType)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpload_FieldsMustPrecedeFile(t *testing.T) {
	e := newTestEnv(t)

	body, contentType := fileFirstBody(t, map[string]string{"root": "pub"}, "note.txt", "payload")
	rec := e.do(t, "POST", "/api/upload", "alice", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Msg, "precede the file part")
}

func TestDownload(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.shareDir, "data.txt"), []byte("0123456789"), 0644))

	rec := e.do(t, "GET", "/api/download?root=pub&path=data.txt", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="data.txt"`)

	req := httptest.NewRequest("GET", "/api/download?root=pub&path=data.txt", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("Range", "bytes=2-5")
	req = req.WithContext(auth.WithPrincipal(req.Context(), e.manager.GetConfig().GetUser("alice")))
	rec = httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
}

func TestDownload_EmptyFileRange(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.shareDir, "empty.txt"), nil, 0644))

	req := httptest.NewRequest("GET", "/api/download?root=pub&path=empty.txt", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	req.Header.Set("Range", "bytes=0-")
	req = req.WithContext(auth.WithPrincipal(req.Context(), e.manager.GetConfig().GetUser("alice")))
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0--1/0", rec.Header().Get("Content-Range"))
	assert.Empty(t, rec.Body.Bytes())
}

func TestRegister_Validation(t *testing.T) {
	e := newTestEnv(t)

	cases := []map[string]any{
		{"username": "ab", "password": "longenough", "confirmPassword": "longenough"},
		{"username": "carol", "password": "short", "confirmPassword": "short"},
		{"username": "carol", "password": "longenough", "confirmPassword": "different"},
	}
	for _, payload := range cases {
		rec := e.doJSON(t, "POST", "/api/register", "", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestRegister_RoundTrip(t *testing.T) {
	e := newTestEnv(t)

	rec := e.doJSON(t, "POST", "/api/register", "", map[string]any{
		"username": "carol", "password": "carolpw", "confirmPassword": "carolpw",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// The new user can authenticate immediately.
	user := e.auth.Authenticate("carol", "carolpw")
	require.NotNil(t, user)
	assert.True(t, user.Dynamic)

	// Duplicate registration conflicts.
	rec = e.doJSON(t, "POST", "/api/register", "", map[string]any{
		"username": "carol", "password": "carolpw", "confirmPassword": "carolpw",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// And the user shows up in the admin listing as dynamic.
	rec = e.do(t, "GET", "/api/admin/users", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	users := decodeEnvelope(t, rec).Data.(map[string]any)["users"].([]any)
	found := false
	for _, raw := range users {
		u := raw.(map[string]any)
		if u["name"] == "carol" {
			found = true
			assert.Equal(t, true, u["dynamic"])
		}
	}
	assert.True(t, found)
}

func TestAdmin_RequiresLoopback(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest("GET", "/api/admin/status", nil)
	req.RemoteAddr = "192.168.1.50:4444"
	req = req.WithContext(auth.WithPrincipal(req.Context(), e.manager.GetConfig().GetUser("alice")))
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminStatus(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "GET", "/api/admin/status", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeEnvelope(t, rec).Data.(map[string]any)
	server := data["server"].(map[string]any)
	assert.Equal(t, "127.0.0.1", server["host"])
	shares := data["shares"].([]any)
	require.Len(t, shares, 1)
	assert.Equal(t, "pub", shares[0].(map[string]any)["name"])
	assert.Contains(t, data, "metrics")
}

func TestAdminSetQuota(t *testing.T) {
	e := newTestEnv(t)

	rec := e.doJSON(t, "PUT", "/api/admin/shares/pub/quota", "alice", map[string]any{"quotaBytes": 1024})
	require.Equal(t, http.StatusOK, rec.Code)
	share := e.manager.GetConfig().GetShare("pub")
	require.NotNil(t, share)
	assert.Equal(t, int64(1024), share.QuotaBytes)

	// Zero clears the override.
	rec = e.doJSON(t, "PUT", "/api/admin/shares/pub/quota", "alice", map[string]any{"quota": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, e.manager.GetConfig().GetShare("pub").QuotaBytes)

	rec = e.doJSON(t, "PUT", "/api/admin/shares/ghost/quota", "alice", map[string]any{"quotaBytes": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminCustomURLs(t *testing.T) {
	e := newTestEnv(t)

	rec := e.doJSON(t, "PUT", "/api/admin/server/custom-urls", "alice", map[string]any{
		"urls": []string{"https://files.example.com", "https://files.example.com", "http://alt.example.com"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://files.example.com", "http://alt.example.com"},
		e.manager.GetConfig().CustomURLs)

	rec = e.doJSON(t, "PUT", "/api/admin/server/custom-urls", "alice", map[string]any{
		"urls": []string{"ftp://files.example.com"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDeleteUser(t *testing.T) {
	e := newTestEnv(t)

	rec := e.doJSON(t, "POST", "/api/register", "", map[string]any{
		"username": "carol", "password": "carolpw", "confirmPassword": "carolpw",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Never self.
	rec = e.do(t, "DELETE", "/api/admin/users/alice", "alice", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Static users cannot be removed.
	rec = e.do(t, "DELETE", "/api/admin/users/bob", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, "DELETE", "/api/admin/users/carol", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, e.manager.GetConfig().GetUser("carol"))
}

func TestDirectTransfer_Flow(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "GET", "/api/direct-transfer/recipients", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	recipients := decodeEnvelope(t, rec).Data.(map[string]any)["recipients"].([]any)
	assert.NotContains(t, recipients, "alice")
	assert.Contains(t, recipients, "bob")

	body, contentType := multipartBody(t, map[string]string{"recipient": "bob"}, "file", "gift.txt", "for bob")
	rec = e.do(t, "POST", "/api/direct-transfer/send", "alice", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code)
	sent := decodeEnvelope(t, rec).Data.(map[string]any)
	id := sent["id"].(string)
	require.Len(t, id, 12)

	rec = e.do(t, "GET", "/api/direct-transfer/list?direction=incoming", "bob", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	incoming := decodeEnvelope(t, rec).Data.(map[string]any)["transfers"].([]any)
	require.Len(t, incoming, 1)

	// Only the recipient may download.
	rec = e.do(t, "GET", "/api/direct-transfer/download/"+id, "alice", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, "GET", "/api/direct-transfer/download/"+id, "bob", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "for bob", rec.Body.String())

	// Delivered exactly once.
	rec = e.do(t, "GET", "/api/direct-transfer/download/"+id, "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDirectTransfer_SendValidation(t *testing.T) {
	e := newTestEnv(t)

	body, contentType := multipartBody(t, map[string]string{"recipient": "ghost"}, "file", "x.txt", "x")
	rec := e.do(t, "POST", "/api/direct-transfer/send", "alice", body, contentType)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body, contentType = multipartBody(t, map[string]string{"recipient": "alice"}, "file", "x.txt", "x")
	rec = e.do(t, "POST", "/api/direct-transfer/send", "alice", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, contentType = fileFirstBody(t, map[string]string{"recipient": "bob"}, "x.txt", "x")
	rec = e.do(t, "POST", "/api/direct-transfer/send", "alice", body, contentType)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeEnvelope(t, rec).Msg, "precede the file part")
}

func TestDirectTransfer_Cancel(t *testing.T) {
	e := newTestEnv(t)

	body, contentType := multipartBody(t, map[string]string{"recipient": "bob"}, "file", "x.txt", "x")
	rec := e.do(t, "POST", "/api/direct-transfer/send", "alice", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeEnvelope(t, rec).Data.(map[string]any)["id"].(string)

	rec = e.do(t, "DELETE", "/api/direct-transfer/"+id, "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeEnvelope(t, rec).Data.(map[string]any)["action"])
}

func TestEnvelopeShape(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "GET", "/api/list?root=pub", "", nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.NotEmpty(t, resp.Msg)
	assert.Nil(t, resp.Data)
}
