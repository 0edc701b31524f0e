package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"contextmate/internal/contenthash"
	cmerrors "contextmate/internal/errors"
	"contextmate/internal/log"
)

// Server wires the store, auth, hub, and rate limiter into an http.Handler.
type Server struct {
	store     *Store
	auth      *Auth
	hub       *Hub
	saltLimit *IPRateLimiter
	now       func() time.Time
}

// New builds a Server over store, signing session tokens with jwtSecret.
func New(store *Store, jwtSecret []byte) *Server {
	return &Server{
		store:     store,
		auth:      NewAuth(store, jwtSecret),
		hub:       NewHub(),
		saltLimit: NewSaltRateLimiter(),
		now:       time.Now,
	}
}

// Handler returns the top-level http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /auth/salt/{userId}", s.saltLimit.Middleware(http.HandlerFunc(s.handleSalt)))
	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)

	mux.HandleFunc("GET /auth/devices", s.withAuth(s.handleListDevices))
	mux.HandleFunc("POST /auth/devices", s.withAuth(s.handleRegisterDevice))
	mux.HandleFunc("DELETE /auth/devices/{deviceId}", s.withAuth(s.handleRevokeDevice))

	mux.HandleFunc("GET /api/files", s.withAuth(s.handleListFiles))
	mux.HandleFunc("PUT /api/files/{path...}", s.withAuth(s.handleUpload))
	mux.HandleFunc("GET /api/files/{path...}", s.withAuth(s.handleDownload))
	mux.HandleFunc("DELETE /api/files/{path...}", s.withAuth(s.handleDelete))

	mux.HandleFunc("GET /keys", s.withAuth(s.handleListKeys))
	mux.HandleFunc("POST /keys", s.withAuth(s.handleCreateKey))
	mux.HandleFunc("DELETE /keys/{keyId}", s.withAuth(s.handleRevokeKey))

	mux.HandleFunc("GET /audit-log", s.withAuth(s.handleAuditLog))

	mux.HandleFunc("GET /ws", s.withAuth(s.handleWS))

	return mux
}

type ctxKey int

const principalKey ctxKey = 0

func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request, Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Authenticate(r.Context(), r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r, p)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case cmerrors.Is(err, cmerrors.ErrNotFound):
		return http.StatusNotFound
	case cmerrors.Is(err, cmerrors.ErrAuthRejected):
		return http.StatusUnauthorized
	case cmerrors.Is(err, cmerrors.ErrVersionConflict):
		return http.StatusConflict
	case cmerrors.Is(err, cmerrors.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		var v *cmerrors.ValidationError
		if cmerrors.As(err, &v) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}

// --- auth ---

func (s *Server) handleSalt(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	salt, err := s.auth.Salt(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"salt": salt})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		req.UserID = id.String()
	}
	if err := s.auth.Register(r.Context(), req, s.now().UnixMilli()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": req.UserID})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AuthKeyHash string `json:"auth_key_hash"`
		DeviceID    string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token, encMasterKey, err := s.auth.Login(r.Context(), req.AuthKeyHash, req.DeviceID, s.now())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":                 token,
		"encrypted_master_key":  encMasterKey,
	})
}

// --- devices ---

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request, p Principal) {
	devices, err := s.store.ListDevices(r.Context(), p.UserID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request, p Principal) {
	var req struct {
		Name               string `json:"name"`
		PublicKey          string `json:"public_key"`
		EncryptedSettings  string `json:"encrypted_settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := uuid.NewRandom()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	d := Device{
		ID: id.String(), UserID: p.UserID, Name: req.Name, PublicKey: req.PublicKey,
		EncryptedSettings: req.EncryptedSettings, CreatedAt: s.now().UnixMilli(),
	}
	if err := s.store.CreateDevice(r.Context(), d); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request, p Principal) {
	deviceID := r.PathValue("deviceId")
	if err := s.store.DeleteDevice(r.Context(), p.UserID, deviceID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- files ---

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request, p Principal) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, cmerrors.NewValidationError("since", "not an integer"))
			return
		}
		since = parsed
	}
	records, err := s.store.ListFiles(r.Context(), p.UserID, since)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if !p.CanRead(rec.Path) {
			continue
		}
		out = append(out, map[string]any{
			"path": rec.Path, "version": rec.Version, "encrypted_hash": rec.EncryptedHash,
			"size": rec.Size, "updated_at": rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func pathParam(r *http.Request) (string, error) {
	raw := r.PathValue("path")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	if decoded == "" || strings.Contains(decoded, "..") {
		return "", cmerrors.ErrPathRejected
	}
	if strings.HasPrefix(decoded, "/") || strings.ContainsRune(decoded, 0) {
		return "", cmerrors.ErrPathRejected
	}
	return decoded, nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, p Principal) {
	path, err := pathParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !p.CanWrite(path) {
		writeError(w, http.StatusForbidden, cmerrors.ErrAuthRejected)
		return
	}

	expectedVersion, err := strconv.ParseInt(r.URL.Query().Get("expected_version"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, cmerrors.NewValidationError("expected_version", "not an integer"))
		return
	}
	encryptedHash := r.URL.Query().Get("encrypted_hash")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > maxUploadSize {
		writeError(w, http.StatusRequestEntityTooLarge, cmerrors.ErrPayloadTooLarge)
		return
	}
	if encryptedHash == "" || !contenthash.Equal(contenthash.Sum(body), encryptedHash) {
		writeError(w, http.StatusBadRequest, cmerrors.NewValidationError("encrypted_hash", "does not match body"))
		return
	}

	newVersion, err := s.store.Upload(r.Context(), p.UserID, path, body, encryptedHash, expectedVersion, s.now().UnixMilli())
	if err != nil {
		var conflict *ErrConflict
		if cmerrors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]int64{"current_version": conflict.Current})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}

	deviceID := r.Header.Get("X-Device-Id")
	s.hub.Broadcast(p.UserID, deviceID, ChangeMessage{Type: "file-updated", Path: path, Version: newVersion})
	size := int64(len(body))
	s.store.AppendAudit(r.Context(), p.UserID, "upload", path, &newVersion, &size, s.now().UnixMilli(), "")

	writeJSON(w, http.StatusOK, UploadResultDTO{Version: newVersion})
}

// UploadResultDTO is the JSON body returned by a successful upload.
type UploadResultDTO struct {
	Version int64 `json:"version"`
}

// maxUploadSize bounds a single file upload; callers retry smaller uploads
// server-side by splitting, which is out of scope here.
const maxUploadSize = 64 * 1024 * 1024

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, p Principal) {
	path, err := pathParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !p.CanRead(path) {
		writeError(w, http.StatusForbidden, cmerrors.ErrAuthRejected)
		return
	}
	data, rec, err := s.store.Download(r.Context(), p.UserID, path)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("X-Version", strconv.FormatInt(rec.Version, 10))
	w.Header().Set("X-Encrypted-Hash", rec.EncryptedHash)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, p Principal) {
	path, err := pathParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !p.CanWrite(path) {
		writeError(w, http.StatusForbidden, cmerrors.ErrAuthRejected)
		return
	}
	if err := s.store.Delete(r.Context(), p.UserID, path); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	deviceID := r.Header.Get("X-Device-Id")
	s.hub.Broadcast(p.UserID, deviceID, ChangeMessage{Type: "file-deleted", Path: path})
	s.store.AppendAudit(r.Context(), p.UserID, "delete", path, nil, nil, s.now().UnixMilli(), "")

	w.WriteHeader(http.StatusNoContent)
}

// --- api keys ---

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, p Principal) {
	keys, err := s.store.ListAPIKeys(r.Context(), p.UserID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request, p Principal) {
	var req struct {
		Name        string `json:"name"`
		Scope       string `json:"scope"`
		Permissions string `json:"permissions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	secret, err := NewAPIKeySecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	id, err := uuid.NewRandom()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	k := APIKey{
		ID: id.String(), UserID: p.UserID, Name: req.Name, KeyHash: HashAPIKeySecret(secret),
		Scope: req.Scope, Permissions: req.Permissions, CreatedAt: s.now().UnixMilli(),
	}
	if err := s.store.CreateAPIKey(r.Context(), k); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": k.ID, "secret": secret})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request, p Principal) {
	keyID := r.PathValue("keyId")
	if err := s.store.RevokeAPIKey(r.Context(), p.UserID, keyID, s.now().UnixMilli()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- audit log ---

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request, p Principal) {
	q := AuditQuery{Action: r.URL.Query().Get("action"), PathPrefix: r.URL.Query().Get("path_prefix")}
	if v := r.URL.Query().Get("since"); v != "" {
		q.Since, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err == nil {
			q.Limit = limit
		}
	}
	entries, err := s.store.QueryAudit(r.Context(), p.UserID, q)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- websocket ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, p Principal) {
	log.Info("notify: client connected", log.String("user_id", p.UserID))
	s.hub.ServeWS(w, r, p)
}
