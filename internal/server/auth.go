package server

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"contextmate/internal/contenthash"
	cmerrors "contextmate/internal/errors"
	"contextmate/internal/util"
)

const sessionTokenTTL = 24 * time.Hour

// Permission is one of the access levels an API key can carry.
type Permission string

const (
	PermissionRead      Permission = "read"
	PermissionWrite     Permission = "write"
	PermissionReadWrite Permission = "readwrite"
)

// Principal identifies the caller a request was authenticated as, and what
// it's allowed to touch.
type Principal struct {
	UserID      string
	DeviceID    string // set for session-token auth, empty for API keys
	Scope       string // "*" for session tokens; the key's scope for API keys
	Permissions Permission
}

// CanRead reports whether the principal may read path.
func (p Principal) CanRead(path string) bool {
	return matchScope(p.Scope, path)
}

// CanWrite reports whether the principal may write path.
func (p Principal) CanWrite(path string) bool {
	if p.Permissions == PermissionRead {
		return false
	}
	return matchScope(p.Scope, path)
}

type sessionClaims struct {
	UserID   string `json:"uid"`
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// Auth issues and verifies session tokens and API keys against a Store.
type Auth struct {
	store     *Store
	jwtSecret []byte
}

// NewAuth builds an Auth bound to store, signing tokens with jwtSecret.
func NewAuth(store *Store, jwtSecret []byte) *Auth {
	return &Auth{store: store, jwtSecret: jwtSecret}
}

// GenerateSalt returns a fresh random salt for client-side Argon2id
// derivation, hex-encoded.
func GenerateSalt() (string, error) {
	b, err := util.RandomBytes(32)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	UserID             string `json:"user_id"`
	AuthKeyHash        string `json:"auth_key_hash"`
	Salt               string `json:"salt"`
	EncryptedMasterKey string `json:"encrypted_master_key"`
}

// Register creates a new account. The server never sees a passphrase or
// master key in the clear: authKeyHash is derived client-side from a key
// independent of the vault's encryption key, and encryptedMasterKey is
// opaque ciphertext the server only stores and returns.
func (a *Auth) Register(ctx context.Context, req RegisterRequest, now int64) error {
	if req.UserID == "" || req.AuthKeyHash == "" || req.Salt == "" {
		return cmerrors.NewValidationError("register", "missing required field")
	}
	return a.store.CreateUser(ctx, User{
		ID:                 req.UserID,
		AuthKeyHash:        req.AuthKeyHash,
		Salt:               req.Salt,
		EncryptedMasterKey: req.EncryptedMasterKey,
		CreatedAt:          now,
	})
}

// Login exchanges an authKeyHash for a session token and the user's
// encrypted master key, scoped to deviceID.
func (a *Auth) Login(ctx context.Context, authKeyHash, deviceID string, now time.Time) (token, encryptedMasterKey string, err error) {
	u, err := a.store.UserByAuthKeyHash(ctx, authKeyHash)
	if err != nil {
		return "", "", err
	}
	if u == nil {
		return "", "", cmerrors.ErrAuthRejected
	}

	claims := sessionClaims{
		UserID:   u.ID,
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.jwtSecret)
	if err != nil {
		return "", "", err
	}
	return signed, u.EncryptedMasterKey, nil
}

// Salt returns the registration salt for userID, used by a new device
// before it has credentials.
func (a *Auth) Salt(ctx context.Context, userID string) (string, error) {
	return a.store.SaltByUserID(ctx, userID)
}

// verifySessionToken parses and validates a session token, returning the
// Principal it grants (full scope, read-write).
func (a *Auth) verifySessionToken(tokenStr string) (Principal, error) {
	var claims sessionClaims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.jwtSecret, nil
	})
	if err != nil || !tok.Valid {
		return Principal{}, cmerrors.ErrAuthRejected
	}
	return Principal{UserID: claims.UserID, DeviceID: claims.DeviceID, Scope: "*", Permissions: PermissionReadWrite}, nil
}

// apiKeySecretPrefix tags issued key material so Authenticate can tell
// API keys and session tokens apart without a database round trip first.
const apiKeySecretPrefix = "cmk_"

// NewAPIKeySecret mints a fresh opaque key secret; HashAPIKeySecret is what
// gets stored.
func NewAPIKeySecret() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	raw := id[:]
	return apiKeySecretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIKeySecret returns the value stored in place of the raw secret.
func HashAPIKeySecret(secret string) string {
	return contenthash.Sum([]byte(secret))
}

func (a *Auth) verifyAPIKey(ctx context.Context, secret string) (Principal, error) {
	k, err := a.store.APIKeyByHash(ctx, HashAPIKeySecret(secret))
	if err != nil {
		return Principal{}, err
	}
	if k == nil {
		return Principal{}, cmerrors.ErrAuthRejected
	}
	return Principal{UserID: k.UserID, Scope: k.Scope, Permissions: Permission(k.Permissions)}, nil
}

// Authenticate extracts and verifies the bearer credential from r,
// returning the Principal it grants. The credential is normally carried in
// the Authorization header; WebSocket upgrade requests can't set custom
// headers from a browser, so Authenticate also accepts it via the "token"
// query parameter when no header is present.
func (a *Auth) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	credential, ok := bearerCredential(r)
	if !ok {
		return Principal{}, cmerrors.ErrAuthRejected
	}

	if strings.HasPrefix(credential, apiKeySecretPrefix) {
		return a.verifyAPIKey(ctx, credential)
	}
	return a.verifySessionToken(credential)
}

func bearerCredential(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix), true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}
