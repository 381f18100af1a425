package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("UNAUTHENTICATED")
	ErrForbidden    = errors.New("FORBIDDEN")
	ErrUpstream     = errors.New("AUTH_UPSTREAM_ERROR")
)

const (
	PermRead  = "read"
	PermWrite = "write"
)

// Identity 某个用户在某个文档上的身份
type Identity struct {
	UserID      string   `json:"userId"`
	Username    string   `json:"username,omitempty"`
	Permissions []string `json:"permissions"`
}

func (i Identity) Can(perm string) bool {
	return slices.Contains(i.Permissions, perm)
}

// Validator 校验 token 并给出对 docID 的权限；docID 为空时只校验身份
type Validator interface {
	Validate(ctx context.Context, token, docID string) (Identity, error)
}

type Claims struct {
	UserID   string   `json:"sub"`
	Username string   `json:"username"`
	Type     string   `json:"typ"`
	Perms    []string `json:"perms,omitempty"`
	// 为空表示不限文档
	Docs []string `json:"docs,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator 本地校验 HS256 token，和 auth-service 共用密钥
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	if secret == "" {
		secret = "dev-secret"
	}
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Sign(claims Claims, ttl time.Duration) (string, error) {
	if claims.Type == "" {
		claims.Type = "access"
	}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(v.secret)
}

func (v *JWTValidator) Validate(ctx context.Context, token, docID string) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Type != "access" || claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: access token required", ErrUnauthorized)
	}
	if docID != "" && len(claims.Docs) > 0 && !slices.Contains(claims.Docs, docID) {
		return Identity{}, ErrForbidden
	}
	perms := claims.Perms
	if len(perms) == 0 {
		perms = []string{PermRead, PermWrite}
	}
	return Identity{UserID: claims.UserID, Username: claims.Username, Permissions: perms}, nil
}

type verifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"`
}

type verifyErrResp struct {
	Error string `json:"error"`
}

// RemoteValidator 调用 auth-service 的 /v1/auth/verify。
// auth-service 不区分文档，通过校验的用户对所有文档可读写。
type RemoteValidator struct {
	client    *http.Client
	verifyURL string
	timeout   time.Duration
}

// baseURL 不要带路径，例如 http://localhost:3001
func NewRemoteValidator(baseURL string, timeout time.Duration) *RemoteValidator {
	if timeout <= 0 {
		timeout = 1200 * time.Millisecond
	}
	return &RemoteValidator{
		client:    &http.Client{},
		verifyURL: strings.TrimRight(baseURL, "/") + "/v1/auth/verify",
		timeout:   timeout,
	}
}

func (v *RemoteValidator) Validate(ctx context.Context, token, docID string) (Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Identity{}, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// 包含超时：context deadline exceeded
		return Identity{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return Identity{}, fmt.Errorf("%w: %s", ErrUnauthorized, e.Error)
	default:
		return Identity{}, fmt.Errorf("%w: verify status %d", ErrUpstream, resp.StatusCode)
	}

	var claims verifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: invalid verify response", ErrUpstream)
	}
	if claims.Type != "" && claims.Type != "access" {
		return Identity{}, fmt.Errorf("%w: access token required", ErrUnauthorized)
	}
	return Identity{
		UserID:      strconv.FormatUint(claims.UserID, 10),
		Username:    claims.Username,
		Permissions: []string{PermRead, PermWrite},
	}, nil
}

// ExtractToken Authorization: Bearer 优先；浏览器的 WebSocket 不能带 header，退回 ?token=
func ExtractToken(r *http.Request) string {
	if t := extractBearer(r.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
