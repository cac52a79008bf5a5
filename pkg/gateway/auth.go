package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Claims identifies the caller bound to a request's bearer token.
type Claims struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

const (
	issuer   = "controltower"
	audience = "controltower-api"
)

type claimsContextKey struct{}

// TokenSigner signs and validates the bearer tokens the gateway's auth
// middleware requires on every request.
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner constructs a signer. secret must be at least 32 bytes
// long, otherwise an error is returned; callers
// typically source it from an environment variable at process startup.
func NewTokenSigner(secret string) (*TokenSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("gateway: token secret must be at least 32 bytes")
	}
	return &TokenSigner{secret: []byte(secret)}, nil
}

// GenerateToken signs a token for userID/role with a 24h expiry.
func (s *TokenSigner) GenerateToken(userID, role string) (string, error) {
	now := time.Now().Unix()
	claims := Claims{
		UserID:    userID,
		Role:      role,
		Issuer:    issuer,
		Audience:  audience,
		ExpiresAt: now + 86400,
		IssuedAt:  now,
	}
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)

	signedPart := base64URLEncode(headerJSON) + "." + base64URLEncode(claimsJSON)
	return signedPart + "." + s.sign(signedPart), nil
}

// ValidateToken verifies signature, expiry, issuer, and audience.
func (s *TokenSigner) ValidateToken(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("gateway: malformed token")
	}

	signedPart := parts[0] + "." + parts[1]
	if s.sign(signedPart) != parts[2] {
		return nil, errors.New("gateway: invalid token signature")
	}

	claimsJSON, err := base64URLDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("gateway: decode claims: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("gateway: unmarshal claims: %w", err)
	}

	now := time.Now().Unix()
	if now > claims.ExpiresAt {
		return nil, errors.New("gateway: token expired")
	}
	if claims.Issuer != issuer || claims.Audience != audience {
		return nil, errors.New("gateway: token issuer/audience mismatch")
	}
	return &claims, nil
}

func (s *TokenSigner) sign(message string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))
	return base64URLEncode(h.Sum(nil))
}

func base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64URLDecode(data string) ([]byte, error) {
	if r := len(data) % 4; r > 0 {
		data += strings.Repeat("=", 4-r)
	}
	return base64.URLEncoding.DecodeString(data)
}

// authMiddleware rejects requests lacking a valid "Bearer <token>"
// Authorization header and injects the resolved Claims into the request
// context for downstream handlers.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.signer == nil {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "missing Authorization header", http.StatusUnauthorized)
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "expected 'Bearer <token>'", http.StatusUnauthorized)
			return
		}

		claims, err := a.signer.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext retrieves the caller's claims, set by authMiddleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}

// corsMiddleware allows the event-stream dashboard to be served from a
// different origin than the gateway.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
