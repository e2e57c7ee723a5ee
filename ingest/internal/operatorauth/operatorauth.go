// Package operatorauth guards the operator API (/api/v1/*) with HS256 bearer
// tokens issued by ingestctl. Device uploads never pass through it.
package operatorauth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/telhawk-systems/studyhawk/common/httputil"
)

const issuer = "studyhawk-ingest"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Claims scope an operator to Studies; an empty list means every study.
type Claims struct {
	Operator string   `json:"operator"`
	Studies  []string `json:"studies,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) AllowsStudy(studyID string) bool {
	return len(c.Studies) == 0 || slices.Contains(c.Studies, studyID)
}

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (ti *TokenIssuer) Issue(operator string, studies []string) (string, time.Time, error) {
	now := ti.now()
	expires := now.Add(ti.ttl)
	claims := Claims{
		Operator: operator,
		Studies:  studies,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	return signed, expires, err
}

func (ti *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return ti.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(ti.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Operator == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns nil when operator auth is disabled.
func ClaimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Require answers 401 unless the request carries a valid bearer token. A nil
// issuer disables the check.
func Require(ti *TokenIssuer, next http.Handler) http.Handler {
	if ti == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearer(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="studyhawk"`)
			httputil.WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := ti.Validate(raw)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="studyhawk", error="invalid_token"`)
			httputil.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func bearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}
