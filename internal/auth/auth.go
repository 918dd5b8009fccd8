// Package auth is the engine's boundary to the user-authentication
// collaborator. It verifies HS256 bearer tokens and exposes the
// authenticated user id to handlers; the engine never manages credentials.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
)

// Permissions carried in tokens.
const (
	PermTrade    = "trade"
	PermOperator = "operator"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims represents the JWT claims structure.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
}

// Has reports whether the claims grant perm.
func (c *Claims) Has(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

// Authenticator validates tokens signed with a shared secret.
type Authenticator struct {
	secret []byte
	issuer string
}

// New creates an Authenticator. issuer may be empty to accept any issuer.
func New(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token. The engine only verifies tokens; Issue exists for
// operators and tests.
func (a *Authenticator) Issue(userID string, perms []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID:      userID,
		Permissions: perms,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate verifies a token's signature, expiry and issuer.
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, errors.Join(ErrInvalidToken, errors.New("token has no user id"))
	}
	return claims, nil
}

type ctxKey struct{}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFromContext returns the claims set by Middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

// UserFromContext returns the authenticated user id.
func UserFromContext(ctx context.Context) (string, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return "", false
	}
	return c.UserID, true
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const op = "auth.Middleware"
		header := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(raw) == "" {
			writeError(w, errs.Wrap(errs.Unauthorized, op, ErrMissingToken))
			return
		}
		claims, err := a.Validate(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, &errs.Error{Kind: errs.Unauthorized, Op: op, Msg: "invalid or expired token", Err: err})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// Require rejects authenticated requests whose token lacks perm. Requests
// that passed no Middleware (auth disabled) are let through.
func Require(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c, ok := ClaimsFromContext(r.Context()); ok && !c.Has(perm) {
				writeError(w, errs.Field(errs.Forbidden, "auth.Require", "permission", perm, "token lacks permission"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(errs.KindOf(err)))
	json.NewEncoder(w).Encode(map[string]errs.Payload{"error": errs.ToPayload(err)})
}
