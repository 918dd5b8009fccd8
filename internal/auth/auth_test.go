package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, _ := UserFromContext(r.Context())
		w.Write([]byte(uid))
	})
}

func TestValidate_RoundTrip(t *testing.T) {
	a := New("secret", "betadame")
	tok, err := a.Issue("alice", []string{PermTrade}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c, err := a.Validate(tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.UserID != "alice" || !c.Has(PermTrade) || c.Has(PermOperator) {
		t.Errorf("unexpected claims %+v", c)
	}
}

func TestValidate_Rejects(t *testing.T) {
	a := New("secret", "betadame")

	expired, _ := a.Issue("alice", nil, -time.Minute)
	otherKey, _ := New("other", "betadame").Issue("alice", nil, time.Hour)
	otherIssuer, _ := New("secret", "someone-else").Issue("alice", nil, time.Hour)
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "alice"}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"expired":      expired,
		"wrong key":    otherKey,
		"wrong issuer": otherIssuer,
		"alg none":     none,
		"garbage":      "not.a.token",
	} {
		if _, err := a.Validate(tok); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestMiddleware(t *testing.T) {
	a := New("secret", "")
	h := a.Middleware(echoUser())

	tok, _ := a.Issue("bob", []string{PermTrade}, time.Hour)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "bob" {
		t.Errorf("expected 200 bob, got %d %q", w.Code, w.Body.String())
	}

	req = httptest.NewRequest("GET", "/", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad token, got %d", w.Code)
	}
}

func TestRequire(t *testing.T) {
	a := New("secret", "")
	h := a.Middleware(Require(PermOperator)(echoUser()))

	trader, _ := a.Issue("bob", []string{PermTrade}, time.Hour)
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+trader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	op, _ := a.Issue("ops", []string{PermOperator}, time.Hour)
	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+op)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	// Without the auth middleware the check is a no-op.
	w = httptest.NewRecorder()
	Require(PermOperator)(echoUser()).ServeHTTP(w, httptest.NewRequest("POST", "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 with auth disabled, got %d", w.Code)
	}
}
