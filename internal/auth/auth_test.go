package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	ts := NewTokenService(testSecret, time.Hour)

	token, exp, err := ts.GenerateToken("alice")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expiry %v should be in the future", exp)
	}
	owner, err := ts.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if owner != "alice" {
		t.Errorf("owner = %q, want alice", owner)
	}
}

func TestParseTokenRejects(t *testing.T) {
	ts := NewTokenService(testSecret, time.Hour)
	good, _, _ := ts.GenerateToken("alice")

	expired := NewTokenService(testSecret, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _, _ := expired.GenerateToken("alice")

	other, _, _ := NewTokenService("ffffffffffffffffffffffffffffffff", time.Hour).GenerateToken("alice")

	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  issuer,
		Subject: "alice",
	}).SignedString([]byte(testSecret))

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not.a.token"},
		{"truncated", good[:len(good)-4]},
		{"expired", old},
		{"wrong secret", other},
		{"alg none", none},
		{"no expiry", noExp},
		{"no subject", noSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ts.ParseToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ParseToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestGenerateTokenRequiresOwner(t *testing.T) {
	if _, _, err := NewTokenService(testSecret, time.Hour).GenerateToken("  "); !errors.Is(err, ErrEmptyOwner) {
		t.Errorf("GenerateToken() error = %v, want ErrEmptyOwner", err)
	}
}

func TestMiddleware(t *testing.T) {
	ts := NewTokenService(testSecret, time.Hour)
	token, _, _ := ts.GenerateToken("alice")

	var seen string
	h := Middleware(ts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SessionFromContext(r.Context()).OwnerID
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		method     string
		target     string
		header     string
		wantStatus int
		wantOwner  string
	}{
		{"bearer header", http.MethodPost, "/api/expenses", "Bearer " + token, http.StatusNoContent, "alice"},
		{"query token on GET", http.MethodGet, "/api/expenses/stream?access_token=" + token, "", http.StatusNoContent, "alice"},
		{"query token ignored on POST", http.MethodPost, "/api/expenses?access_token=" + token, "", http.StatusUnauthorized, ""},
		{"missing token", http.MethodGet, "/api/expenses", "", http.StatusUnauthorized, ""},
		{"bad token", http.MethodGet, "/api/expenses", "Bearer nope", http.StatusUnauthorized, ""},
		{"basic scheme", http.MethodGet, "/api/expenses", "Basic YWxpY2U6cHc=", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if seen != tt.wantOwner {
				t.Errorf("owner = %q, want %q", seen, tt.wantOwner)
			}
			if tt.wantStatus == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestSessionFromContextWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := SessionFromContext(req.Context()).Owner(); err == nil {
		t.Error("empty session should be unauthenticated")
	}
}
