package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"taxledger/internal/ledger"
	"taxledger/internal/log"
)

type ctxKey string

const sessionKey ctxKey = "session"

// Middleware rejects requests without a valid bearer token and stores the
// caller's ledger.Session in the request context. GET requests may pass
// the token as access_token instead, since EventSource cannot set
// headers.
func Middleware(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := bearerToken(r)
			if tokenStr == "" {
				unauthorized(w, "missing auth token")
				return
			}

			ownerID, err := tokens.ParseToken(tokenStr)
			if err != nil {
				log.FromContext(r.Context()).WarnContext(r.Context(), "Rejected bearer token",
					log.FieldError, err)
				unauthorized(w, "invalid token")
				return
			}

			ctx := WithSession(r.Context(), ledger.Session{OwnerID: ownerID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if r.Method == http.MethodGet {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="taxledger"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func WithSession(ctx context.Context, sess ledger.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext returns the request's session. A request that never
// passed Middleware gets an empty session, which the ledger rejects as
// unauthenticated.
func SessionFromContext(ctx context.Context) ledger.Session {
	sess, _ := ctx.Value(sessionKey).(ledger.Session)
	return sess
}
