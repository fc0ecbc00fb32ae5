package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"log"
	"net/http"
	"strings"
)

// AdminKeyHeader carries the admin key when no bearer token is sent.
const AdminKeyHeader = "X-Admin-Key"

// AdminAuth guards world-mutating endpoints with a shared key. An empty key
// locks those endpoints entirely.
type AdminAuth struct {
	digest  [sha256.Size]byte
	enabled bool
}

func NewAdminAuth(key string) *AdminAuth {
	a := &AdminAuth{enabled: key != ""}
	if a.enabled {
		a.digest = sha256.Sum256([]byte(key))
	} else {
		log.Println("🔐 No admin key configured, admin endpoints disabled")
	}
	return a
}

// requestKey reads "Authorization: Bearer <key>" or the X-Admin-Key header.
func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get(AdminKeyHeader)
}

// Valid compares digests in constant time.
func (a *AdminAuth) Valid(r *http.Request) bool {
	if !a.enabled {
		return false
	}
	key := requestKey(r)
	if key == "" {
		return false
	}
	got := sha256.Sum256([]byte(key))
	return hmac.Equal(got[:], a.digest[:])
}

// Middleware answers 401 for requests without a valid key.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Valid(r) {
			RecordConnectionRejected("unauthorized")
			writeError(w, "admin authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
