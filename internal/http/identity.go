package httpapi

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the authenticated caller context. The edge proxy has
// already authenticated the request; this core trusts the headers and
// performs its own authorization checks per operation.
type Identity struct {
	UserID   string
	IsDriver bool
}

type identityKey struct{}

func identityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func (s *Server) identityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}
		id := Identity{
			UserID:   userID,
			IsDriver: strings.EqualFold(r.Header.Get("X-User-Driver"), "true"),
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
