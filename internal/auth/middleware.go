package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/CharlesNg35/shellcn-sub007/internal/session"
)

type contextKey string

const viewerContextKey contextKey = "viewer"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// TokenFromRequest extracts a bearer token from the Authorization header or,
// for websocket upgrades from browsers, the token query parameter.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		if tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")); tok != "" {
			return tok, nil
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

// RequireViewer rejects requests without a valid token and stores the viewer
// in the request context.
func RequireViewer(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, err := TokenFromRequest(r)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}
			viewer, err := v.Verify(tok)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithViewer(r.Context(), viewer)))
		})
	}
}

// RequireAdmin must run after RequireViewer.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewer, ok := ViewerFrom(r.Context())
		if !ok || !viewer.IsAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin access required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WithViewer(ctx context.Context, viewer session.Viewer) context.Context {
	return context.WithValue(ctx, viewerContextKey, viewer)
}

func ViewerFrom(ctx context.Context) (session.Viewer, bool) {
	viewer, ok := ctx.Value(viewerContextKey).(session.Viewer)
	return viewer, ok
}
