package handler

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/examgrader/internal/i18n"
)

// InstructorUser is the basic auth user name for instructor endpoints.
const InstructorUser = "instructor"

// requireInstructor guards instructor endpoints with HTTP basic auth when a
// password hash is configured. Without one the endpoints are open.
func (h *Handler) requireInstructor(next http.Handler) http.Handler {
	if h.config.InstructorPasswordHash == "" {
		return next
	}
	hash := []byte(h.config.InstructorPasswordHash)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(InstructorUser)) != 1 ||
			bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
			slog.Warn("instructor authentication failed", "path", r.URL.Path, "remote", r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="examgrader"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": appI18n.T(r.Context(), "Unauthorized")})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashPassword returns the bcrypt hash of an instructor password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
