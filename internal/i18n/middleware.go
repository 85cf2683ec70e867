package i18n

import "net/http"

// Middleware picks a localizer from the request's Accept-Language header,
// falling back to the default language.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loc := NewLocalizer(r.Header.Get("Accept-Language"))
		next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), loc)))
	})
}
