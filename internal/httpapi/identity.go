package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type userKey struct{}

func (s Server) userHeader() string {
	if s.UserHeader == "" {
		return "X-User-ID"
	}
	return s.UserHeader
}

// requireUser resolves the caller from the identity header set by the
// auth proxy, falling back to DefaultUser for single-user setups.
func (s Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.Header.Get(s.userHeader()))
		if user == "" {
			user = s.DefaultUser
		}
		if user == "" {
			writeErr(w, http.StatusUnauthorized, errors.New("Authentication required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(userKey{}).(string)
	return user
}
