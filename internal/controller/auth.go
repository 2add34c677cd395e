package controller

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Authorization failures, mapped to 401 and 403 by the middleware.
var (
	errNoCredentials  = errors.New("missing or malformed authorization header")
	errBadCredentials = errors.New("invalid token")
)

// Authorizer decides whether a request may proceed. The static token
// implementation is the only one today; the seam exists so a richer
// policy can slot in without touching handlers.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// TokenAuthorizer checks a static bearer token. An empty configured
// token disables the check entirely, which only makes sense on a
// loopback or otherwise fenced-off deployment.
type TokenAuthorizer struct {
	token string
}

func NewTokenAuthorizer(token string, log zerolog.Logger) *TokenAuthorizer {
	if token == "" {
		log.Warn().Msg("No API token configured, all requests will be accepted")
	}
	return &TokenAuthorizer{token: token}
}

func (a *TokenAuthorizer) Authorize(r *http.Request) error {
	if a.token == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	bearer, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || bearer == "" {
		return errNoCredentials
	}
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(a.token)) != 1 {
		return errBadCredentials
	}
	return nil
}

// requireAuth rejects unauthorized requests before they reach handlers.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch err := s.auth.Authorize(r); {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, errNoCredentials):
			s.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			s.writeError(w, http.StatusForbidden, err.Error())
		}
	})
}
