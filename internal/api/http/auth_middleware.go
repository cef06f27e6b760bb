package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.authenticate(extractToken(r))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withAuthUser(r.Context(), u)))
	})
}

func (s *Server) authenticate(token string) (*AuthUser, error) {
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	if strings.TrimSpace(s.auth.JWTSecret) == "" {
		return nil, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if s.auth.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.auth.JWTIssuer))
	}
	claims := &jwtClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.auth.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return nil, errors.New("subject claim required")
	}
	return &AuthUser{UserID: claims.Subject, Roles: claims.Roles}, nil
}

// requireSchedulerToken guards internal endpoints with a shared token whose
// bcrypt hash is configured.
func (s *Server) requireSchedulerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth.SchedulerTokenHash == "" {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "internal endpoints are disabled")
			return
		}
		token := extractToken(r)
		if token == "" || bcrypt.CompareHashAndPassword([]byte(s.auth.SchedulerTokenHash), []byte(token)) != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid scheduler token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if parts := strings.Fields(authz); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	// EventSource cannot set headers.
	if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/stream") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}
