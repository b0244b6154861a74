package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/golang-jwt/jwt/v5"

	"github.com/umputun/jobstats/app/store"
)

type contextKey string

const userContextKey contextKey = "user"

// tokenCookie is the cookie checked when no bearer header is present
const tokenCookie = "token"

// Claims of user tokens. Subject is the user id.
type Claims struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	jwt.RegisteredClaims
}

// authMiddleware puts the request user into context. Without a secret every request is the single user,
// otherwise the token is taken from the bearer header or the token cookie and the identity is synced.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.multiUser() {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, s.singleUser)))
			return
		}

		tokenString := bearerToken(r)
		if tokenString == "" {
			if cookie, err := r.Cookie(tokenCookie); err == nil {
				tokenString = cookie.Value
			}
		}
		if tokenString == "" {
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		claims, err := s.validateToken(tokenString)
		if err != nil {
			log.Printf("[DEBUG] rejected token from %s: %v", r.RemoteAddr, err)
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		user, err := s.ledger.SyncUser(r.Context(), store.User{ID: claims.Subject, FirstName: claims.FirstName,
			LastName: claims.LastName})
		if err != nil {
			s.writeError(w, err, "sync user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// validateToken checks signature, expiration and subject of the token
func (s *Server) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// userFromContext returns the request user set by authMiddleware
func userFromContext(ctx context.Context) (store.User, bool) {
	u, ok := ctx.Value(userContextKey).(store.User)
	return u, ok && u.ID != ""
}
