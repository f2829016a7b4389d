package httpapi

import (
	"context"
	"log"
	"net/http"
	"strings"

	"learnhub-backend-go/internal/services"
)

type contextKey string

const ctxActor contextKey = "actor"

func requestCredentials(r *http.Request) services.Credentials {
	creds := services.Credentials{AdminToken: strings.TrimSpace(r.Header.Get("X-Admin-Token"))}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		creds.BearerToken = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return creds
}

// WithIdentity resolves the caller from the bearer token and/or admin token
// and stores the resulting actor in the request context.
func WithIdentity(resolver services.IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := resolver.Resolve(r.Context(), requestCredentials(r))
			if err != nil {
				if serr, ok := services.AsServiceError(err); ok && serr.Status == http.StatusUnauthorized {
					WriteError(w, http.StatusUnauthorized, "Authentication failed")
					return
				}
				log.Printf("[auth] resolve identity failed: %v", err)
				WriteError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			ctx := context.WithValue(r.Context(), ctxActor, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func CurrentActor(r *http.Request) (services.Actor, bool) {
	actor, ok := r.Context().Value(ctxActor).(services.Actor)
	return actor, ok
}

func RequireRole(role string) func(http.Handler) http.Handler {
	return RequireAnyRole(role)
}

func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := CurrentActor(r)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "Authentication failed")
				return
			}
			if !actor.HasAnyRole(roles...) {
				WriteError(w, http.StatusForbidden, "Not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
