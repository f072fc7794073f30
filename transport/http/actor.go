package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/clinicflow/sales-core/internal/domain"
)

type actorCtxKey struct{}

// actorMiddleware stands in for the identity provider boundary
// collaborator (§6): in production this reads a verified session/JWT and
// attaches the resolved actor; here it trusts X-Actor-Id/X-Actor-Roles,
// which a real deployment would terminate at an auth proxy in front of
// this service.
func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := domain.Actor{ID: r.Header.Get("X-Actor-Id")}
		if roles := r.Header.Get("X-Actor-Roles"); roles != "" {
			for _, role := range strings.Split(roles, ",") {
				actor.Roles = append(actor.Roles, domain.Role(strings.TrimSpace(role)))
			}
		}
		ctx := context.WithValue(r.Context(), actorCtxKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) domain.Actor {
	if a, ok := ctx.Value(actorCtxKey{}).(domain.Actor); ok {
		return a
	}
	return domain.Actor{}
}
