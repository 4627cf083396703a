package auth

import (
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/commission-engine/internal/common"
	"github.com/noah-isme/commission-engine/internal/obs"
)

// RoleService is granted to callers authenticated with the service token.
const RoleService = "service"

// ServiceTokenHeader carries the shared secret of internal callers.
const ServiceTokenHeader = "X-Service-Token"

// Middleware wires bearer-token authentication into HTTP handlers.
type Middleware struct {
	Verifier *Verifier
}

// RequireAuth rejects requests without a valid bearer token and attaches the
// principal to the request context.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" || m.Verifier == nil {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		p, err := m.Verifier.Parse(token)
		if err != nil {
			zerolog.Ctx(r.Context()).Debug().Err(err).Msg("bearer token rejected")
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
			return
		}
		if !p.IsOperator() && p.AffiliateID == uuid.Nil {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "token carries no affiliate", nil)
			return
		}
		ctx := r.Context()
		obs.AnnotateLogger(ctx, "subject", p.Subject)
		if !p.IsOperator() {
			obs.AnnotateLogger(ctx, "affiliate_id", p.AffiliateID.String())
		}
		next.ServeHTTP(w, r.WithContext(common.WithPrincipal(ctx, p)))
	})
}

// RequireRole allows only principals carrying role. It must run after
// RequireAuth or ServiceToken.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := common.PrincipalFrom(r.Context())
			if !ok {
				common.WriteAppError(w, common.Unauthorized())
				return
			}
			if !p.HasRole(role) {
				common.WriteAppError(w, common.Forbidden())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServiceToken authenticates internal callers (the order system) against an
// argon2id hash of the shared token.
type ServiceToken struct {
	Hash    string
	Subject string
}

// HashServiceToken produces the value stored in ORDER_EVENTS_TOKEN_HASH.
func HashServiceToken(token string) (string, error) {
	return argon2id.CreateHash(token, argon2id.DefaultParams)
}

// Middleware implements the chi middleware signature.
func (s ServiceToken) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(ServiceTokenHeader))
		if token == "" {
			token = bearer(r)
		}
		if token == "" || s.Hash == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid service token", nil)
			return
		}
		match, err := argon2id.ComparePasswordAndHash(token, s.Hash)
		if err != nil || !match {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid service token", nil)
			return
		}
		subject := s.Subject
		if subject == "" {
			subject = "service:order-events"
		}
		obs.AnnotateLogger(r.Context(), "subject", subject)
		ctx := common.WithPrincipal(r.Context(), common.Principal{Subject: subject, Roles: []string{RoleService}})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
