package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/beamline-core/internal/auth"
)

// permissionFor picks the permission a request needs.
type permissionFor func(*http.Request) auth.Permission

func operatePermission(*http.Request) auth.Permission {
	return auth.PermDeviceOperate
}

// actionPermission lets observers abort while every other action needs
// operate rights.
func actionPermission(r *http.Request) auth.Permission {
	if strings.EqualFold(chi.URLParam(r, "action"), "abort") {
		return auth.PermDeviceAbort
	}
	return auth.PermDeviceOperate
}

// authorize checks the bearer token when auth is enabled. With auth
// disabled every request passes through untouched.
func (s *Server) authorize(perm permissionFor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !s.cfg.Auth.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := s.verifyBearer(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="beamline"`)
				writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
				return
			}

			need := perm(r)
			if !auth.HasPermission(claims.Role, need) {
				s.logger.Warn("operation forbidden",
					"subject", claims.Subject,
					"role", string(claims.Role),
					"permission", string(need),
					"path", r.URL.Path,
				)
				writeError(w, http.StatusForbidden, ErrCodeForbidden, auth.ErrForbidden.Error())
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) verifyBearer(r *http.Request) (*auth.Claims, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, auth.ErrTokenMissing
	}
	claims, err := auth.ParseToken(strings.TrimSpace(token), s.cfg.Auth.JWTSecret)
	if err != nil {
		if errors.Is(err, auth.ErrTokenInvalid) {
			return nil, auth.ErrTokenInvalid
		}
		return nil, err
	}
	return claims, nil
}

// callerFrom returns the subject of the verified token, or "" when the
// request was not authenticated.
func callerFrom(ctx context.Context) string {
	if c, ok := ctx.Value(ctxKeyClaims).(*auth.Claims); ok {
		return c.Subject
	}
	return ""
}
