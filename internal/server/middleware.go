package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/backoffice/internal/actorcontext"
	"github.com/smallbiznis/backoffice/internal/authorization"
	"github.com/smallbiznis/backoffice/pkg/errs"
	"go.uber.org/zap"
)

const contextActorKey = "actor"

var errForbidden = errs.Security("forbidden", "actor is not allowed to perform this action")

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// adminClaims is the token shape issued by the back office login.
type adminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AuthRequired verifies the bearer token and stores the admin actor on the
// request context.
func (s *Server) AuthRequired() gin.HandlerFunc {
	secret := []byte(s.cfg.AuthJWTSecret)
	issuer := s.cfg.AuthJWTIssuer
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(raw) == "" || len(secret) == 0 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		opts := []jwt.ParserOption{
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		}
		if issuer != "" {
			opts = append(opts, jwt.WithIssuer(issuer))
		}

		claims := &adminClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		}, opts...)
		if err != nil || !token.Valid {
			s.log.Debug("rejected bearer token", zap.Error(err))
			AbortWithError(c, ErrUnauthorized)
			return
		}

		subject := strings.TrimSpace(claims.Subject)
		if subject == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := actorcontext.Actor{
			Type: actorcontext.ActorTypeAdmin,
			ID:   subject,
			Role: strings.ToLower(strings.TrimSpace(claims.Role)),
		}
		c.Set(contextActorKey, actor)
		c.Request = c.Request.WithContext(actorcontext.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

// RequirePermission checks the casbin policy for routes whose service call
// does not carry an actor.
func (s *Server) RequirePermission(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFrom(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			if isAuthzDenied(err) {
				AbortWithError(c, errForbidden)
				return
			}
			AbortWithError(c, errs.Persistence("authorization check failed", err))
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) (actorcontext.Actor, bool) {
	if v, ok := c.Get(contextActorKey); ok {
		if actor, ok := v.(actorcontext.Actor); ok {
			return actor, true
		}
	}
	return actorcontext.ActorFromContext(c.Request.Context())
}

func isAuthzDenied(err error) bool {
	return errors.Is(err, authorization.ErrForbidden) ||
		errors.Is(err, authorization.ErrInvalidRole) ||
		errors.Is(err, authorization.ErrInvalidActor)
}

func noRoute(c *gin.Context) {
	c.JSON(http.StatusNotFound, errorResponse{Error: errorPayload{Type: "not_found", Message: "not found"}})
}
