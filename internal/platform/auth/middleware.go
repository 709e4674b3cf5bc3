package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
	ClinicIDKey  contextKey = "clinic_id"
)

// Claims are the bearer token claims this service reads. The subject is the
// user id.
type Claims struct {
	jwt.RegisteredClaims
	ClinicID string   `json:"clinic_id"`
	Roles    []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 validation instead of JWKS.
	SigningKey    []byte
	DefaultClinic string
	Skipper       middleware.Skipper
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var jwks *JWKSCache
	if len(cfg.SigningKey) == 0 {
		jwks = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL)
	}
	methods := []string{"RS256"}
	if len(cfg.SigningKey) > 0 {
		methods = []string{"HS256"}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			scheme, tokenStr, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tokenStr) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			keyfunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
			if jwks != nil {
				keyfunc = jwks.keyfunc(c.Request().Context())
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), claims, keyfunc, opts...)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			clinic := claims.ClinicID
			if clinic == "" {
				clinic = cfg.DefaultClinic
			}
			setPrincipal(c, claims.Subject, claims.Roles, clinic)
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts identity headers for local development:
// X-User-ID, X-User-Roles (comma separated) and X-Clinic-ID. Missing headers
// fall back to a "dev-user" admin in the default clinic.
func DevAuthMiddleware(defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			user := h.Get("X-User-ID")
			if user == "" {
				user = "dev-user"
			}
			roles := []string{"admin"}
			if r := h.Get("X-User-Roles"); r != "" {
				roles = nil
				for _, role := range strings.Split(r, ",") {
					if role = strings.TrimSpace(role); role != "" {
						roles = append(roles, role)
					}
				}
			}
			clinic := h.Get("X-Clinic-ID")
			if clinic == "" {
				clinic = defaultClinic
			}
			setPrincipal(c, user, roles, clinic)
			return next(c)
		}
	}
}

func setPrincipal(c echo.Context, user string, roles []string, clinic string) {
	ctx := WithPrincipal(c.Request().Context(), user, roles, clinic)
	c.SetRequest(c.Request().WithContext(ctx))
	c.Set("user_id", user)
}

// WithPrincipal stores the caller identity on ctx.
func WithPrincipal(ctx context.Context, user string, roles []string, clinic string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, user)
	ctx = context.WithValue(ctx, UserRolesKey, roles)
	return context.WithValue(ctx, ClinicIDKey, clinic)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

func ClinicFromContext(ctx context.Context) string {
	clinic, _ := ctx.Value(ClinicIDKey).(string)
	return clinic
}
