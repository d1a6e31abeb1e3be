package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	// JWKSURL is discovered from the issuer when empty.
	JWKSURL string
	// SigningKey is used for development/testing only
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

// jwksRefreshInterval is how often the key set is re-fetched in the
// background. Unknown key ids also trigger a refresh.
const jwksRefreshInterval = time.Hour

// Verifier validates operator bearer tokens.
type Verifier struct {
	cfg     JWTConfig
	keyFunc jwt.Keyfunc
	methods []string
}

// NewVerifier prepares token validation. With a SigningKey tokens are HMAC
// signed; otherwise keys come from the JWKS endpoint, refreshed until ctx is
// done.
func NewVerifier(ctx context.Context, cfg JWTConfig, logger zerolog.Logger) (*Verifier, error) {
	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		return &Verifier{
			cfg:     cfg,
			keyFunc: func(*jwt.Token) (interface{}, error) { return key, nil },
			methods: []string{jwt.SigningMethodHS256.Alg()},
		}, nil
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		if cfg.Issuer == "" {
			return nil, fmt.Errorf("auth: issuer or JWKS URL is required")
		}
		provider, err := NewOIDCProvider(cfg.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = provider.JWKSURI
	}

	override := keyfunc.Override{
		RefreshInterval: jwksRefreshInterval,
		RefreshErrorHandlerFunc: func(url string) func(context.Context, error) {
			return func(_ context.Context, err error) {
				logger.Error().Err(err).Str("url", url).Msg("failed to refresh JWKS")
			}
		},
		HTTPTimeout: 10 * time.Second,
	}
	jwks, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{jwksURL}, override)
	if err != nil {
		return nil, fmt.Errorf("auth: loading JWKS: %w", err)
	}
	return &Verifier{
		cfg:     cfg,
		keyFunc: jwks.Keyfunc,
		methods: []string{
			jwt.SigningMethodRS256.Alg(),
			jwt.SigningMethodRS384.Alg(),
			jwt.SigningMethodPS256.Alg(),
			jwt.SigningMethodES256.Alg(),
		},
	}, nil
}

// Parse validates a raw token and returns its claims.
func (v *Verifier) Parse(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keyFunc, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("auth: invalid token")
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// subject and roles on the request context.
func (v *Verifier) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if v.cfg.Skipper != nil && v.cfg.Skipper(c) {
				return next(c)
			}
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := v.Parse(strings.TrimSpace(parts[1]))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development that allows
// unauthenticated requests as an admin.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, UserIDKey, "dev-user")
			ctx = context.WithValue(ctx, UserRolesKey, []string{"admin"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
