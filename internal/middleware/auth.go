package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/musicgen/internal/auth"
	"github.com/makeasinger/musicgen/pkg/response"
)

type callerKey struct{}

// Caller is the authenticated submitter of a request. Its ID scopes the
// per-caller generate limit.
type Caller struct {
	UserID string
	Email  string
}

var (
	errNoBearer      = errors.New("invalid authorization header format")
	errNoTokenSource = errors.New("authentication not configured")
)

// AuthMiddleware accepts OIDC tokens checked against a JWKS, HMAC tokens
// signed by musicctl, or both.
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

// NewAuthMiddleware accepts tokens from the OIDC verifier, the HMAC secret,
// or both. Either may be empty.
func NewAuthMiddleware(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// Configured reports whether any token source is available.
func (m *AuthMiddleware) Configured() bool {
	return m.verifier != nil || m.jwtSecret != ""
}

// Authenticate rejects /api requests without a valid bearer token and
// stores the Caller for the rate limiter and handlers.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}
		token, err := bearerToken(header)
		if err != nil {
			return response.Unauthorized(c, "Invalid authorization header format")
		}

		caller, err := m.verify(token)
		switch {
		case errors.Is(err, errNoTokenSource):
			return response.Unauthorized(c, "Authentication not configured")
		case err != nil:
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals(callerKey{}, caller)
		return c.Next()
	}
}

func bearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", errNoBearer
	}
	return token, nil
}

// verify tries the OIDC verifier first and falls back to the HMAC secret.
func (m *AuthMiddleware) verify(token string) (Caller, error) {
	if !m.Configured() {
		return Caller{}, errNoTokenSource
	}

	var lastErr error
	if m.verifier != nil {
		claims, err := m.verifier.Validate(token)
		if err == nil {
			return Caller{UserID: claims.UserID, Email: claims.Email}, nil
		}
		lastErr = err
	}
	if m.jwtSecret != "" {
		claims, err := auth.ValidateLegacyToken(token, m.jwtSecret)
		if err == nil {
			return Caller{UserID: claims.UserID, Email: claims.Email}, nil
		}
		lastErr = err
	}
	return Caller{}, lastErr
}

// CallerFrom returns the caller stored by Authenticate.
func CallerFrom(c *fiber.Ctx) (Caller, bool) {
	caller, ok := c.Locals(callerKey{}).(Caller)
	return caller, ok
}

// GetUserID is the caller's id, or "" on unauthenticated routes.
func GetUserID(c *fiber.Ctx) string {
	caller, _ := CallerFrom(c)
	return caller.UserID
}
