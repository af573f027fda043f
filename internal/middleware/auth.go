package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bookgen/api/pkg/response"
)

const issuer = "bookgen-api"

type AuthMiddleware struct {
	jwtSecret string
}

type UserClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: jwtSecret}
}

// Enabled reports whether a signing secret is configured.
func (m *AuthMiddleware) Enabled() bool {
	return m != nil && m.jwtSecret != ""
}

// Authenticate requires a valid bearer token. Without a configured secret
// no token can be valid, so every request is refused.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.Enabled() {
			return response.Unauthorized(c, "Authentication is not configured")
		}
		if c.Get("Authorization") == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}
		return m.verify(c)
	}
}

// Optional reads a bearer token when one is sent. Anonymous requests pass
// without a user id.
func (m *AuthMiddleware) Optional() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.Enabled() || c.Get("Authorization") == "" {
			return c.Next()
		}
		return m.verify(c)
	}
}

func (m *AuthMiddleware) verify(c *fiber.Ctx) error {
	parts := strings.SplitN(c.Get("Authorization"), " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return response.Unauthorized(c, "Invalid authorization header format")
	}

	token, err := jwt.ParseWithClaims(parts[1], &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(m.jwtSecret), nil
	})
	if err != nil {
		return response.Unauthorized(c, "Invalid or expired token")
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return response.Unauthorized(c, "Invalid token claims")
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}

	// Store user info in context
	c.Locals("userId", userID)
	c.Locals("email", claims.Email)
	c.Locals("claims", claims)

	return c.Next()
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts the token's email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}

// GenerateToken creates a new JWT token (useful for testing)
func (m *AuthMiddleware) GenerateToken(userID, email string) (string, error) {
	claims := UserClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  issuer,
			Subject: userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.jwtSecret))
}
