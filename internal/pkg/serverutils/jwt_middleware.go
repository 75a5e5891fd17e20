package serverutils

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// LocalEmail is the fiber local holding the caller's verified e-mail.
const LocalEmail = "email"

func parseToken(tokenStr, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "invalid claims")
	}
	return claims, nil
}

func parseBearer(ctx *fiber.Ctx, secret string) (jwt.MapClaims, error) {
	authHeader := ctx.Get("Authorization")
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "missing token")
	}
	return parseToken(authHeader[7:], secret)
}

func emailClaim(claims jwt.MapClaims) string {
	email, _ := claims["email"].(string)
	return strings.ToLower(strings.TrimSpace(email))
}

// EmailFromToken validates a raw token and returns its e-mail claim.
// Browsers cannot set headers on a websocket handshake, so the report
// socket passes the token as a query parameter.
func EmailFromToken(tokenStr, secret string) (string, error) {
	claims, err := parseToken(tokenStr, secret)
	if err != nil {
		return "", err
	}
	return emailClaim(claims), nil
}

// OptionalJwtMiddleware sets LocalEmail from a valid bearer token. Requests
// without a token pass through anonymously; an invalid token is rejected.
// With an empty secret tokens are ignored.
func OptionalJwtMiddleware(secret string) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if secret == "" || ctx.Get("Authorization") == "" {
			return ctx.Next()
		}
		claims, err := parseBearer(ctx, secret)
		if err != nil {
			return err
		}
		if email := emailClaim(claims); email != "" {
			ctx.Locals(LocalEmail, email)
		}
		return ctx.Next()
	}
}

// Email returns the verified caller e-mail, or "".
func Email(ctx *fiber.Ctx) string {
	email, _ := ctx.Locals(LocalEmail).(string)
	return email
}
