package serverutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type teapotError struct{}

func (teapotError) Error() string   { return "short and stout" }
func (teapotError) HTTPStatus() int { return http.StatusTeapot }

var errGone = errors.New("gone")

func init() {
	RegisterErrorStatus(errGone, http.StatusGone)
}

func errorApp(err error) *fiber.App {
	app := fiber.New()
	app.Use(ErrorHandlerMiddleware())
	app.Get("/", func(ctx *fiber.Ctx) error { return err })
	return app
}

func decodeError(t *testing.T, resp *http.Response) ErrorBody {
	t.Helper()
	var body ErrorBody
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

func TestErrorHandlerStatuses(t *testing.T) {
	type payload struct {
		Name string `validate:"required"`
	}
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{name: "status coder", err: fmt.Errorf("wrapped: %w", teapotError{}), status: http.StatusTeapot, msg: "wrapped: short and stout"},
		{name: "registered", err: fmt.Errorf("lookup: %w", errGone), status: http.StatusGone, msg: "lookup: gone"},
		{name: "fiber error", err: fiber.NewError(http.StatusUnauthorized, "missing token"), status: http.StatusUnauthorized, msg: "missing token"},
		{name: "validation", err: ValidateRequest(payload{}), status: http.StatusBadRequest},
		{name: "unexpected", err: errors.New("db exploded"), status: http.StatusInternalServerError, msg: "internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := errorApp(tt.err).Test(httptest.NewRequest(http.MethodGet, "/", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			body := decodeError(t, resp)
			assert.Equal(t, tt.status, body.Code)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, body.Error)
			}
		})
	}
}

func jwtApp(secret string) *fiber.App {
	app := fiber.New()
	app.Use(ErrorHandlerMiddleware())
	app.Use(OptionalJwtMiddleware(secret))
	app.Get("/", func(ctx *fiber.Ctx) error { return ctx.SendString(Email(ctx)) })
	return app
}

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestOptionalJwtMiddleware(t *testing.T) {
	app := jwtApp("s3cret")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, string(body))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, "s3cret", jwt.MapClaims{
		"email": " Mei@Example.com ",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}))
	resp, err = app.Test(req)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	assert.Equal(t, "mei@example.com", string(body))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, "other", jwt.MapClaims{"email": "x@y.z"}))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid token", decodeError(t, resp).Error)
}

func TestSuccessResponse(t *testing.T) {
	res := SuccessResponse("ok", map[string]int{"a": 1})
	assert.True(t, res.Success)
	assert.Equal(t, 200, res.Code)
	assert.Equal(t, 1, res.Data["a"])
}

func TestEmailFromToken(t *testing.T) {
	email, err := EmailFromToken(sign(t, "s3cret", jwt.MapClaims{"email": "A@B.C"}), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", email)

	_, err = EmailFromToken("garbage", "s3cret")
	assert.Error(t, err)
}
