package serverutils

import (
	"errors"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// statusCoder is implemented by errors that carry their own HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

var (
	registryMu sync.RWMutex
	registry   []registeredError
)

type registeredError struct {
	target error
	status int
}

// RegisterErrorStatus maps every error matching target (errors.Is) to status.
// Errors implementing HTTPStatus take precedence.
func RegisterErrorStatus(target error, status int) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, registeredError{target: target, status: status})
}

// StatusOf resolves the HTTP status of err.
func StatusOf(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return fiber.StatusBadRequest
	}

	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, r := range registry {
		if errors.Is(err, r.target) {
			return r.status
		}
	}
	return fiber.StatusInternalServerError
}

func ErrorHandlerMiddleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		if err == nil {
			return nil
		}
		code := StatusOf(err)
		msg := err.Error()
		if code == fiber.StatusInternalServerError {
			msg = "internal server error"
		}
		return ctx.Status(code).JSON(ErrorResponse(code, msg))
	}
}
