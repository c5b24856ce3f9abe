package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/Iron-Ham/pipesearch/internal/errors"
	"github.com/Iron-Ham/pipesearch/internal/logging"
	"github.com/Iron-Ham/pipesearch/internal/session"
)

// Response is the JSON body of every API reply.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func success(message string, data any) Response {
	return Response{Success: true, Message: message, Data: data}
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	var fe *fiber.Error
	var nf *errors.NotFoundError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, errors.ErrConfiguration):
		return fiber.StatusBadRequest
	case errors.As(err, &nf):
		return fiber.StatusNotFound
	case errors.Is(err, session.ErrPipelineBusy):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

// errorHandler renders handler errors. Internal errors are logged and their
// details withheld unless they are marked user facing.
func errorHandler(logger *logging.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := StatusFor(err)
		body := Response{Message: err.Error()}

		var cfgErr *errors.ConfigurationError
		if errors.As(err, &cfgErr) {
			body.Field = cfgErr.Field
		}
		if code == fiber.StatusInternalServerError && !errors.IsUserFacing(err) {
			logger.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
			body.Message = "internal error"
		}
		return c.Status(code).JSON(body)
	}
}
