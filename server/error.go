package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"
)

const internalErrorMessage = "internal server error"

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error Error `json:"error"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorHandler renders failed requests as ErrorResponse. Handlers report expected failures, such as a tick
// that is not retained, as fiber errors; anything else is logged with its stack and hidden from the caller.
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := internalErrorMessage

	var e *fiber.Error
	if errors.As(err, &e) {
		code, msg = e.Code, e.Message
	} else {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg(eris.ToString(err, true))
	}
	return c.Status(code).JSON(ErrorResponse{Error: Error{Code: code, Message: msg}})
}
