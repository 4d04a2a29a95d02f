// Package response writes the JSON bodies shared by every musicgen route.
// Failures use one envelope, {"error": {"code", "message", "details"}};
// musicctl decodes the same type.
package response

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeServiceError    = "SERVICE_ERROR"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
)

var statusCodes = map[int]string{
	fiber.StatusBadRequest:          CodeValidationError,
	fiber.StatusUnauthorized:        CodeUnauthorized,
	fiber.StatusNotFound:            CodeNotFound,
	fiber.StatusConflict:            CodeConflict,
	fiber.StatusTooManyRequests:     CodeRateLimited,
	fiber.StatusServiceUnavailable:  CodeUnavailable,
	fiber.StatusInternalServerError: CodeServiceError,
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// CodeFor maps an HTTP status to its envelope code. Unlisted statuses
// report SERVICE_ERROR.
func CodeFor(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return CodeServiceError
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message, Details: details},
	})
}

func fail(c *fiber.Ctx, status int, message string) error {
	return Error(c, status, CodeFor(status), message, nil)
}

// ValidationError carries per-field messages in details.
func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return fail(c, fiber.StatusUnauthorized, message)
}

func NotFound(c *fiber.Ctx, message string) error {
	return fail(c, fiber.StatusNotFound, message)
}

// Conflict is a cancel on a task that already reached a terminal state.
func Conflict(c *fiber.Ctx, message string) error {
	return fail(c, fiber.StatusConflict, message)
}

// RateLimited sets Retry-After to the seconds left in the window, at least 1.
func RateLimited(c *fiber.Ctx, retryAfter time.Duration) error {
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
	return fail(c, fiber.StatusTooManyRequests, "Too many generation requests")
}

func ServiceError(c *fiber.Ctx, message string) error {
	return fail(c, fiber.StatusInternalServerError, message)
}

func Unavailable(c *fiber.Ctx, message string) error {
	return fail(c, fiber.StatusServiceUnavailable, message)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

// Accepted answers a submission that was queued but not yet run.
func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
