package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/musicgen/internal/artifact"
	"github.com/makeasinger/musicgen/internal/model"
	"github.com/makeasinger/musicgen/internal/service"
	"github.com/makeasinger/musicgen/pkg/response"
)

const (
	maxMelodySize     = 20 << 20
	defaultHistoryLen = 20
	maxHistoryLen     = 100
)

type GenerateHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewGenerateHandler(svc *service.GenerationService, v *validator.Validate) *GenerateHandler {
	return &GenerateHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/generate
// Accepts JSON, or multipart/form-data with an optional "melody" file part
// and structured_input as a JSON object string.
func (h *GenerateHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		if err := parseMultipart(c, &req); err != nil {
			return response.ValidationError(c, err.Error(), nil)
		}
	} else if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	req.ApplyAliases()

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.UserContext(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

func parseMultipart(c *fiber.Ctx, req *model.GenerateRequest) error {
	req.FreeInput = c.FormValue("free_input")
	req.Prompt = c.FormValue("prompt")

	for field, dst := range map[string]*int{
		"duration":        &req.Duration,
		"repeat_count":    &req.RepeatCount,
		"num_generations": &req.NumGenerations,
	} {
		raw := c.FormValue(field)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s must be an integer", field)
		}
		*dst = n
	}

	if raw := c.FormValue("structured_input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.StructuredInput); err != nil {
			return fmt.Errorf("structured_input must be a JSON object of strings")
		}
	}

	file, err := c.FormFile("melody")
	if err != nil {
		// Melody is optional.
		return nil
	}
	if file.Size > maxMelodySize {
		return fmt.Errorf("melody exceeds %d bytes", maxMelodySize)
	}
	f, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to read melody")
	}
	defer f.Close()
	req.Melody, err = io.ReadAll(io.LimitReader(f, maxMelodySize+1))
	if err != nil {
		return fmt.Errorf("failed to read melody")
	}
	return nil
}

// Status handles GET /api/task/:taskId
func (h *GenerateHandler) Status(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.service.Status(c.UserContext(), taskID)
	if err != nil {
		return taskError(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/task/:taskId/cancel
func (h *GenerateHandler) Cancel(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.service.Cancel(c.UserContext(), taskID)
	if err != nil {
		return taskError(c, err)
	}
	return response.OK(c, result)
}

// Stream handles GET /api/stream/:taskId
func (h *GenerateHandler) Stream(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	rc, size, name, err := h.service.OpenTaskAudio(c.UserContext(), taskID)
	if err != nil {
		return taskError(c, err)
	}
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", name))
	return sendAudio(c, rc, size)
}

// Download handles GET /download/:fileName
func (h *GenerateHandler) Download(c *fiber.Ctx) error {
	name := c.Params("fileName")
	rc, size, err := h.service.OpenFile(c.UserContext(), name)
	if err != nil {
		return taskError(c, err)
	}
	c.Attachment(name)
	return sendAudio(c, rc, size)
}

func sendAudio(c *fiber.Ctx, rc io.ReadCloser, size int64) error {
	c.Set(fiber.HeaderContentType, artifact.ContentType)
	if size >= 0 {
		return c.SendStream(rc, int(size))
	}
	return c.SendStream(rc)
}

// History handles GET /api/tasks/history?limit=N
func (h *GenerateHandler) History(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistoryLen)
	if limit <= 0 || limit > maxHistoryLen {
		return response.ValidationError(c, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLen), nil)
	}

	result, err := h.service.History(c.UserContext(), limit)
	if err != nil {
		return taskError(c, err)
	}
	return response.OK(c, result)
}

func taskError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrTaskNotFound):
		return response.NotFound(c, "Task not found")
	case errors.Is(err, service.ErrTaskFinished):
		return response.Conflict(c, "Task already finished")
	case errors.Is(err, service.ErrAudioNotReady):
		return response.NotFound(c, "Audio not ready")
	case errors.Is(err, artifact.ErrInvalidName):
		return response.ValidationError(c, "Invalid file name", nil)
	case errors.Is(err, artifact.ErrNotFound):
		return response.NotFound(c, "File not found")
	case errors.Is(err, service.ErrHistoryDisabled):
		return response.Unavailable(c, "Task history is not enabled")
	default:
		return response.ServiceError(c, err.Error())
	}
}
