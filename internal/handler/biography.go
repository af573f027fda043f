package handler

import (
	"mime"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/bookgen/api/internal/middleware"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/service"
	"github.com/bookgen/api/pkg/response"
)

type BiographyHandler struct {
	service   *service.BiographyService
	validator *validator.Validate
}

func NewBiographyHandler(svc *service.BiographyService, v *validator.Validate) *BiographyHandler {
	return &BiographyHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/v1/biographies/generate
func (h *BiographyHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if req.NotifyEmail == "" {
		req.NotifyEmail = middleware.GetUserEmail(c)
	}

	result, err := h.service.Generate(c.Context(), &req, middleware.GetUserID(c))
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// List handles GET /api/v1/biographies
func (h *BiographyHandler) List(c *fiber.Ctx) error {
	result, err := h.service.List(c.Context(), c.Query("status"), c.QueryInt("limit", service.DefaultListLimit))
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Status handles GET /api/v1/biographies/:job_id/status
func (h *BiographyHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), jobID)
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Download handles GET /api/v1/biographies/:job_id/download
func (h *BiographyHandler) Download(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	path, err := h.service.ArtifactPath(c.Context(), jobID)
	if err != nil {
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{
		"filename": filepath.Base(path),
	}))
	return c.SendFile(path)
}

// Pause handles POST /api/v1/biographies/:job_id/pause
func (h *BiographyHandler) Pause(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Pause(c.Context(), jobID)
	if err != nil {
		return respondError(c, err)
	}

	return response.OK(c, result)
}

// Resume handles POST /api/v1/biographies/:job_id/resume
func (h *BiographyHandler) Resume(c *fiber.Ctx) error {
	jobID := c.Params("job_id")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Resume(c.Context(), jobID)
	if err != nil {
		return respondError(c, err)
	}

	return response.Accepted(c, result)
}

// Delete handles DELETE /api/v1/biographies/:biography_id
func (h *BiographyHandler) Delete(c *fiber.Ctx) error {
	id := c.Params("biography_id")
	if id == "" {
		return response.ValidationError(c, "Biography ID is required", nil)
	}

	if err := h.service.Delete(c.Context(), id); err != nil {
		return respondError(c, err)
	}

	return response.NoContent(c)
}
