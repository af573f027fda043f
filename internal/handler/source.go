package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/service"
	"github.com/bookgen/api/pkg/response"
)

type SourceHandler struct {
	service   *service.SourceService
	validator *validator.Validate
}

func NewSourceHandler(svc *service.SourceService, v *validator.Validate) *SourceHandler {
	return &SourceHandler{
		service:   svc,
		validator: v,
	}
}

// Validate handles POST /api/v1/sources/validate
func (h *SourceHandler) Validate(c *fiber.Ctx) error {
	var req model.SourceValidateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	return response.OK(c, h.service.Validate(c.Context(), &req))
}
