package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/bookgen/api/internal/service"
	"github.com/bookgen/api/pkg/response"
)

type AdminHandler struct {
	service *service.BiographyService
}

func NewAdminHandler(svc *service.BiographyService) *AdminHandler {
	return &AdminHandler{service: svc}
}

// DeadLetters handles GET /api/v1/admin/dead-letters
func (h *AdminHandler) DeadLetters(c *fiber.Ctx) error {
	result, err := h.service.DeadLetters(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
