package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/bookgen/api/internal/engine"
	"github.com/bookgen/api/internal/repository"
	"github.com/bookgen/api/internal/service"
	"github.com/bookgen/api/internal/workflow"
	"github.com/bookgen/api/pkg/response"
)

// respondError maps service and engine errors onto the error envelope.
func respondError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, repository.ErrNotFound):
		return response.NotFound(c, "Biography not found")
	case errors.Is(err, engine.ErrNotReady):
		return response.NotReady(c, "Job not completed yet")
	case errors.Is(err, service.ErrInvalidStatus):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, engine.ErrJobPaused),
		errors.Is(err, engine.ErrJobFinished),
		errors.Is(err, engine.ErrJobRunning),
		errors.Is(err, workflow.ErrNotPaused),
		errors.Is(err, workflow.ErrCannotPause),
		errors.Is(err, repository.ErrJobLocked),
		errors.Is(err, service.ErrBiographyRunning):
		return response.Conflict(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		details := make(map[string]string)
		for _, e := range validationErrors {
			details[e.Field()] = e.Tag()
		}
		return details
	}
	return nil
}
