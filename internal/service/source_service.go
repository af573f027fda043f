package service

import (
	"context"
	"strings"

	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/sources"
)

// SourceService scores candidate research sources for a topic
type SourceService struct {
	validator *sources.Validator
	log       *logger.Logger
}

func NewSourceService(v *sources.Validator, log *logger.Logger) *SourceService {
	if log == nil {
		log = logger.Nop()
	}
	return &SourceService{
		validator: v,
		log:       log.With("component", "source_service"),
	}
}

// Validate returns one verdict per source, in request order
func (s *SourceService) Validate(ctx context.Context, req *model.SourceValidateRequest) *model.SourceValidateResponse {
	inputs := make([]model.SourceInput, len(req.Sources))
	for i, in := range req.Sources {
		in.URL = strings.TrimSpace(in.URL)
		in.Title = strings.TrimSpace(in.Title)
		inputs[i] = in
	}
	resp := s.validator.Validate(ctx, inputs, strings.TrimSpace(req.Topic), req.CheckAccessibility)
	return &resp
}
