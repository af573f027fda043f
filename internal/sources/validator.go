package sources

import (
	"context"
	"time"

	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/parallel"
	"github.com/bookgen/api/internal/profiler"
)

// Validator scores sources and, when asked, checks that their URLs answer.
type Validator struct {
	checker *Checker
	cache   Cache
	pool    *parallel.Executor
	log     *logger.Logger
	now     func() time.Time
}

// NewValidator builds a Validator. checker and cache may be nil.
func NewValidator(checker *Checker, cache Cache, pool *parallel.Executor, log *logger.Logger) *Validator {
	if log == nil {
		log = logger.Nop()
	}
	if pool == nil {
		pool = parallel.NewExecutor(parallel.DefaultWorkers, log)
	}
	return &Validator{
		checker: checker,
		cache:   cache,
		pool:    pool,
		log:     log.With("component", "sources"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ValidateOne returns the verdict for a single source. A cached verdict is
// reused when it answers the same question.
func (v *Validator) ValidateOne(ctx context.Context, in model.SourceInput, topic string, checkAccess bool) model.SourceVerdict {
	prof := profiler.FromContext(ctx)
	if v.cache != nil && in.URL != "" {
		entry, err := v.cache.Get(ctx, topic, in.URL)
		if err != nil {
			v.log.Warn("verdict cache read failed", "url", in.URL, "error", err)
		}
		if entry != nil && (!checkAccess || entry.Verdict.Accessible != nil) {
			prof.CacheHit()
			return entry.Verdict
		}
		prof.CacheMiss()
	}

	verdict := Score(in, topic)
	if checkAccess && in.URL != "" && v.checker != nil {
		ok, err := v.checker.Accessible(ctx, in.URL)
		verdict.Accessible = &ok
		if err != nil {
			verdict.Error = err.Error()
			verdict.Status = model.SourceStatusInaccessible
		}
	}

	if v.cache != nil && in.URL != "" && ctx.Err() == nil {
		if err := v.cache.Set(ctx, topic, in.URL, CacheEntry{Verdict: verdict, CachedAt: v.now()}); err != nil {
			v.log.Warn("verdict cache write failed", "url", in.URL, "error", err)
		}
	}
	return verdict
}

// Validate fans the sources out over the worker pool. Verdicts come back in
// input order.
func (v *Validator) Validate(ctx context.Context, inputs []model.SourceInput, topic string, checkAccess bool) model.SourceValidateResponse {
	verdicts, _ := parallel.Map(ctx, v.pool, inputs, func(ctx context.Context, in model.SourceInput) (model.SourceVerdict, error) {
		return v.ValidateOne(ctx, in, topic, checkAccess), nil
	})

	resp := model.SourceValidateResponse{Topic: topic, Total: len(inputs), Verdicts: verdicts}
	for _, vd := range verdicts {
		if vd.Status == model.SourceStatusValid {
			resp.Valid++
		} else {
			resp.Invalid++
		}
	}
	v.log.Info("sources validated", "topic", topic, "total", resp.Total, "valid", resp.Valid)
	return resp
}
