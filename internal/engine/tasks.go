package engine

import (
	"context"
	"fmt"

	"github.com/bookgen/api/internal/concat"
	"github.com/bookgen/api/internal/content"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/recovery"
	"github.com/bookgen/api/internal/taskqueue"
	"github.com/bookgen/api/internal/validation"
)

// sectionPayload is the payload of a section generation task.
type sectionPayload struct {
	Character   string `json:"character"`
	File        string `json:"file"`
	TargetWords int    `json:"target_words"`
}

// sourcePayload is the payload of a source validation task.
type sourcePayload struct {
	Topic              string            `json:"topic"`
	Source             model.SourceInput `json:"source"`
	CheckAccessibility bool              `json:"check_accessibility"`
}

// chapterCheckPayload is the payload of a chapter validation task.
type chapterCheckPayload struct {
	Number int               `json:"number"`
	Body   string            `json:"body"`
	Config validation.Config `json:"config"`
}

func (e *Engine) registerTasks() {
	e.broker.Register(taskqueue.TaskGenerateChapter, e.handleGenerateChapter)
	e.broker.Register(taskqueue.TaskGenerateSection, e.handleGenerateSection)
	e.broker.Register(taskqueue.TaskValidateSource, e.handleValidateSource)
	e.broker.Register(taskqueue.TaskValidateChapter, e.handleValidateChapter)
}

func (e *Engine) handleGenerateChapter(ctx context.Context, t *taskqueue.Task) error {
	var req content.ChapterRequest
	if err := t.Bind(&req); err != nil {
		return err
	}
	ch, err := e.gen.GenerateChapter(ctx, req)
	if err != nil {
		return err
	}
	return t.SetResult(ch)
}

func (e *Engine) handleGenerateSection(ctx context.Context, t *taskqueue.Task) error {
	var p sectionPayload
	if err := t.Bind(&p); err != nil {
		return err
	}
	spec, ok := sectionSpec(p.File)
	if !ok {
		return recovery.Critical("generate section", fmt.Errorf("unknown section %q", p.File))
	}
	sec, err := e.gen.GenerateSection(ctx, p.Character, spec, p.TargetWords)
	if err != nil {
		return err
	}
	return t.SetResult(sec)
}

func (e *Engine) handleValidateSource(ctx context.Context, t *taskqueue.Task) error {
	var p sourcePayload
	if err := t.Bind(&p); err != nil {
		return err
	}
	return t.SetResult(e.sources.ValidateOne(ctx, p.Source, p.Topic, p.CheckAccessibility))
}

func (e *Engine) handleValidateChapter(_ context.Context, t *taskqueue.Task) error {
	var p chapterCheckPayload
	if err := t.Bind(&p); err != nil {
		return err
	}
	v, err := validation.New(p.Config)
	if err != nil {
		return recovery.Critical("validate chapter", err)
	}
	return t.SetResult(v.ValidateChapter(p.Number, p.Body))
}

func sectionSpec(file string) (concat.SectionSpec, bool) {
	for _, group := range [][]concat.SectionSpec{concat.FrontMatter, concat.BackMatter} {
		for _, spec := range group {
			if spec.File == file {
				return spec, true
			}
		}
	}
	return concat.SectionSpec{}, false
}

// runTask enqueues a task on the in-process broker, waits for it and
// decodes its result. A dead-lettered task returns its last error.
func runTask[T any](ctx context.Context, b *taskqueue.MemoryBroker, name string, payload any, opts ...taskqueue.Option) (T, error) {
	var out T
	info, err := b.Enqueue(ctx, name, payload, opts...)
	if err != nil {
		return out, fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	info, err = b.Await(ctx, info.ID)
	if err != nil {
		return out, err
	}
	if err := info.DecodeResult(&out); err != nil {
		return out, fmt.Errorf("failed to decode %s result: %w", name, err)
	}
	return out, nil
}
