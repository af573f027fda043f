package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/bookgen/api/internal/client"
	"github.com/bookgen/api/internal/concat"
	"github.com/bookgen/api/internal/content"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/parallel"
	"github.com/bookgen/api/internal/recovery"
	"github.com/bookgen/api/internal/repository"
	"github.com/bookgen/api/internal/statemachine"
	"github.com/bookgen/api/internal/taskqueue"
	"github.com/bookgen/api/internal/validation"
	"github.com/bookgen/api/internal/workflow"
)

func (e *Engine) registerPhases(rt *runtime) {
	phases := []workflow.Phase{
		{
			State:             statemachine.Initialized,
			Name:              "initialize",
			Description:       "Prepare the job and its working directories",
			EstimatedDuration: 5 * time.Second,
			Execute:           e.initialize(rt),
		},
		{
			State:             statemachine.SourcesValidating,
			Name:              "validate_sources",
			Description:       "Score and check the submitted sources",
			EstimatedDuration: time.Minute,
			Execute:           e.validateSources(rt),
		},
		{
			State:             statemachine.ContentGenerating,
			Name:              "generate_content",
			Description:       "Write chapters and front and back matter",
			EstimatedDuration: 30 * time.Minute,
			Execute:           e.generateContent(rt),
		},
		{
			State:             statemachine.ChaptersValidating,
			Name:              "validate_chapters",
			Description:       "Check chapter length and quality",
			EstimatedDuration: 2 * time.Minute,
			Execute:           e.validateChapters(rt),
		},
		{
			State:             statemachine.Concatenating,
			Name:              "concatenate",
			Description:       "Assemble the manuscript",
			EstimatedDuration: time.Minute,
			Execute:           e.concatenate(rt),
		},
		{
			State:             statemachine.Exporting,
			Name:              "export",
			Description:       "Convert the manuscript to a Word document",
			EstimatedDuration: 2 * time.Minute,
			Execute:           e.export(rt),
		},
	}
	for _, p := range phases {
		p.Execute = e.guard(rt, p.Execute)
		rt.workflow.Register(p)
	}

	rt.recovery.RegisterRollback(statemachine.ChaptersValidating, func(ctx context.Context, _ string, _ map[string]any) error {
		var errs []error
		for _, n := range rt.metadata().InvalidChapters {
			errs = append(errs, e.gen.RemoveChapter(rt.character, n))
		}
		return errors.Join(errs...)
	})
	rt.recovery.RegisterRollback(statemachine.Concatenating, func(context.Context, string, map[string]any) error {
		return removeIfExists(e.layout.MarkdownPath(rt.character))
	})
	rt.recovery.RegisterRollback(statemachine.Exporting, func(context.Context, string, map[string]any) error {
		return removeIfExists(e.layout.WordPath(rt.character))
	})
}

// guard stops a phase before it starts when the job was paused from
// another process.
func (e *Engine) guard(rt *runtime, fn workflow.Executor) workflow.Executor {
	return func(ctx context.Context) (map[string]any, error) {
		job, err := e.repos.Jobs.GetByID(ctx, rt.jobID)
		if err == nil && job.Status == model.JobStatusPaused && rt.machine.Current() != statemachine.Paused {
			if err := rt.machine.ForceTransition(statemachine.Paused, map[string]any{"reason": "pause requested"}); err == nil {
				return map[string]any{"skipped": true}, nil
			}
		}
		return fn(ctx)
	}
}

func (e *Engine) initialize(rt *runtime) workflow.Executor {
	return func(ctx context.Context) (map[string]any, error) {
		job, err := e.repos.Jobs.GetByID(ctx, rt.jobID)
		if err != nil {
			return nil, recovery.E(recovery.KindDatabase, "initialize", err)
		}
		if job.StartedAt == nil {
			if err := e.repos.Jobs.UpdateFields(ctx, rt.jobID, map[string]any{"started_at": e.now()}); err != nil {
				return nil, recovery.E(recovery.KindDatabase, "initialize", err)
			}
		}
		if err := e.repos.Biographies.UpdateFields(ctx, rt.biographyID, map[string]any{
			"status": model.JobStatusRunning,
			"job_id": rt.jobID,
		}); err != nil {
			return nil, recovery.E(recovery.KindDatabase, "initialize", err)
		}

		dirs := []string{
			e.layout.ChaptersDir(rt.character),
			e.layout.SectionsDir(rt.character),
			e.layout.ResearchDir(rt.character),
			e.layout.ControlDir(rt.character),
		}
		for _, dir := range dirs {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, recovery.E(recovery.KindFile, "initialize", err)
			}
		}
		return map[string]any{
			"directory":   e.layout.CharacterDir(rt.character),
			"chapters":    rt.opts.Chapters,
			"total_words": rt.opts.TotalWords,
		}, nil
	}
}

func (e *Engine) validateSources(rt *runtime) workflow.Executor {
	return func(ctx context.Context) (map[string]any, error) {
		urls := rt.opts.Sources
		if len(urls) == 0 {
			if rt.opts.MinSources > 0 {
				return nil, recovery.E(recovery.KindValidation, "validate sources",
					fmt.Errorf("no sources supplied, %d required", rt.opts.MinSources))
			}
			return map[string]any{"sources": 0}, nil
		}

		tasks := make([]parallel.Task[model.SourceVerdict], len(urls))
		ids := make([]string, len(urls))
		for i, url := range urls {
			payload := sourcePayload{
				Topic:              rt.character,
				Source:             model.SourceInput{URL: url},
				CheckAccessibility: true,
			}
			ids[i] = url
			tasks[i] = func(ctx context.Context) (model.SourceVerdict, error) {
				return runTask[model.SourceVerdict](ctx, e.broker, taskqueue.TaskValidateSource, payload)
			}
		}
		results, summary := parallel.Validate(ctx, e.pool, tasks, ids)

		valid := 0
		for _, r := range results {
			if r.Err != nil {
				continue
			}
			if r.Value.Status == model.SourceStatusValid {
				valid++
			}
			if err := e.saveSource(ctx, rt, r.Value); err != nil {
				return nil, err
			}
		}
		e.saveMeta(ctx, rt, func(m *model.JobMetadata) { m.ValidSources = valid })

		if valid < rt.opts.MinSources {
			return nil, recovery.E(recovery.KindValidation, "validate sources",
				fmt.Errorf("%d valid sources, %d required", valid, rt.opts.MinSources))
		}
		return map[string]any{
			"sources": len(urls),
			"valid":   valid,
			"failed":  summary.Failed,
		}, nil
	}
}

// saveSource records a verdict. Source URLs are unique across
// biographies; a URL owned by another biography is left untouched.
func (e *Engine) saveSource(ctx context.Context, rt *runtime, v model.SourceVerdict) error {
	fields := map[string]any{
		"title":             v.Title,
		"relevance_score":   v.RelevanceScore,
		"credibility_score": v.CredibilityScore,
		"validation_status": v.Status,
	}
	existing, err := e.repos.Sources.GetByURL(ctx, v.URL)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		url, bio := v.URL, rt.biographyID
		src := &model.Source{
			BiographyID:      &bio,
			URL:              &url,
			Title:            v.Title,
			RelevanceScore:   v.RelevanceScore,
			CredibilityScore: v.CredibilityScore,
			ValidationStatus: v.Status,
			SourceType:       model.SourceTypeWeb,
		}
		if err := e.repos.Sources.InsertMany(ctx, []*model.Source{src}); err != nil {
			return recovery.E(recovery.KindDatabase, "save source", err)
		}
	case err != nil:
		return recovery.E(recovery.KindDatabase, "save source", err)
	case existing.BiographyID != nil && *existing.BiographyID == rt.biographyID:
		if err := e.repos.Sources.UpdateFields(ctx, existing.ID, fields); err != nil {
			return recovery.E(recovery.KindDatabase, "save source", err)
		}
	default:
		e.log.Debug("source belongs to another biography", "url", v.URL, "job_id", rt.jobID)
	}
	return nil
}

// generated is the result of one content task.
type generated struct {
	Chapter *content.Chapter
	Section *content.Section
}

func (e *Engine) generateContent(rt *runtime) workflow.Executor {
	return func(ctx context.Context) (map[string]any, error) {
		target := rt.opts.WordsPerChapter()
		invalid := rt.metadata().InvalidChapters

		var tasks []parallel.Task[generated]
		var ids []string
		addChapter := func(req content.ChapterRequest) {
			ids = append(ids, "chapter-"+strconv.Itoa(req.Number))
			tasks = append(tasks, func(ctx context.Context) (generated, error) {
				ch, err := runTask[content.Chapter](ctx, e.broker, taskqueue.TaskGenerateChapter, req)
				if err != nil {
					return generated{}, err
				}
				return generated{Chapter: &ch}, nil
			})
		}

		if len(invalid) > 0 {
			for _, n := range invalid {
				req := content.ChapterRequest{Character: rt.character, Number: n, Total: rt.opts.Chapters, TargetWords: target}
				if ch, err := e.repos.Chapters.GetByNumber(ctx, rt.biographyID, n); err == nil {
					req.PreviousWords = ch.WordCount
				}
				addChapter(req)
			}
		} else {
			have, err := e.writtenChapters(ctx, rt)
			if err != nil {
				return nil, err
			}
			for n := 1; n <= rt.opts.Chapters; n++ {
				if have[n] {
					continue
				}
				addChapter(content.ChapterRequest{
					Character:   rt.character,
					Number:      n,
					Total:       rt.opts.Chapters,
					TargetWords: target,
					Sources:     rt.opts.Sources,
				})
			}

			sectionTargets := content.SectionTargets(rt.opts.TotalWords)
			for _, spec := range slices.Concat(concat.FrontMatter, concat.BackMatter) {
				if fileExists(e.layout.SectionPath(rt.character, spec.File)) {
					continue
				}
				payload := sectionPayload{Character: rt.character, File: spec.File, TargetWords: sectionTargets[spec.File]}
				ids = append(ids, spec.File)
				tasks = append(tasks, func(ctx context.Context) (generated, error) {
					sec, err := runTask[content.Section](ctx, e.broker, taskqueue.TaskGenerateSection, payload)
					if err != nil {
						return generated{}, err
					}
					return generated{Section: &sec}, nil
				})
			}
		}

		results, summary := parallel.Validate(ctx, e.pool, tasks, ids)

		var chapters []*model.Chapter
		var firstErr error
		sections := 0
		for _, r := range results {
			switch {
			case r.Err != nil:
				if firstErr == nil {
					firstErr = r.Err
				}
			case r.Value.Chapter != nil:
				ch := r.Value.Chapter
				chapters = append(chapters, &model.Chapter{
					BiographyID: rt.biographyID,
					Number:      ch.Number,
					Title:       ch.Title,
					Body:        ch.Body,
				})
			case r.Value.Section != nil:
				sections++
			}
		}
		if err := e.repos.Chapters.InsertMany(ctx, chapters); err != nil {
			return nil, recovery.E(recovery.KindDatabase, "save chapters", err)
		}

		if firstErr != nil {
			return nil, fmt.Errorf("%d of %d generation tasks failed: %w", summary.Failed, summary.Total, firstErr)
		}
		if len(invalid) > 0 {
			e.saveMeta(ctx, rt, func(m *model.JobMetadata) { m.InvalidChapters = nil })
		}
		return map[string]any{
			"chapters_written": len(chapters),
			"sections_written": sections,
			"regenerated":      len(invalid),
		}, nil
	}
}

// writtenChapters reports which chapters are stored with their file on disk.
func (e *Engine) writtenChapters(ctx context.Context, rt *runtime) (map[int]bool, error) {
	stored, err := e.repos.Chapters.ListByBiography(ctx, rt.biographyID)
	if err != nil {
		return nil, recovery.E(recovery.KindDatabase, "list chapters", err)
	}
	have := make(map[int]bool, len(stored))
	for _, ch := range stored {
		if fileExists(e.layout.ChapterPath(rt.character, ch.Number)) {
			have[ch.Number] = true
		}
	}
	return have, nil
}

func (e *Engine) validateChapters(rt *runtime) workflow.Executor {
	return func(ctx context.Context) (map[string]any, error) {
		cfg := e.cfg.Validation.WithBook(rt.opts.TotalWords, rt.opts.Chapters)
		if rt.opts.QualityThreshold > 0 {
			cfg.MinQuality = rt.opts.QualityThreshold
		}

		stored, err := e.repos.Chapters.ListByBiography(ctx, rt.biographyID)
		if err != nil {
			return nil, recovery.E(recovery.KindDatabase, "list chapters", err)
		}
		present := make(map[int]bool, len(stored))
		tasks := make([]parallel.Task[validation.Result], 0, len(stored))
		ids := make([]string, 0, len(stored))
		for _, ch := range stored {
			if ch.Number > rt.opts.Chapters {
				continue
			}
			present[ch.Number] = true
			payload := chapterCheckPayload{Number: ch.Number, Body: ch.Body, Config: cfg}
			ids = append(ids, "chapter-"+strconv.Itoa(ch.Number))
			tasks = append(tasks, func(ctx context.Context) (validation.Result, error) {
				return runTask[validation.Result](ctx, e.broker, taskqueue.TaskValidateChapter, payload)
			})
		}

		results, _ := parallel.Validate(ctx, e.pool, tasks, ids)
		verdicts := make([]validation.Result, 0, len(results))
		for _, r := range results {
			if r.Err != nil {
				return nil, fmt.Errorf("failed to validate %s: %w", r.ID, r.Err)
			}
			verdicts = append(verdicts, r.Value)
			e.metrics.ObserveQuality(r.Value.QualityScore)
		}
		summary := validation.Summarize(verdicts)

		invalid := append([]int(nil), summary.InvalidChapters...)
		for n := 1; n <= rt.opts.Chapters; n++ {
			if !present[n] {
				invalid = append(invalid, n)
			}
		}
		slices.Sort(invalid)

		out := map[string]any{
			"valid":           summary.Valid,
			"invalid":         len(invalid),
			"total_words":     summary.TotalWords,
			"average_quality": summary.AverageQuality,
		}
		if len(invalid) > 0 {
			e.saveMeta(ctx, rt, func(m *model.JobMetadata) { m.InvalidChapters = invalid })
			return out, recovery.E(recovery.KindValidation, "validate chapters",
				fmt.Errorf("%d of %d chapters failed validation: %v", len(invalid), rt.opts.Chapters, invalid))
		}
		return out, nil
	}
}

func (e *Engine) concatenate(rt *runtime) workflow.Executor {
	return func(ctx context.Context) (map[string]any, error) {
		svc := concat.NewService(concat.Config{
			Root:            e.cfg.Root,
			Chapters:        rt.opts.Chapters,
			WordsPerChapter: rt.opts.WordsPerChapter(),
			SectionTargets:  content.SectionTargets(rt.opts.TotalWords),
		}, e.log)

		res, err := svc.ConcatenateChapters(ctx, rt.character, rt.opts.Chapters)
		if err != nil {
			return nil, err
		}
		chronology := res.ChronologyValid
		e.saveMeta(ctx, rt, func(m *model.JobMetadata) {
			m.OutputPath = res.OutputPath
			m.Coherence = res.Metrics.CoherenceScore
			m.ChronologyValid = &chronology
		})
		return map[string]any{
			"output_path":          res.OutputPath,
			"total_words":          res.Metrics.TotalWords,
			"coherence_score":      res.Metrics.CoherenceScore,
			"chronology_valid":     res.ChronologyValid,
			"redundancies_removed": res.RedundanciesRemoved,
			"missing":              len(res.Missing),
		}, nil
	}
}

func (e *Engine) export(rt *runtime) workflow.Executor {
	return func(ctx context.Context) (map[string]any, error) {
		if e.exporter == nil {
			e.log.Warn("no exporter configured, keeping markdown output", "job_id", rt.jobID)
			return map[string]any{"skipped": true}, nil
		}
		input := rt.metadata().OutputPath
		if input == "" {
			input = e.layout.MarkdownPath(rt.character)
		}
		output := e.layout.WordPath(rt.character)
		if err := e.exporter.Export(ctx, input, output); err != nil {
			return nil, err
		}

		out := map[string]any{"export_path": output}
		downloadURL := ""
		if e.storage != nil {
			url, err := e.upload(ctx, rt, output)
			if err != nil {
				return nil, err
			}
			downloadURL = url
			out["download_url"] = url
		}
		e.saveMeta(ctx, rt, func(m *model.JobMetadata) {
			m.ExportPath = output
			if downloadURL != "" {
				m.DownloadURL = downloadURL
			}
		})
		return out, nil
	}
}

// upload stores the exported document and returns a signed link to it,
// falling back to the public link.
func (e *Engine) upload(ctx context.Context, rt *runtime, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", recovery.E(recovery.KindFile, "upload artifact", err)
	}
	defer f.Close()

	key := client.ArtifactKey(concat.NormalizeName(rt.character), rt.jobID, path)
	if _, err := e.storage.Upload(ctx, key, f, client.ContentTypeFor(path)); err != nil {
		return "", recovery.E(recovery.KindNetwork, "upload artifact", err)
	}
	url, err := e.storage.GetSignedURL(ctx, key, e.cfg.URLExpiry)
	if err != nil {
		e.log.Warn("failed to sign artifact url", "key", key, "error", err)
		return e.storage.GetPublicURL(key), nil
	}
	return url, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
