package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bookgen/api/internal/recovery"
)

// Exporter converts the assembled markdown into a word-processor document.
type Exporter interface {
	Export(ctx context.Context, markdownPath, outputPath string) error
}

type PandocConfig struct {
	Path         string
	TemplatePath string
}

// PandocExporter shells out to pandoc.
type PandocExporter struct {
	path     string
	template string
}

func NewPandocExporter(cfg PandocConfig) *PandocExporter {
	if cfg.Path == "" {
		cfg.Path = "pandoc"
	}
	return &PandocExporter{path: cfg.Path, template: cfg.TemplatePath}
}

func (e *PandocExporter) args(markdownPath, outputPath string) []string {
	args := []string{
		markdownPath,
		"--from", "markdown",
		"--output", outputPath,
		"--toc",
	}
	if e.template != "" {
		args = append(args, "--reference-doc", e.template)
	}
	return args
}

func (e *PandocExporter) Export(ctx context.Context, markdownPath, outputPath string) error {
	if _, err := os.Stat(markdownPath); err != nil {
		return recovery.E(recovery.KindFile, "export", err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return recovery.E(recovery.KindFile, "export", err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.path, e.args(markdownPath, outputPath)...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return recovery.E(recovery.KindTimeout, "export", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return recovery.E(recovery.KindFile, "export", fmt.Errorf("pandoc failed: %w", err))
	}
	return nil
}

// Available reports whether the pandoc binary can be found.
func (e *PandocExporter) Available() error {
	if _, err := exec.LookPath(e.path); err != nil {
		return fmt.Errorf("pandoc not found at %q: %w", e.path, err)
	}
	return nil
}
