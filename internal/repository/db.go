// Package repository holds the gorm repositories for jobs, biographies,
// chapters, sources and notification audit records.
package repository

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/profiler"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrJobLocked = errors.New("job is locked by another worker")
)

// Open connects to the database named by url. postgres:// and
// postgresql:// URLs use the postgres driver; sqlite://<path> and
// file: URLs use sqlite.
func Open(url string, quiet bool) (*gorm.DB, error) {
	dialector, err := dialectorFor(url)
	if err != nil {
		return nil, err
	}

	level := gormLogger.Warn
	if quiet {
		level = gormLogger.Silent
	}
	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := profiler.RegisterGormCallbacks(db); err != nil {
		return nil, fmt.Errorf("failed to register profiler callbacks: %w", err)
	}
	return db, nil
}

func dialectorFor(url string) (gorm.Dialector, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.Open(url), nil
	case strings.HasPrefix(url, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(url, "sqlite://")), nil
	case strings.HasPrefix(url, "file:"):
		return sqlite.Open(url), nil
	default:
		return nil, fmt.Errorf("unsupported database url %q", url)
	}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Biography{},
		&model.Job{},
		&model.Chapter{},
		&model.Source{},
		&model.NotificationRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Repositories bundles one repository per entity.
type Repositories struct {
	Jobs          *JobRepository
	Biographies   *BiographyRepository
	Chapters      *ChapterRepository
	Sources       *SourceRepository
	Notifications *NotificationRepository
}

func New(db *gorm.DB) *Repositories {
	return &Repositories{
		Jobs:          NewJobRepository(db),
		Biographies:   NewBiographyRepository(db),
		Chapters:      NewChapterRepository(db),
		Sources:       NewSourceRepository(db),
		Notifications: NewNotificationRepository(db),
	}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to get %s %s: %w", what, id, err)
}

func withUpdatedAt(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["updated_at"]; !ok {
		out["updated_at"] = time.Now().UTC()
	}
	return out
}
