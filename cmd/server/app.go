package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/bookgen/api/internal/client"
	"github.com/bookgen/api/internal/config"
	"github.com/bookgen/api/internal/engine"
	"github.com/bookgen/api/internal/logger"
	"github.com/bookgen/api/internal/notify"
	"github.com/bookgen/api/internal/observability"
	"github.com/bookgen/api/internal/parallel"
	"github.com/bookgen/api/internal/repository"
	"github.com/bookgen/api/internal/sources"
	"github.com/bookgen/api/internal/taskqueue"
	"github.com/bookgen/api/internal/validation"
	"github.com/bookgen/api/internal/worker"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	db       *gorm.DB
	repos    *repository.Repositories
	redis    *redis.Client
	metrics  *observability.Metrics
	sources  *sources.Validator
	fabric   *notify.Fabric
	llm      *client.LLMClient
	exporter *client.PandocExporter
	engine   *engine.Engine

	stopTracing func(context.Context) error
}

func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, log, nil
}

// newApp loads the configuration and wires the engine with its
// collaborators.
func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg, log: log, metrics: observability.NewMetrics()}
	a.stopTracing = observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.Otel.Enabled,
		ServiceName: cfg.Otel.ServiceName,
		Environment: cfg.Server.Env,
		Endpoint:    cfg.Otel.Endpoint,
		Insecure:    cfg.Otel.Insecure,
		SampleRatio: cfg.Otel.SampleRatio,
	})

	a.db, err = repository.Open(cfg.Database.URL, cfg.Server.Env == "production")
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(a.db); err != nil {
		return nil, err
	}
	a.repos = repository.New(a.db)

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		log.Warn("redis not available", "addr", cfg.Redis.Addr(), "error", err)
	}

	pool := parallel.NewExecutor(cfg.Engine.ParallelWorkers, log)
	a.sources = sources.NewValidator(
		sources.NewChecker(0, log),
		sources.NewRedisCache(a.redis, sources.VerdictTTL),
		pool, log,
	)

	a.fabric = notify.NewFabric(notify.FabricConfig{
		Callbacks: notify.NewCallbackClient(cfg.Callback.Timeout, log),
		Mailer: notify.NewEmailSender(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			User:     cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.FromEmail,
			StartTLS: cfg.SMTP.StartTLS,
		}, log),
		Limiter:  notify.NewRateLimiter(cfg.RateLimit.NotifyPerMinute, cfg.RateLimit.NotifyPerHour),
		Audit:    a.repos.Notifications,
		Recorder: a.metrics,
		BaseURL:  cfg.Server.BaseURL,
	}, log)

	var storage client.StorageClient
	if cfg.Storage.Enabled() {
		s3c, err := client.NewS3Client(ctx, client.StorageConfig{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			Bucket:          cfg.Storage.Bucket,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			PublicURL:       cfg.Storage.PublicURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to init storage: %w", err)
		}
		storage = s3c
	}

	a.llm = client.NewLLMClient(client.LLMConfig{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.Engine.MaxRetries,
	})
	if cfg.LLM.APIKey == "" {
		log.Warn("LLM_API_KEY is not set; generation calls will be rejected")
	}
	a.exporter = client.NewPandocExporter(client.PandocConfig{
		Path:         cfg.Export.PandocPath,
		TemplatePath: cfg.Export.WordTemplatePath,
	})

	root := cfg.Book.Root
	if cfg.Export.OutputDir != "" {
		root = cfg.Export.OutputDir
	}
	a.engine = engine.New(engine.Config{
		Root:            root,
		Chapters:        cfg.Book.ChaptersNumber,
		TotalWords:      cfg.Book.TotalWords,
		Validation:      validationConfig(cfg),
		ParallelWorkers: cfg.Engine.ParallelWorkers,
		MaxRetries:      cfg.Engine.MaxRetries,
		AlertTargets:    adminTargets(cfg),
	}, engine.Deps{
		Repos:    a.repos,
		LLM:      a.llm,
		Exporter: a.exporter,
		Storage:  storage,
		Notifier: a.fabric,
		Sources:  a.sources,
		Metrics:  a.metrics,
	}, log)

	return a, nil
}

func validationConfig(cfg *config.Config) validation.Config {
	v := validation.DefaultConfig().WithBook(cfg.Book.TotalWords, cfg.Book.ChaptersNumber)
	if cfg.Book.WordsPerChapter > 0 {
		v.WordsPerChapter = cfg.Book.WordsPerChapter
	}
	v.Tolerance = cfg.Validation.Tolerance
	v.MinAbsolute = cfg.Validation.MinAbsolute
	v.MaxAbsolute = cfg.Validation.MaxAbsolute
	return v
}

func adminTargets(cfg *config.Config) notify.Targets {
	return notify.Targets{Email: cfg.Admin.Email, CallbackURL: cfg.Admin.CallbackURL}
}

func (a *app) newBroker() *taskqueue.AsynqBroker {
	return taskqueue.NewAsynqBroker(taskqueue.AsynqConfig{
		Redis: asynq.RedisClientOpt{
			Addr:     a.cfg.Redis.Addr(),
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		},
		Concurrency: a.cfg.Engine.WorkerConcurrency,
		LogLevel:    a.cfg.Server.LogLevel,
		OnFinish: func(t *taskqueue.Task, err error) {
			a.metrics.ObserveTask(t.Queue, err)
		},
		OnDeadLetter: func(dl taskqueue.DeadLetter) {
			a.fabric.SendFailedTask(context.Background(), dl.ID, dl.Name, dl.Attempts, dl.LastError, adminTargets(a.cfg))
		},
	}, a.log)
}

// startWorkers registers the task handlers and serves the queues and the
// periodic jobs until ctx is done. The returned channel yields the result
// of the queue server.
func (a *app) startWorkers(ctx context.Context, broker *taskqueue.AsynqBroker) (<-chan error, error) {
	worker.NewBiographyWorker(a.engine, a.log).Register(broker)
	worker.NewMonitorWorker(broker, broker, a.metrics, a.fabric, adminTargets(a.cfg), a.log).Register(broker)

	sched, err := broker.Scheduler(taskqueue.DefaultPeriodicJobs)
	if err != nil {
		return nil, err
	}
	if err := sched.Start(); err != nil {
		return nil, fmt.Errorf("failed to start scheduler: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		err := broker.Run(ctx)
		sched.Shutdown()
		done <- err
	}()
	a.log.Info("queue workers started", "concurrency", a.cfg.Engine.WorkerConcurrency)
	return done, nil
}

func (a *app) close() {
	a.engine.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if a.stopTracing != nil {
		errs = append(errs, a.stopTracing(ctx))
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("shutdown incomplete", "error", err)
	}
	a.log.Sync()
}
