package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bookgen/api/internal/client"
	"github.com/bookgen/api/internal/config"
	"github.com/bookgen/api/internal/repository"
)

type check struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) error
}

var checks = []check{
	{"config", func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	}},
	{"database", func(ctx context.Context, cfg *config.Config) error {
		db, err := repository.Open(cfg.Database.URL, true)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		defer sqlDB.Close()
		return sqlDB.PingContext(ctx)
	}},
	{"redis", func(ctx context.Context, cfg *config.Config) error {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		return rdb.Ping(ctx).Err()
	}},
	{"pandoc", func(_ context.Context, cfg *config.Config) error {
		return client.NewPandocExporter(client.PandocConfig{Path: cfg.Export.PandocPath}).Available()
	}},
	{"llm", func(ctx context.Context, cfg *config.Config) error {
		if cfg.LLM.APIKey == "" {
			return errors.New("LLM_API_KEY is not set")
		}
		return client.NewLLMClient(client.LLMConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout,
		}).HealthCheck(ctx)
	}},
	{"storage", func(ctx context.Context, cfg *config.Config) error {
		if !cfg.Storage.Enabled() {
			return nil
		}
		_, err := client.NewS3Client(ctx, client.StorageConfig{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			Bucket:          cfg.Storage.Bucket,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			PublicURL:       cfg.Storage.PublicURL,
		})
		return err
	}},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check configuration and connectivity",
	Long: `Validate the configuration and reach every backing service: the
database, Redis, the pandoc binary, the LLM endpoint and, when configured,
object storage. Each failed check is printed and the command exits 1.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		failed := 0
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			err := c.run(ctx, cfg)
			cancel()
			if err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "FAIL %-8s %v\n", c.name, err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", c.name)
		}
		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
