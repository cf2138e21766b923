// Package seed imports server configurations and task definitions from a
// YAML file at startup. Seeding is declarative and idempotent: entries are
// upserted by name, so a redeploy with the same file changes nothing and an
// edited file converges the store to it.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rowbridge-io/rowbridge/internal/config"
	"github.com/rowbridge-io/rowbridge/internal/dbconn"
	"github.com/rowbridge-io/rowbridge/internal/taskstore"
)

type (
	// Store is the slice of the task store seeding writes through.
	Store interface {
		UpsertServerConfig(ctx context.Context, cfg *dbconn.ServerConfig) error
		UpsertTask(ctx context.Context, task *taskstore.Task) (string, error)
	}

	// File is the seed file's shape.
	File struct {
		Servers []dbconn.ServerConfig `yaml:"dbConfigs"`
		Tasks   []taskstore.Task      `yaml:"tasks"`
	}

	// Stats summarizes one import.
	Stats struct {
		Servers int
		Tasks   int
		Skipped int
	}
)

// PathFromEnv returns the configured seed file path, empty when seeding is
// disabled.
func PathFromEnv() string {
	return config.GetEnvStr("ROWBRIDGE_SEED_FILE", "")
}

// Import loads the seed file at path and upserts its contents. A missing
// file disables seeding silently; entries that fail validation are logged
// and skipped so one bad task cannot block the rest of the file.
//
// Returns:
//   - Stats: counts of imported and skipped entries
//   - error: unreadable or unparseable file, or a store write failure
func Import(ctx context.Context, path string, store Store, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("component", "seed")

	var stats Stats

	if path == "" {
		return stats, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("seed file not found, seeding disabled", "path", path)

			return stats, nil
		}

		return stats, fmt.Errorf("reading seed file %s: %w", path, err)
	}

	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return stats, fmt.Errorf("parsing seed file %s: %w", path, err)
	}

	for i := range file.Servers {
		server := &file.Servers[i]

		if err := server.Validate(); err != nil {
			logger.Warn("skipping invalid server config in seed file",
				"index", i,
				"name", server.Name,
				"error", err,
			)

			stats.Skipped++

			continue
		}

		if err := store.UpsertServerConfig(ctx, server); err != nil {
			return stats, fmt.Errorf("seeding server config %q: %w", server.Name, err)
		}

		stats.Servers++
	}

	for i := range file.Tasks {
		task := &file.Tasks[i]

		if err := task.Validate(); err != nil {
			logger.Warn("skipping invalid task in seed file",
				"index", i,
				"name", task.Name,
				"error", err,
			)

			stats.Skipped++

			continue
		}

		if _, err := store.UpsertTask(ctx, task); err != nil {
			return stats, fmt.Errorf("seeding task %q: %w", task.Name, err)
		}

		stats.Tasks++
	}

	logger.Info("seed file imported",
		"path", path,
		"servers", stats.Servers,
		"tasks", stats.Tasks,
		"skipped", stats.Skipped,
	)

	return stats, nil
}
