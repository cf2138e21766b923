package taskstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/rowbridge-io/rowbridge/internal/dbconn"
)

// Collection names.
const (
	collectionTasks      = "tasks"
	collectionExecutions = "executions"
	collectionMetrics    = "metrics"
	collectionDBConfigs  = "dbConfigs"
)

// Store persists tasks, executions, metrics, and server configurations. A
// connection-class failure on any operation triggers one reconnect attempt
// (ping and a single retry) before ErrStoreUnavailable surfaces.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    *Config
	logger *slog.Logger
}

// Connect opens the MongoDB client, verifies the primary is reachable, and
// ensures the unique task-name index exists.
func Connect(ctx context.Context, cfg *Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.uri))
	if err != nil {
		return nil, fmt.Errorf("%w: connecting: %w", ErrStoreUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())

		return nil, fmt.Errorf("%w: ping: %w", ErrStoreUnavailable, err)
	}

	store := &Store{
		client: client,
		db:     client.Database(cfg.Database),
		cfg:    cfg,
		logger: logger.With("component", "taskstore"),
	}

	if err := store.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())

		return nil, err
	}

	store.logger.Info("task store connected",
		"uri", cfg.MaskURI(),
		"database", cfg.Database,
	)

	return store, nil
}

// ensureIndexes creates the indexes the store's queries rely on. Index
// creation is idempotent.
func (s *Store) ensureIndexes(ctx context.Context) error {
	idxCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	_, err := s.tasks().Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%w: creating task name index: %w", ErrStoreUnavailable, err)
	}

	_, err = s.executions().Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys: bson.D{{Key: "taskId", Value: 1}, {Key: "startedAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("%w: creating execution index: %w", ErrStoreUnavailable, err)
	}

	_, err = s.dbConfigs().Indexes().CreateOne(idxCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("%w: creating dbConfigs index: %w", ErrStoreUnavailable, err)
	}

	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnecting task store: %w", err)
	}

	return nil
}

// Ping verifies the store's primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if err := s.client.Ping(pingCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	return nil
}

func (s *Store) tasks() *mongo.Collection      { return s.db.Collection(collectionTasks) }
func (s *Store) executions() *mongo.Collection { return s.db.Collection(collectionExecutions) }
func (s *Store) metrics() *mongo.Collection    { return s.db.Collection(collectionMetrics) }
func (s *Store) dbConfigs() *mongo.Collection  { return s.db.Collection(collectionDBConfigs) }

// withRetry runs op with the per-operation timeout; on a network-class
// failure it pings once and, if the server answers, retries op once.
func (s *Store) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	err := op(opCtx)

	cancel()

	if err == nil || !isMongoConnectionError(err) {
		return err
	}

	s.logger.Warn("task store operation hit a connection error, reconnecting once", "error", err)

	if pingErr := s.Ping(ctx); pingErr != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	opCtx, cancel = context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if err := op(opCtx); err != nil {
		if isMongoConnectionError(err) {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}

		return err
	}

	return nil
}

// isMongoConnectionError detects failures worth one reconnect attempt.
func isMongoConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}

	return mongo.IsNetworkError(err) || mongo.IsTimeout(err)
}

// UpsertTask inserts or updates a task by its unique name and returns the
// task id. A new task gets a UUID id, idle status, and creation timestamp;
// an existing task keeps its id, counters, and runtime state.
func (s *Store) UpsertTask(ctx context.Context, task *Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", err
	}

	now := time.Now().UTC()

	set := bson.M{
		"active":            task.Active,
		"kind":              task.Kind,
		"direction":         task.Direction,
		"query":             task.Query,
		"params":            task.Params,
		"destTable":         task.DestTable,
		"ruleset":           task.Ruleset,
		"validationOptions": task.Validation,
		"postUpdateQuery":   task.PostUpdateQuery,
		"postUpdateMapping": task.PostUpdateMapping,
		"clearBeforeInsert": task.ClearBeforeInsert,
		"promotion":         task.Promotion,
		"updatedAt":         now,
	}

	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"_id":            uuid.NewString(),
			"name":           task.Name,
			"status":         StatusIdle,
			"progress":       0,
			"executionCount": int64(0),
			"createdAt":      now,
		},
	}

	var id string

	err := s.withRetry(ctx, func(opCtx context.Context) error {
		result := s.tasks().FindOneAndUpdate(opCtx,
			bson.M{"name": task.Name},
			update,
			options.FindOneAndUpdate().
				SetUpsert(true).
				SetReturnDocument(options.After).
				SetProjection(bson.M{"_id": 1}),
		)

		var doc struct {
			ID string `bson:"_id"`
		}

		if err := result.Decode(&doc); err != nil {
			return fmt.Errorf("upserting task %q: %w", task.Name, err)
		}

		id = doc.ID

		return nil
	})
	if err != nil {
		return "", err
	}

	return id, nil
}

// FindByID loads one task.
func (s *Store) FindByID(ctx context.Context, id string) (*Task, error) {
	var task Task

	err := s.withRetry(ctx, func(opCtx context.Context) error {
		err := s.tasks().FindOne(opCtx, bson.M{"_id": id}).Decode(&task)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: id %s", ErrTaskNotFound, id)
		}

		if err != nil {
			return fmt.Errorf("loading task %s: %w", id, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &task, nil
}

// ListTasks returns every task, sorted by name.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task

	err := s.withRetry(ctx, func(opCtx context.Context) error {
		cursor, err := s.tasks().Find(opCtx, bson.M{},
			options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}

		tasks = nil
		if err := cursor.All(opCtx, &tasks); err != nil {
			return fmt.Errorf("decoding tasks: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

// GetActiveTasks returns the active tasks runnable under kind: a task
// matches when its own kind equals kind or is "both".
func (s *Store) GetActiveTasks(ctx context.Context, kind string) ([]Task, error) {
	filter := bson.M{
		"active": true,
		"kind":   bson.M{"$in": []string{kind, KindBoth}},
	}

	var tasks []Task

	err := s.withRetry(ctx, func(opCtx context.Context) error {
		cursor, err := s.tasks().Find(opCtx, filter,
			options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
		if err != nil {
			return fmt.Errorf("listing active tasks: %w", err)
		}

		tasks = nil
		if err := cursor.All(opCtx, &tasks); err != nil {
			return fmt.Errorf("decoding active tasks: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return tasks, nil
}

// UpdateStatus writes only the task's status and progress fields.
func (s *Store) UpdateStatus(ctx context.Context, id, status string, progress int) error {
	return s.withRetry(ctx, func(opCtx context.Context) error {
		result, err := s.tasks().UpdateByID(opCtx, id, bson.M{
			"$set": bson.M{
				"status":    status,
				"progress":  progress,
				"updatedAt": time.Now().UTC(),
			},
		})
		if err != nil {
			return fmt.Errorf("updating status of task %s: %w", id, err)
		}

		if result.MatchedCount == 0 {
			return fmt.Errorf("%w: id %s", ErrTaskNotFound, id)
		}

		return nil
	})
}

// UpdateExecutionOutcome records a finished run on the task: last outcome,
// last run timestamp, and an incremented execution counter.
func (s *Store) UpdateExecutionOutcome(ctx context.Context, id string, outcome *Outcome) error {
	now := time.Now().UTC()

	return s.withRetry(ctx, func(opCtx context.Context) error {
		result, err := s.tasks().UpdateByID(opCtx, id, bson.M{
			"$set": bson.M{
				"lastOutcome": outcome,
				"lastRunAt":   now,
				"updatedAt":   now,
			},
			"$inc": bson.M{"executionCount": int64(1)},
		})
		if err != nil {
			return fmt.Errorf("recording outcome of task %s: %w", id, err)
		}

		if result.MatchedCount == 0 {
			return fmt.Errorf("%w: id %s", ErrTaskNotFound, id)
		}

		return nil
	})
}

// InsertExecution opens a history record for a starting run.
func (s *Store) InsertExecution(ctx context.Context, exec *Execution) error {
	return s.withRetry(ctx, func(opCtx context.Context) error {
		if _, err := s.executions().InsertOne(opCtx, exec); err != nil {
			return fmt.Errorf("inserting execution %s: %w", exec.ID, err)
		}

		return nil
	})
}

// FinishExecution closes a history record with its terminal status and
// outcome.
func (s *Store) FinishExecution(ctx context.Context, executionID, status string, outcome *Outcome) error {
	now := time.Now().UTC()

	return s.withRetry(ctx, func(opCtx context.Context) error {
		_, err := s.executions().UpdateByID(opCtx, executionID, bson.M{
			"$set": bson.M{
				"status":     status,
				"outcome":    outcome,
				"finishedAt": now,
			},
		})
		if err != nil {
			return fmt.Errorf("finishing execution %s: %w", executionID, err)
		}

		return nil
	})
}

// ListExecutions returns the most recent runs of a task, newest first.
func (s *Store) ListExecutions(ctx context.Context, taskID string, limit int64) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}

	var execs []Execution

	err := s.withRetry(ctx, func(opCtx context.Context) error {
		cursor, err := s.executions().Find(opCtx,
			bson.M{"taskId": taskID},
			options.Find().
				SetSort(bson.D{{Key: "startedAt", Value: -1}}).
				SetLimit(limit),
		)
		if err != nil {
			return fmt.Errorf("listing executions of task %s: %w", taskID, err)
		}

		execs = nil
		if err := cursor.All(opCtx, &execs); err != nil {
			return fmt.Errorf("decoding executions of task %s: %w", taskID, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return execs, nil
}

// AppendMetric appends one timing/volume sample.
func (s *Store) AppendMetric(ctx context.Context, sample *MetricSample) error {
	return s.withRetry(ctx, func(opCtx context.Context) error {
		if _, err := s.metrics().InsertOne(opCtx, sample); err != nil {
			return fmt.Errorf("appending metric for task %s: %w", sample.TaskID, err)
		}

		return nil
	})
}

// ServerConfig loads the dbConfigs document for the named server. It
// implements dbconn.ConfigProvider.
func (s *Store) ServerConfig(ctx context.Context, name string) (*dbconn.ServerConfig, error) {
	var cfg dbconn.ServerConfig

	err := s.withRetry(ctx, func(opCtx context.Context) error {
		err := s.dbConfigs().FindOne(opCtx, bson.M{"name": name}).Decode(&cfg)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return fmt.Errorf("%w: %q", ErrServerConfigNotFound, name)
		}

		if err != nil {
			return fmt.Errorf("loading server config %q: %w", name, err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// UpsertServerConfig inserts or replaces a dbConfigs document by server
// name.
func (s *Store) UpsertServerConfig(ctx context.Context, cfg *dbconn.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return s.withRetry(ctx, func(opCtx context.Context) error {
		_, err := s.dbConfigs().ReplaceOne(opCtx,
			bson.M{"name": cfg.Name},
			cfg,
			options.Replace().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("upserting server config %q: %w", cfg.Name, err)
		}

		return nil
	})
}

// ListServerConfigs returns every configured server, sorted by name.
func (s *Store) ListServerConfigs(ctx context.Context) ([]dbconn.ServerConfig, error) {
	var configs []dbconn.ServerConfig

	err := s.withRetry(ctx, func(opCtx context.Context) error {
		cursor, err := s.dbConfigs().Find(opCtx, bson.M{},
			options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
		if err != nil {
			return fmt.Errorf("listing server configs: %w", err)
		}

		configs = nil
		if err := cursor.All(opCtx, &configs); err != nil {
			return fmt.Errorf("decoding server configs: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return configs, nil
}
