package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/rowbridge-io/rowbridge/internal/config"
	"github.com/rowbridge-io/rowbridge/internal/dbconn"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	ts := config.SetupTestTaskStore(ctx, t)

	t.Cleanup(func() {
		_ = ts.Client.Disconnect(context.Background())
		_ = testcontainers.TerminateContainer(ts.Container)
	})

	store, err := Connect(ctx, NewConfig(ts.URI, "rowbridge_test"), nil)
	require.NoError(t, err, "connecting task store")

	t.Cleanup(func() { _ = store.Close(context.Background()) })

	return store
}

func storedTask(name, kind string, active bool) *Task {
	return &Task{
		Name:      name,
		Active:    active,
		Kind:      kind,
		Query:     "SELECT id, name FROM src_orders",
		DestTable: "dst_orders",
	}
}

func TestStoreTaskLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.Ping(ctx))

	task := storedTask("orders-up", KindManual, true)

	id, err := store.UpsertTask(ctx, task)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	loaded, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "orders-up", loaded.Name)
	require.Equal(t, StatusIdle, loaded.Status)
	require.Zero(t, loaded.ExecutionCount)
	require.False(t, loaded.CreatedAt.IsZero())

	// Upserting under the same name updates in place and keeps the id.
	task.Query = "SELECT id, name, region FROM src_orders"

	again, err := store.UpsertTask(ctx, task)
	require.NoError(t, err)
	require.Equal(t, id, again)

	reloaded, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, task.Query, reloaded.Query)

	_, err = store.FindByID(ctx, "no-such-id")
	require.ErrorIs(t, err, ErrTaskNotFound)

	// Kind filtering: auto picks up auto and both, never manual or
	// inactive tasks.
	for _, extra := range []*Task{
		storedTask("auto-task", KindAuto, true),
		storedTask("both-task", KindBoth, true),
		storedTask("dormant-task", KindAuto, false),
	} {
		_, err := store.UpsertTask(ctx, extra)
		require.NoError(t, err)
	}

	active, err := store.GetActiveTasks(ctx, KindAuto)
	require.NoError(t, err)

	names := make([]string, 0, len(active))
	for _, a := range active {
		names = append(names, a.Name)
	}

	require.ElementsMatch(t, []string{"auto-task", "both-task"}, names)

	all, err := store.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)

	// Status writes are field-scoped: the query survives untouched.
	require.NoError(t, store.UpdateStatus(ctx, id, StatusRunning, 40))

	running, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, running.Status)
	require.Equal(t, 40, running.Progress)
	require.Equal(t, task.Query, running.Query)

	require.ErrorIs(t, store.UpdateStatus(ctx, "no-such-id", StatusRunning, 0), ErrTaskNotFound)

	outcome := &Outcome{
		Success:    true,
		Rows:       10,
		Inserted:   8,
		Duplicates: 2,
		Message:    "transfer completed",
	}

	require.NoError(t, store.UpdateExecutionOutcome(ctx, id, outcome))

	finished, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(1), finished.ExecutionCount)
	require.NotNil(t, finished.LastRunAt)
	require.NotNil(t, finished.LastOutcome)
	require.Equal(t, int64(8), finished.LastOutcome.Inserted)

	require.NoError(t, store.AppendMetric(ctx, &MetricSample{
		TaskID:     id,
		RecordedAt: time.Now().UTC(),
		DurationMS: 1250,
		Rows:       10,
		Inserted:   8,
		Duplicates: 2,
	}))
}

func TestStoreExecutionHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	id, err := store.UpsertTask(ctx, storedTask("orders-up", KindManual, true))
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.InsertExecution(ctx, &Execution{
		ID:        "exec-1",
		TaskID:    id,
		TaskName:  "orders-up",
		StartedAt: started,
		Status:    StatusRunning,
	}))

	outcome := &Outcome{Success: true, Rows: 3, Inserted: 3}
	require.NoError(t, store.FinishExecution(ctx, "exec-1", StatusCompleted, outcome))

	require.NoError(t, store.InsertExecution(ctx, &Execution{
		ID:        "exec-2",
		TaskID:    id,
		TaskName:  "orders-up",
		StartedAt: started.Add(time.Second),
		Status:    StatusRunning,
	}))

	execs, err := store.ListExecutions(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, execs, 2)

	// Newest first; the finished record carries its terminal state.
	require.Equal(t, "exec-2", execs[0].ID)
	require.Equal(t, "exec-1", execs[1].ID)
	require.Equal(t, StatusCompleted, execs[1].Status)
	require.NotNil(t, execs[1].FinishedAt)
	require.NotNil(t, execs[1].Outcome)
	require.Equal(t, int64(3), execs[1].Outcome.Inserted)

	limited, err := store.ListExecutions(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "exec-2", limited[0].ID)
}

func TestStoreServerConfigRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupStore(t)
	ctx := context.Background()

	_, err := store.ServerConfig(ctx, dbconn.ServerSource)
	require.ErrorIs(t, err, ErrServerConfigNotFound)

	cfg := &dbconn.ServerConfig{
		Name:     dbconn.ServerSource,
		Host:     "db.example.com",
		Port:     1433,
		User:     "replicator",
		Password: "secret",
		Database: "orders",
	}

	require.NoError(t, store.UpsertServerConfig(ctx, cfg))

	loaded, err := store.ServerConfig(ctx, dbconn.ServerSource)
	require.NoError(t, err)
	require.Equal(t, "db.example.com", loaded.Host)
	require.Equal(t, "orders", loaded.Database)

	// Upsert replaces by name.
	cfg.Database = "orders_v2"
	require.NoError(t, store.UpsertServerConfig(ctx, cfg))

	reloaded, err := store.ServerConfig(ctx, dbconn.ServerSource)
	require.NoError(t, err)
	require.Equal(t, "orders_v2", reloaded.Database)

	configs, err := store.ListServerConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
}
