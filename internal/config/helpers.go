// Package config provides configuration and shared test utilities for the Rowbridge application.
package config

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/mssql"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	_ "github.com/microsoft/go-mssqldb" // sqlserver driver for test connections
)

const (
	startUpTimeOut = 120 * time.Second

	// TestSQLPassword satisfies the SQL Server complexity policy for throwaway containers.
	TestSQLPassword = "Rowbridge!Passw0rd"
)

type (
	// TestSQLDatabase encapsulates SQL Server test resources for cleanup.
	// Used by integration tests across multiple packages to maintain consistent test infrastructure.
	TestSQLDatabase struct {
		Container  *mssql.MSSQLServerContainer
		Connection *sql.DB
		URL        string
	}

	// TestTaskStore encapsulates MongoDB test resources for cleanup.
	TestTaskStore struct {
		Container *mongodb.MongoDBContainer
		Client    *mongo.Client
		URI       string
	}
)

// SetupTestSQLDatabase creates a SQL Server container and opens a connection to it.
// This is the standard way to set up relational integration test databases across all packages.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		ctx := context.Background()
//		testDB := config.SetupTestSQLDatabase(ctx, t)
//		t.Cleanup(func() {
//			_ = testDB.Connection.Close()
//			_ = testcontainers.TerminateContainer(testDB.Container)
//		})
//		// ... your test code
//	}
//
// The function automatically:
//   - Creates a SQL Server 2022 container with the EULA accepted
//   - Waits for the database to be ready
//   - Returns a TestSQLDatabase with an active, pinged connection
//
// Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestSQLDatabase(ctx context.Context, t *testing.T) *TestSQLDatabase {
	t.Helper()

	container, err := mssql.Run(ctx,
		"mcr.microsoft.com/mssql/server:2022-latest",
		mssql.WithAcceptEULA(),
		mssql.WithPassword(TestSQLPassword),
	)
	require.NoError(t, err, "Failed to start mssql container")
	require.NotNil(t, container, "mssql container is nil")

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get connection string")

	conn, err := sql.Open("sqlserver", connStr)
	require.NoError(t, err, "Failed to open database")

	pingCtx, cancel := context.WithTimeout(ctx, startUpTimeOut)
	defer cancel()

	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("Failed to ping sql server: %v", err)
	}

	return &TestSQLDatabase{
		Container:  container,
		Connection: conn,
		URL:        connStr,
	}
}

// SetupTestTaskStore creates a MongoDB container and connects a client to it.
// Integration tests for the task store and anything layered on it use this helper.
//
// Cleanup is the caller's responsibility using t.Cleanup():
//
//	t.Cleanup(func() {
//		_ = ts.Client.Disconnect(context.Background())
//		_ = testcontainers.TerminateContainer(ts.Container)
//	})
func SetupTestTaskStore(ctx context.Context, t *testing.T) *TestTaskStore {
	t.Helper()

	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err, "Failed to start mongodb container")
	require.NotNil(t, container, "mongodb container is nil")

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err, "Failed to get connection string")

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err, "Failed to connect mongo client")

	pingCtx, cancel := context.WithTimeout(ctx, startUpTimeOut)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		_ = testcontainers.TerminateContainer(container)

		t.Fatalf("Failed to ping mongodb: %v", err)
	}

	return &TestTaskStore{
		Container: container,
		Client:    client,
		URI:       uri,
	}
}
