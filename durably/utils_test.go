package durably

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func getDatabaseURL() string {
	databaseURL := os.Getenv("DURABLY_SYSTEM_DATABASE_URL")
	if databaseURL == "" {
		password := os.Getenv("PGPASSWORD")
		if password == "" {
			password = "durably"
		}
		databaseURL = fmt.Sprintf("postgres://postgres:%s@localhost:5432/durably_test?sslmode=disable", url.QueryEscape(password))
	}
	return databaseURL
}

// resetTestDatabase drops and lets runMigrations recreate the test database,
// the same reset-before-suite pattern the teacher's own integration tests use.
func resetTestDatabase(t *testing.T, databaseURL string) {
	t.Helper()

	parsedURL, err := pgx.ParseConfig(databaseURL)
	require.NoError(t, err)

	dbName := parsedURL.Database
	if dbName == "" {
		t.Skip("DURABLY_SYSTEM_DATABASE_URL does not specify a database name, skipping integration test")
	}

	postgresURL := parsedURL.Copy()
	postgresURL.Database = "postgres"
	conn, err := pgx.ConnectConfig(context.Background(), postgresURL)
	require.NoError(t, err)
	defer conn.Close(context.Background())

	_, err = conn.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pgx.Identifier{dbName}.Sanitize()))
	require.NoError(t, err)
	_, err = conn.Exec(context.Background(), fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize()))
	require.NoError(t, err)
}

type setupDBOSOptions struct {
	dropDB     bool
	checkLeaks bool
}

// setupDBOS builds a live DBOSContext against a real Postgres instance,
// registering cleanup to shut it down (and optionally check for goroutine
// leaks) once the test completes.
func setupDBOS(t *testing.T, opts setupDBOSOptions) DBOSContext {
	t.Helper()

	databaseURL := getDatabaseURL()
	if opts.dropDB {
		resetTestDatabase(t, databaseURL)
	}

	config := Config{
		DatabaseURL: databaseURL,
		AppName:     "test-app",
	}

	dc, err := NewDBOSContext(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, dc)

	t.Cleanup(func() {
		if dc != nil {
			dc.Shutdown(30 * time.Second)
		}
		if opts.checkLeaks {
			goleak.VerifyNone(t,
				goleak.IgnoreAnyFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).backgroundHealthCheck"),
				goleak.IgnoreAnyFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).triggerHealthCheck"),
				goleak.IgnoreAnyFunction("github.com/jackc/pgx/v5/pgxpool.(*Pool).triggerHealthCheck.func1"),
			)
		}
	})

	return dc
}

// Event is a simple sync.Cond-based signal used to coordinate goroutines in
// recovery/blocking tests without polling.
type Event struct {
	mu    sync.Mutex
	cond  *sync.Cond
	IsSet bool
}

func NewEvent() *Event {
	e := &Event{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *Event) Wait() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.IsSet {
		e.cond.Wait()
	}
}

func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.IsSet = true
	e.cond.Broadcast()
}

func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.IsSet = false
}

// setWorkflowStatusPending simulates a crash mid-execution by forcing a
// workflow's row back to PENDING, clearing its terminal fields.
func setWorkflowStatusPending(t *testing.T, dc DBOSContext, workflowID string) {
	t.Helper()
	c, ok := dc.(*dbosContext)
	require.True(t, ok, "expected DBOSContext to be *dbosContext")
	db, ok := c.systemDB.(*sysDB)
	require.True(t, ok, "expected systemDB to be *sysDB")

	updateQuery := fmt.Sprintf(`UPDATE %s.workflow_status
		SET status = $1, output = NULL, error = NULL, started_at = NULL, updated_at = $2
		WHERE workflow_uuid = $3`, pgx.Identifier{db.schema}.Sanitize())
	_, err := db.pool.Exec(context.Background(), updateQuery,
		WorkflowStatusPending, nowMs(), workflowID)
	require.NoError(t, err, "failed to set workflow status to PENDING")
}

// queueEntriesAreCleanedUp polls until no workflow outside the internal
// queue is left ENQUEUED/PENDING with a queue assignment, or gives up.
func queueEntriesAreCleanedUp(ctx DBOSContext) bool {
	c, ok := ctx.(*dbosContext)
	if !ok {
		fmt.Println("expected ctx to be *dbosContext in queueEntriesAreCleanedUp")
		return false
	}
	db, ok := c.systemDB.(*sysDB)
	if !ok {
		fmt.Println("expected systemDB to be *sysDB in queueEntriesAreCleanedUp")
		return false
	}

	query := fmt.Sprintf(`SELECT COUNT(*)
		FROM %s.workflow_status
		WHERE queue_name IS NOT NULL
			AND queue_name != $1
			AND status IN ('ENQUEUED', 'PENDING')`, pgx.Identifier{db.schema}.Sanitize())

	for range 10 {
		var count int
		err := db.pool.QueryRow(ctx, query, internalQueueName).Scan(&count)
		if err == nil && count == 0 {
			return true
		}
		time.Sleep(time.Second)
	}
	return false
}
