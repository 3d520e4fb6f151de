package durably

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	notificationsChannel  = "durably_notifications_channel"
	workflowEventsChannel = "durably_workflow_events_channel"

	codeUniqueViolation       = pgerrcode.UniqueViolation
	codeForeignKeyViolation   = pgerrcode.ForeignKeyViolation
	codeSerializationFailure  = pgerrcode.SerializationFailure
	codeLockNotAvailable      = pgerrcode.LockNotAvailable
)

// recordedResult is what a replayed step finds in the operation log: either
// output or err is set, never both.
type recordedResult struct {
	output any
	err    error
}

type workflowStatusRow struct {
	WorkflowUUID        string
	Status              WorkflowStatusType
	Name                string
	AuthenticatedUser   string
	Request             *string
	Input               *string
	Output              *string
	Error               *string
	ExecutorID          string
	CreatedAt           int64
	UpdatedAt           int64
	ApplicationVersion  string
	QueueName           string
	DeduplicationID      string
	Priority             int
	DeadlineEpochMs      *int64
	TimeoutMs            *int64
	QueuedAt             *int64
	StartedAt            *int64
	CompletedAt          *int64
}

type insertWorkflowInput struct {
	row          workflowStatusRow
	maxRetries   int
}

type checkOperationInput struct {
	workflowID string
	functionID int
	stepName   string
	table      string // "transaction_outputs" | "operation_outputs"
}

type recordOperationInput struct {
	workflowID string
	functionID int
	stepName   string
	output     any
	err        error
	table      string
}

// systemDatabase is the C1 gateway: every durable operation the rest of the
// runtime needs goes through here.
type systemDatabase interface {
	launch(ctx context.Context) error
	shutdown()

	insertWorkflowStatus(ctx context.Context, tx pgx.Tx, input insertWorkflowInput) (*workflowStatusRow, bool, error)
	updateWorkflowOutcome(ctx context.Context, workflowID string, status WorkflowStatusType, output any, workflowErr error) error
	getWorkflowStatus(ctx context.Context, workflowID string) (*workflowStatusRow, error)
	awaitWorkflowResult(ctx context.Context, workflowID string) (any, error)
	listWorkflows(ctx context.Context, input listWorkflowsDBInput) ([]workflowStatusRow, error)
	cancelWorkflow(ctx context.Context, workflowID string) error
	resumeWorkflow(ctx context.Context, workflowID string) error
	forkWorkflow(ctx context.Context, input forkWorkflowDBInput) error

	checkOperationExecution(ctx context.Context, tx pgx.Tx, input checkOperationInput) (*recordedResult, error)
	recordOperationResult(ctx context.Context, tx pgx.Tx, input recordOperationInput) error
	getWorkflowSteps(ctx context.Context, workflowID string) ([]StepInfo, error)

	beginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	checkTransactionExecution(ctx context.Context, tx pgx.Tx, workflowID string, functionID int) (*recordedResult, string, error)
	writeTransactionGuardRow(ctx context.Context, tx pgx.Tx, workflowID string, functionID int, stepName, snapshot string) error
	finalizeTransactionResult(ctx context.Context, tx pgx.Tx, workflowID string, functionID int, output any, txErr error) error

	send(ctx context.Context, srcWorkflowID string, functionID int, destWorkflowID, topic string, message any) error
	recv(ctx context.Context, workflowID string, functionID int, topic string, timeout time.Duration) (any, error)
	setEvent(ctx context.Context, workflowID string, functionID int, key string, value any) error
	getEvent(ctx context.Context, targetWorkflowID, key string, timeout time.Duration, callerWorkflowID string, callerFunctionID int) (any, error)

	sleep(ctx context.Context, workflowID string, functionID int, duration time.Duration, skipSleep bool) (time.Duration, error)

	enqueue(ctx context.Context, workflowID, queueName string, priority int, dedupID string) error
	dequeue(ctx context.Context, queueName string, maxTasks int) ([]workflowStatusRow, error)
	clearQueueAssignment(ctx context.Context, workflowID string) (bool, error)

	recordChildWorkflow(ctx context.Context, tx pgx.Tx, parentID string, parentFunctionID int, childID string) error
	checkChildWorkflow(ctx context.Context, tx pgx.Tx, parentID string, parentFunctionID int) (string, bool, error)

	upsertHeartbeat(ctx context.Context, executorID string) error
	listDeadExecutors(ctx context.Context, ttl time.Duration) ([]string, error)

	listWorkflowsByExecutors(ctx context.Context, executorIDs []string, applicationVersion string, loadInput bool) ([]workflowStatusRow, error)
}

type listWorkflowsDBInput struct {
	workflowIDs        []string
	status             []WorkflowStatusType
	startTime          time.Time
	endTime            time.Time
	workflowName       string
	applicationVersion string
	authenticatedUser  string
	limit              *int
	offset             *int
	sortDesc           bool
	workflowIDPrefix   string
	loadInput          bool
	loadOutput         bool
	queueName          string
	queuesOnly         bool
}

type forkWorkflowDBInput struct {
	originalWorkflowID string
	forkedWorkflowID   string
	startStep          int
	applicationVersion string
}

type StepInfo struct {
	FunctionID   int
	FunctionName string
	Output       any
	Error        error
	ChildID      string
}

// sysDB is the pgx-backed implementation of systemDatabase.
type sysDB struct {
	pool   *pgxpool.Pool
	schema string
	logger *zap.Logger

	notifyConn  *pgx.Conn
	notifyMu    sync.Mutex
	waiters     sync.Map // string key -> *sync.Cond
	waitersLock sync.Mutex

	cache statusCache

	closeOnce sync.Once
	closed    chan struct{}
}

func newSystemDatabase(ctx context.Context, databaseURL, schema string, logger *zap.Logger, cache statusCache) (*sysDB, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, wrapError(KindSystemDatabase, "parse database url", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, wrapError(KindSystemDatabase, "create connection pool", err)
	}

	if err := runMigrations(ctx, pool, schema); err != nil {
		pool.Close()
		return nil, err
	}

	db := &sysDB{
		pool:   pool,
		schema: schema,
		logger: logger,
		cache:  cache,
		closed: make(chan struct{}),
	}
	return db, nil
}

func (db *sysDB) launch(ctx context.Context) error {
	connCfg := db.pool.Config().ConnConfig.Copy()
	pgConn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return wrapError(KindSystemDatabase, "open listener connection", err)
	}
	db.notifyConn = pgConn

	if _, err := pgConn.Exec(ctx, fmt.Sprintf("LISTEN %s", notificationsChannel)); err != nil {
		return wrapError(KindSystemDatabase, "listen notifications channel", err)
	}
	if _, err := pgConn.Exec(ctx, fmt.Sprintf("LISTEN %s", workflowEventsChannel)); err != nil {
		return wrapError(KindSystemDatabase, "listen workflow events channel", err)
	}

	go db.notificationListenerLoop(ctx)
	return nil
}

func (db *sysDB) shutdown() {
	db.closeOnce.Do(func() {
		close(db.closed)
		if db.notifyConn != nil {
			db.notifyConn.Close(context.Background())
		}
		db.pool.Close()
	})
}

// notificationListenerLoop mirrors the teacher's dedicated LISTEN connection:
// every wakeup broadcasts on the sync.Cond registered for that payload, so
// recv/getEvent waiters blocked on it re-check the database immediately.
func (db *sysDB) notificationListenerLoop(ctx context.Context) {
	backoff := 100 * time.Millisecond
	for {
		select {
		case <-db.closed:
			return
		case <-ctx.Done():
			return
		default:
		}

		notice, err := db.notifyConn.WaitForNotification(ctx)
		if err != nil {
			select {
			case <-db.closed:
				return
			case <-ctx.Done():
				return
			default:
			}
			db.logger.Warn("notification listener error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoffWithJitter(backoff))
			backoff = minDuration(backoff*2, 5*time.Second)
			continue
		}
		backoff = 100 * time.Millisecond
		db.broadcast(notice.Payload)
	}
}

func (db *sysDB) broadcast(key string) {
	if v, ok := db.waiters.Load(key); ok {
		cond := v.(*sync.Cond)
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	}
}

func (db *sysDB) condFor(key string) *sync.Cond {
	v, _ := db.waiters.LoadOrStore(key, sync.NewCond(&sync.Mutex{}))
	return v.(*sync.Cond)
}

func backoffWithJitter(base time.Duration) time.Duration {
	jitter := 0.5 + rand.Float64() // NOLINT non-cryptographic jitter only
	return time.Duration(float64(base) * jitter)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func nowMs() int64 { return time.Now().UnixMilli() }

// classifyPgError maps a pgconn error to a durably error kind, following the
// teacher's pgerrcode-based classification in system_database.go/queue.go.
func classifyPgError(err error) ErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return KindWorkflowConflict
		case codeForeignKeyViolation:
			return KindNonExistentWorkflow
		case codeSerializationFailure, codeLockNotAvailable:
			return KindSystemDatabase
		}
	}
	return KindSystemDatabase
}

func isRetriablePgError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeLockNotAvailable
	}
	return false
}

// retryWithResult retries fn while it returns a retriable pg error, with
// exponential backoff, mirroring the teacher's queue dequeue retry wrapper.
func retryWithResult[T any](ctx context.Context, logger *zap.Logger, fn func() (T, error)) (T, error) {
	var zero T
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !isRetriablePgError(err) {
			return zero, err
		}
		logger.Debug("retrying after retriable pg error", zap.Error(err), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoffWithJitter(backoff)):
		}
		backoff = time.Duration(math.Min(float64(backoff*2), float64(5*time.Second)))
	}
	result, err := fn()
	return result, err
}
