package durably

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// statusCache is the read-through cache C14 describes. It is consulted only
// on read paths (GetStatus, GetEvent) and invalidated when a status is
// finalized, resumed, dequeued or returned to its queue, and when an event is
// set; it is never the system of record, so its absence
// changes nothing about correctness, only latency.
type statusCache interface {
	getStatus(ctx context.Context, workflowID string) (*workflowStatusRow, bool)
	setStatus(ctx context.Context, row *workflowStatusRow)
	invalidateStatus(ctx context.Context, workflowID string)

	getEvent(ctx context.Context, workflowID, key string) (string, bool)
	setEventValue(ctx context.Context, workflowID, key, value string)
	invalidateEvent(ctx context.Context, workflowID, key string)
}

// noopCache is used when no redis URL is configured. Every read path falls
// straight through to Postgres, so behavior is unaffected by the cache's
// absence — see SPEC_FULL.md §4.14.
type noopCache struct{}

func (noopCache) getStatus(context.Context, string) (*workflowStatusRow, bool) { return nil, false }
func (noopCache) setStatus(context.Context, *workflowStatusRow)               {}
func (noopCache) invalidateStatus(context.Context, string)                    {}
func (noopCache) getEvent(context.Context, string, string) (string, bool)     { return "", false }
func (noopCache) setEventValue(context.Context, string, string, string)      {}
func (noopCache) invalidateEvent(context.Context, string, string)            {}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func newRedisCache(redisURL string, logger *zap.Logger) (*redisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, wrapError(KindSystemDatabase, "parse redis url", err)
	}
	return &redisCache{
		client: redis.NewClient(opts),
		ttl:    30 * time.Second,
		logger: logger,
	}, nil
}

func (c *redisCache) close() error { return c.client.Close() }

func statusKey(workflowID string) string { return "durably:status:" + workflowID }
func eventKey(workflowID, key string) string { return "durably:event:" + workflowID + ":" + key }

func (c *redisCache) getStatus(ctx context.Context, workflowID string) (*workflowStatusRow, bool) {
	raw, err := c.client.Get(ctx, statusKey(workflowID)).Result()
	if err != nil {
		return nil, false
	}
	decoded, err := deserialize(&raw)
	if err != nil {
		return nil, false
	}
	row, ok := decoded.(workflowStatusRow)
	if !ok {
		return nil, false
	}
	return &row, true
}

func (c *redisCache) setStatus(ctx context.Context, row *workflowStatusRow) {
	encoded, err := serialize(*row)
	if err != nil || encoded == nil {
		return
	}
	if err := c.client.Set(ctx, statusKey(row.WorkflowUUID), *encoded, c.ttl).Err(); err != nil {
		c.logger.Debug("cache set status failed", zap.Error(err))
	}
}

func (c *redisCache) invalidateStatus(ctx context.Context, workflowID string) {
	c.client.Del(ctx, statusKey(workflowID))
}

func (c *redisCache) getEvent(ctx context.Context, workflowID, key string) (string, bool) {
	v, err := c.client.Get(ctx, eventKey(workflowID, key)).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *redisCache) setEventValue(ctx context.Context, workflowID, key, value string) {
	c.client.Set(ctx, eventKey(workflowID, key), value, c.ttl)
}

func (c *redisCache) invalidateEvent(ctx context.Context, workflowID, key string) {
	c.client.Del(ctx, eventKey(workflowID, key))
}
