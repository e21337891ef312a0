package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const (
	connectTimeout = 5 * time.Second

	// Transient command failures retry briefly before the caller sees them;
	// the dispatch reconciler covers anything that still slips through.
	retryInitialInterval = 50 * time.Millisecond
	commandRetries       = 2
)

// popScript takes the oldest entry and clears its dedup marker in one step.
// As two client commands, a connection loss in between could leave a marker
// with no list entry, and the marker would block the reconciler's re-push of
// that task forever.
var popScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if v then
	redis.call('SREM', KEYS[2], v)
end
return v
`)

// RedisQueue backs the Queue with a Redis list plus a companion set for
// best-effort dedup. Entries are decimal task ids.
type RedisQueue struct {
	client *redis.Client
	key    string
	setKey string
}

// NewRedis connects to the Redis URL and verifies the server is reachable.
func NewRedis(url, key string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisQueue{client: client, key: key, setKey: key + ":queued"}, nil
}

// retry runs one Redis round-trip with bounded exponential backoff. The
// context still bounds the whole exchange, so a request deadline cuts the
// retries short.
func (q *RedisQueue) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxElapsedTime = 0
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, commandRetries), ctx))
}

// Push enqueues the id unless the dedup set says it is already waiting. The
// list is written before the set so a crash in between can only produce a
// harmless duplicate entry, never a lost one.
func (q *RedisQueue) Push(ctx context.Context, taskID int64) error {
	member := strconv.FormatInt(taskID, 10)

	var queued bool
	err := q.retry(ctx, func() error {
		var err error
		queued, err = q.client.SIsMember(ctx, q.setKey, member).Result()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to check queue membership: %w", err)
	}
	if queued {
		return nil
	}

	if err := q.retry(ctx, func() error {
		return q.client.LPush(ctx, q.key, member).Err()
	}); err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}
	if err := q.retry(ctx, func() error {
		return q.client.SAdd(ctx, q.setKey, member).Err()
	}); err != nil {
		return fmt.Errorf("failed to mark task queued: %w", err)
	}
	return nil
}

// Pop takes the oldest id off the list and clears its dedup marker.
func (q *RedisQueue) Pop(ctx context.Context) (int64, bool, error) {
	var val string
	err := q.retry(ctx, func() error {
		res, err := popScript.Run(ctx, q.client, []string{q.key, q.setKey}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Empty queue, nothing to retry.
				return backoff.Permanent(err)
			}
			return err
		}
		s, ok := res.(string)
		if !ok {
			return backoff.Permanent(fmt.Errorf("unexpected pop reply of type %T", res))
		}
		val = s
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to pop task: %w", err)
	}

	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("queue entry %q is not a task id: %w", val, err)
	}
	return id, true, nil
}

// Len returns the list length.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	var n int64
	err := q.retry(ctx, func() error {
		var err error
		n, err = q.client.LLen(ctx, q.key).Result()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

// Close releases the client. Queued entries survive in Redis.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
