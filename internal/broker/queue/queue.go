// Package queue provides the FIFO of pending send-task ids awaiting an RPA
// worker. The queue is advisory: the store stays authoritative, and the
// reconciler re-pushes anything the queue loses.
package queue

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/chatbroker/chatbroker/internal/common/config"
	"github.com/chatbroker/chatbroker/internal/common/logger"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue is closed")

// Queue hands pending send-task ids to workers in FIFO order.
//
// Push deduplicates best effort: a task already enqueued is not added again,
// but a rare double entry is harmless because the send_info hand-off flips
// task status at most once. Pop never blocks; ok=false means empty.
type Queue interface {
	Push(ctx context.Context, taskID int64) error
	Pop(ctx context.Context) (taskID int64, ok bool, err error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Provide selects the queue backend from configuration. An empty URL selects
// the in-process queue; anything else is parsed as a Redis URL.
func Provide(cfg *config.QueueConfig, log *logger.Logger) (Queue, error) {
	if cfg.URL == "" {
		log.Info("Using in-memory send-task queue")
		return NewMemory(), nil
	}

	log.Info("Connecting to Redis send-task queue", zap.String("key", cfg.Key))
	return NewRedis(cfg.URL, cfg.Key)
}
