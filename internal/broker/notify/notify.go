// Package notify delivers lifecycle notifications to the upstream callback
// endpoint. Lifecycle transactions only append notify-flagged operation rows;
// this package sweeps the undelivered ones and POSTs them, so a slow or down
// endpoint never blocks session state changes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/common/config"
	"github.com/chatbroker/chatbroker/internal/common/logger"
)

const sweepBatchSize = 50

// Notification is the payload POSTed to the callback endpoint, one per
// lifecycle operation that asked for human attention.
type Notification struct {
	SessionID  string    `json:"session_id"`
	AccountID  string    `json:"account_id"`
	ShopID     string    `json:"shop_id"`
	ShopName   string    `json:"shop_name"`
	Platform   string    `json:"platform"`
	TaskType   string    `json:"task_type"`
	State      string    `json:"state"`
	Operation  string    `json:"operation"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is one delivery target for notifications.
type Sink interface {
	Deliver(ctx context.Context, n *Notification) error
}

// WebhookSink POSTs notifications as JSON with bounded exponential backoff.
type WebhookSink struct {
	endpoint        string
	maxRetries      int
	initialInterval time.Duration
	client          *http.Client
}

// NewWebhookSink builds the webhook sink, or nil when no endpoint is
// configured.
func NewWebhookSink(cfg *config.NotifierConfig) *WebhookSink {
	if cfg.Endpoint == "" {
		return nil
	}
	return &WebhookSink{
		endpoint:        cfg.Endpoint,
		maxRetries:      cfg.MaxRetries,
		initialInterval: time.Second,
		client:          &http.Client{Timeout: 10 * time.Second},
	}
}

// Deliver POSTs one notification. Transport errors and 5xx responses retry;
// a 4xx response is the endpoint rejecting the payload and retrying it would
// not help.
func (s *WebhookSink) Deliver(ctx context.Context, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("notification endpoint rejected the payload with %d", resp.StatusCode))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxElapsedTime = 0
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxRetries)), ctx))
}

// Notifier sweeps the notification outbox and hands undelivered operations to
// the sink. A nil sink leaves the outbox untouched so a later deploy with an
// endpoint configured can still drain it.
type Notifier struct {
	repo *repository.Repository
	sink Sink
	cfg  *config.NotifierConfig
	log  *logger.Logger
}

// NewNotifier wires the outbox sweeper. sink may be nil when delivery is
// disabled.
func NewNotifier(repo *repository.Repository, sink Sink, cfg *config.NotifierConfig, log *logger.Logger) *Notifier {
	return &Notifier{repo: repo, sink: sink, cfg: cfg, log: log}
}

// Enabled reports whether notifications actually leave the process.
func (n *Notifier) Enabled() bool {
	return n.sink != nil
}

// Sweep delivers undelivered notifying operations, oldest first. A failed
// delivery stays in the outbox for the next sweep; later rows are still
// attempted so one bad payload cannot wedge the queue.
func (n *Notifier) Sweep(ctx context.Context) (int, error) {
	if !n.Enabled() {
		return 0, nil
	}

	ops, err := n.repo.ListUndeliveredOperations(ctx, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, op := range ops {
		sess, err := n.repo.GetSession(ctx, op.SessionID)
		if err != nil {
			n.log.Error("notifier: failed to load session for operation",
				zap.Int64("operation_id", op.ID),
				zap.String("session_id", op.SessionID),
				zap.Error(err))
			continue
		}

		if err := n.sink.Deliver(ctx, buildNotification(sess, op)); err != nil {
			n.log.Warn("notifier: delivery failed, leaving for next sweep",
				zap.Int64("operation_id", op.ID),
				zap.String("session_id", op.SessionID),
				zap.String("operation", string(op.Operation)),
				zap.Error(err))
			continue
		}

		ok, err := n.repo.MarkOperationNotified(ctx, n.repo.DB(), op.ID)
		if err != nil {
			n.log.Error("notifier: failed to mark operation notified",
				zap.Int64("operation_id", op.ID), zap.Error(err))
			continue
		}
		if ok {
			delivered++
		}
	}

	if delivered > 0 {
		n.log.Info("notifier: delivered notifications", zap.Int("count", delivered))
	}
	return delivered, nil
}

// RunLoop sweeps the outbox on the configured interval. It blocks until ctx
// is cancelled and always returns nil, so it can run under an errgroup
// without tearing down its siblings. When no sink is configured it returns
// immediately and notifications stay in the outbox.
func (n *Notifier) RunLoop(ctx context.Context) error {
	if !n.Enabled() {
		n.log.Info("notifier: no endpoint configured, notifications stay in the outbox")
		return nil
	}

	ticker := time.NewTicker(n.cfg.Interval())
	defer ticker.Stop()

	n.log.Info("notifier: loop started",
		zap.Duration("interval", n.cfg.Interval()),
		zap.String("endpoint", n.cfg.Endpoint))
	for {
		select {
		case <-ctx.Done():
			n.log.Info("notifier: loop stopped")
			return nil
		case <-ticker.C:
			if _, err := n.Sweep(ctx); err != nil {
				n.log.Error("notifier: sweep failed", zap.Error(err))
			}
		}
	}
}

func buildNotification(sess *models.Session, op *models.OperationRecord) *Notification {
	return &Notification{
		SessionID:  sess.ID,
		AccountID:  sess.AccountID,
		ShopID:     sess.ShopID,
		ShopName:   sess.ShopName,
		Platform:   sess.Platform,
		TaskType:   string(sess.TaskType),
		State:      string(sess.State),
		Operation:  string(op.Operation),
		Detail:     op.Detail,
		OccurredAt: op.CreatedAt,
	}
}
