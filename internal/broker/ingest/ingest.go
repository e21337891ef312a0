// Package ingest attributes captured chat messages to sessions and detects
// human takeovers of bot conversations.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/broker/session"
	"github.com/chatbroker/chatbroker/internal/common/config"
	apperrors "github.com/chatbroker/chatbroker/internal/common/errors"
	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/events"
	"github.com/chatbroker/chatbroker/internal/events/bus"
)

const (
	eventSource = "ingest"

	// accountNickPrefix marks own-account senders on the platform; the full
	// nick is the account id.
	accountNickPrefix = "t-"

	// interventionReason is stamped on sessions a human visibly took over.
	interventionReason = "human_intervention_detected"

	// gapDetail labels operations caused by a conversation-gap rollover.
	gapDetail = "conversation_gap"
)

// InboundMessage is one normalized message of a batch.
type InboundMessage struct {
	MessageID string
	Nick      string
	Content   string
	SentAt    time.Time
}

// Request is one captured conversation slice for a shop.
type Request struct {
	ShopName           string
	Platform           string
	AccountID          string // optional override when no t- nick appears
	MaxInactiveMinutes int
	Messages           []InboundMessage
}

// Result summarizes one ingested batch.
type Result struct {
	Processed         int
	Skipped           int
	ActiveSessionID   string
	SessionOperations []string
	Errors            []string
}

// Classifier decides whether an account-sourced message was produced by the
// broker's own send pipeline rather than a human typing in the seller
// console.
type Classifier interface {
	ExpectedBotSend(ctx context.Context, sess *models.Session, msg *models.Message) (bool, error)
}

// taskMatchClassifier is the default heuristic: the nick must be the
// session's account and a SENT or COMPLETED task must carry the same content
// within the intervention window.
type taskMatchClassifier struct {
	repo *repository.Repository
	cfg  *config.IngestConfig
}

// NewTaskMatchClassifier returns the default intervention classifier.
func NewTaskMatchClassifier(repo *repository.Repository, cfg *config.IngestConfig) Classifier {
	return &taskMatchClassifier{repo: repo, cfg: cfg}
}

func (c *taskMatchClassifier) ExpectedBotSend(ctx context.Context, sess *models.Session, msg *models.Message) (bool, error) {
	if msg.SenderNick != sess.AccountID {
		return false, nil
	}
	since := time.Now().UTC().Add(-c.cfg.InterventionWindow())
	return c.repo.HasMatchingOutboundTask(ctx, c.repo.DB(), sess.ID, msg.Content, since)
}

// Ingestor processes message batches captured from seller consoles.
type Ingestor struct {
	repo       *repository.Repository
	manager    *session.Manager
	classifier Classifier
	bus        bus.EventBus
	cfg        *config.IngestConfig
	sessionCfg *config.SessionConfig
	log        *logger.Logger
}

// NewIngestor wires the message ingestor.
func NewIngestor(repo *repository.Repository, manager *session.Manager, classifier Classifier,
	eventBus bus.EventBus, cfg *config.IngestConfig, sessionCfg *config.SessionConfig, log *logger.Logger) *Ingestor {
	return &Ingestor{
		repo:       repo,
		manager:    manager,
		classifier: classifier,
		bus:        eventBus,
		cfg:        cfg,
		sessionCfg: sessionCfg,
		log:        log,
	}
}

// batchEffects collects what happened inside the batch transaction.
type batchEffects struct {
	sess        *models.Session
	created     bool
	displaced   *models.Session
	displacedTo models.SessionState
	inserted    []*models.Message
	skipped     int
}

// Ingest runs the attribution algorithm: classify senders, derive the batch
// account, dedupe and sort, resolve (or open) the session for the pair,
// persist the messages and finally check bot sessions for human
// intervention. The persistence step is one transaction; intervention runs
// after commit because it hands the session over through the session
// manager.
func (i *Ingestor) Ingest(ctx context.Context, req *Request) (*Result, error) {
	if req.ShopName == "" {
		return nil, apperrors.Validation("shop_name is required")
	}
	if len(req.Messages) == 0 {
		return nil, apperrors.Validation("messages must not be empty")
	}
	platform := req.Platform
	if platform == "" {
		platform = models.DefaultPlatform
	}

	accountID := batchAccountID(req.Messages)
	if accountID == "" {
		accountID = req.AccountID
	}
	if accountID == "" {
		return nil, apperrors.NoAccount("batch carries no own-account nick and no account_id override")
	}

	msgs := make([]InboundMessage, len(req.Messages))
	copy(msgs, req.Messages)
	sort.Slice(msgs, func(a, b int) bool {
		if msgs[a].SentAt.Equal(msgs[b].SentAt) {
			return msgs[a].MessageID < msgs[b].MessageID
		}
		return msgs[a].SentAt.Before(msgs[b].SentAt)
	})

	var eff batchEffects
	err := i.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		return i.ingestBatch(ctx, tx, req, platform, accountID, msgs, &eff)
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Processed:         len(eff.inserted),
		Skipped:           eff.skipped,
		ActiveSessionID:   eff.sess.ID,
		SessionOperations: []string{},
		Errors:            []string{},
	}
	if eff.created {
		res.SessionOperations = append(res.SessionOperations, string(models.OperationCreated))
	} else if len(eff.inserted) > 0 {
		res.SessionOperations = append(res.SessionOperations, "updated")
	}

	i.publishBatch(ctx, &eff, res)

	if transferred := i.detectIntervention(ctx, &eff); transferred {
		res.SessionOperations = append(res.SessionOperations, string(models.OperationTransferred))
	}
	return res, nil
}

func (i *Ingestor) ingestBatch(ctx context.Context, tx *sqlx.Tx, req *Request, platform, accountID string, msgs []InboundMessage, eff *batchEffects) error {
	if err := i.repo.EnsureAccount(ctx, tx, accountID, platform); err != nil {
		return err
	}
	shopID, err := i.repo.ResolveShopID(ctx, tx, req.ShopName, platform)
	if err != nil {
		return err
	}

	sess, err := i.repo.FindSlotSession(ctx, tx, accountID, shopID)
	if err != nil {
		return err
	}

	openNew := sess == nil
	if sess != nil {
		last, err := i.repo.FindLatestMessageTime(ctx, tx, accountID, shopID)
		if err != nil {
			return err
		}
		// A long silence means the old conversation is over even if its
		// session is still open.
		if last != nil && msgs[0].SentAt.Sub(*last) > i.cfg.SessionGap() {
			openNew = true
		}
	}

	if openNew {
		if sess != nil {
			if err := i.displaceOwner(ctx, tx, sess, eff); err != nil {
				return err
			}
		}
		sess, err = i.openGapSession(ctx, tx, req, platform, accountID, shopID)
		if err != nil {
			return err
		}
		eff.created = true
	}
	eff.sess = sess

	now := time.Now().UTC()
	for idx := range msgs {
		m := &models.Message{
			MessageID:  msgs[idx].MessageID,
			SessionID:  sess.ID,
			Content:    msgs[idx].Content,
			SenderNick: msgs[idx].Nick,
			FromSource: classifySender(msgs[idx].Nick),
			SentAt:     msgs[idx].SentAt,
			CreatedAt:  now,
		}
		inserted, err := i.repo.InsertMessage(ctx, tx, m)
		if err != nil {
			return err
		}
		if !inserted {
			eff.skipped++
			continue
		}
		if err := i.repo.RecordMessageActivity(ctx, tx, sess.ID, m.SentAt); err != nil {
			return err
		}
		eff.inserted = append(eff.inserted, m)
	}
	return nil
}

// displaceOwner closes the slot owner so a gap session can take the pair.
// Active and transferred owners complete; a pending owner never spoke, so it
// cancels along with its undispatched tasks.
func (i *Ingestor) displaceOwner(ctx context.Context, tx *sqlx.Tx, owner *models.Session, eff *batchEffects) error {
	switch owner.State {
	case models.SessionStatePending:
		ok, err := i.repo.UpdateSessionState(ctx, tx, owner.ID, models.SessionStatePending, models.SessionStateCancelled)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Internal(fmt.Sprintf("session '%s' changed during ingest", owner.ID), nil)
		}
		if _, err := i.repo.CancelPendingTasks(ctx, tx, owner.ID); err != nil {
			return err
		}
		eff.displacedTo = models.SessionStateCancelled
		if err := i.repo.InsertOperation(ctx, tx, &models.OperationRecord{
			SessionID: owner.ID,
			Operation: models.OperationCancelled,
			Detail:    gapDetail,
			Notify:    true,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}

	case models.SessionStateActive, models.SessionStateTransferred:
		ok, err := i.repo.UpdateSessionState(ctx, tx, owner.ID, owner.State, models.SessionStateCompleted)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Internal(fmt.Sprintf("session '%s' changed during ingest", owner.ID), nil)
		}
		eff.displacedTo = models.SessionStateCompleted
		if err := i.repo.InsertOperation(ctx, tx, &models.OperationRecord{
			SessionID: owner.ID,
			Operation: models.OperationCompleted,
			Detail:    gapDetail,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}

	default:
		return apperrors.Internal(fmt.Sprintf("session '%s' holds the slot in state %s", owner.ID, owner.State), nil)
	}

	eff.displaced = owner
	return nil
}

// openGapSession creates the session an observed human conversation lands
// in: already TRANSFERRED, owed a notification.
func (i *Ingestor) openGapSession(ctx context.Context, tx *sqlx.Tx, req *Request, platform, accountID, shopID string) (*models.Session, error) {
	now := time.Now().UTC()
	maxInactive := req.MaxInactiveMinutes
	if maxInactive <= 0 {
		maxInactive = i.sessionCfg.DefaultHumanMaxInactiveMinutes
	}

	sess := &models.Session{
		ID:                 models.NewSessionID(),
		AccountID:          accountID,
		ShopID:             shopID,
		ShopName:           req.ShopName,
		Platform:           platform,
		TaskType:           models.TaskTypeManualCustomerService,
		Priority:           models.TaskTypeManualCustomerService.Priority(),
		State:              models.SessionStateTransferred,
		MaxInactiveMinutes: maxInactive,
		TransferReason:     gapDetail,
		TransferredAt:      &now,
		CreatedAt:          now,
		LastActivityAt:     now,
		UpdatedAt:          now,
	}
	if err := i.repo.CreateSession(ctx, tx, sess); err != nil {
		return nil, err
	}

	if err := i.repo.InsertOperation(ctx, tx, &models.OperationRecord{
		SessionID: sess.ID,
		Operation: models.OperationCreated,
		Detail:    gapDetail,
		Notify:    true,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

// detectIntervention checks the batch's account-sourced messages against the
// session's own outbound sends. Runs after the batch commit: the handover
// goes through the session manager, which owns its own transaction.
func (i *Ingestor) detectIntervention(ctx context.Context, eff *batchEffects) bool {
	sess := eff.sess
	if !sess.TaskType.IsBot() || sess.State != models.SessionStateActive {
		return false
	}

	for _, m := range eff.inserted {
		if m.FromSource != models.FromSourceAccount {
			continue
		}
		expected, err := i.classifier.ExpectedBotSend(ctx, sess, m)
		if err != nil {
			i.log.Error("Failed to classify account message",
				zap.String("session_id", sess.ID),
				zap.String("message_id", m.MessageID),
				zap.Error(err))
			continue
		}
		if expected {
			continue
		}

		if _, err := i.manager.Transfer(ctx, sess.ID, interventionReason, "high"); err != nil {
			// Another batch may have handed the session over already.
			if apperrors.Is(err, apperrors.CodeInvalidState) {
				return false
			}
			i.log.Error("Failed to transfer session after intervention",
				zap.String("session_id", sess.ID), zap.Error(err))
			return false
		}

		i.log.Info("Human intervention detected",
			zap.String("session_id", sess.ID),
			zap.String("message_id", m.MessageID),
			zap.String("sender_nick", m.SenderNick))
		i.publish(ctx, events.BuildSessionSubject(events.InterventionDetected, sess.ID),
			events.InterventionDetected, map[string]interface{}{
				"session_id": sess.ID,
				"message_id": m.MessageID,
				"nick":       m.SenderNick,
			})
		return true
	}
	return false
}

func (i *Ingestor) publishBatch(ctx context.Context, eff *batchEffects, res *Result) {
	if eff.created {
		i.publish(ctx, events.BuildSessionSubject(events.SessionCreated, eff.sess.ID),
			events.SessionCreated, map[string]interface{}{
				"session_id": eff.sess.ID,
				"account_id": eff.sess.AccountID,
				"shop_id":    eff.sess.ShopID,
				"task_type":  string(eff.sess.TaskType),
				"state":      string(eff.sess.State),
			})
	}
	if eff.displaced != nil {
		i.log.Info("Conversation gap closed the previous session",
			zap.String("session_id", eff.displaced.ID),
			zap.String("to_state", string(eff.displacedTo)))
	}
	for _, m := range eff.inserted {
		i.publish(ctx, events.BuildSessionSubject(events.MessageStored, m.SessionID),
			events.MessageStored, map[string]interface{}{
				"session_id":  m.SessionID,
				"message_id":  m.MessageID,
				"from_source": string(m.FromSource),
			})
	}
	i.publish(ctx, events.BuildSessionSubject(events.IngestBatchProcessed, eff.sess.ID),
		events.IngestBatchProcessed, map[string]interface{}{
			"session_id": eff.sess.ID,
			"processed":  res.Processed,
			"skipped":    res.Skipped,
		})
}

func (i *Ingestor) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if err := i.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		i.log.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// batchAccountID extracts the batch's own-account identity: the first
// own-side nick wins, and the full nick is the account id.
func batchAccountID(msgs []InboundMessage) string {
	for _, m := range msgs {
		if strings.HasPrefix(m.Nick, accountNickPrefix) {
			return m.Nick
		}
	}
	return ""
}

func classifySender(nick string) models.FromSource {
	if strings.HasPrefix(nick, accountNickPrefix) {
		return models.FromSourceAccount
	}
	return models.FromSourceShop
}
