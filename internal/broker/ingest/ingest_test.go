package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/broker/session"
	"github.com/chatbroker/chatbroker/internal/common/config"
	apperrors "github.com/chatbroker/chatbroker/internal/common/errors"
	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/db"
	"github.com/chatbroker/chatbroker/internal/db/dialect"
	"github.com/chatbroker/chatbroker/internal/events/bus"
	v1 "github.com/chatbroker/chatbroker/pkg/api/v1"
)

func newTestIngestor(t *testing.T) (*Ingestor, *repository.Repository, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	pool, err := db.Open(dialect.SQLite3, dbPath, 0)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	repo, err := repository.New(pool)
	if err != nil {
		_ = pool.Close()
		t.Fatalf("failed to create repository: %v", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	eventBus := bus.NewMemoryEventBus(log)

	sessionCfg := &config.SessionConfig{
		DefaultMaxInactiveMinutes:      60,
		DefaultHumanMaxInactiveMinutes: 480,
		PendingGraceSeconds:            60,
		ReapIntervalSeconds:            30,
	}
	ingestCfg := &config.IngestConfig{
		SessionGapMinutes:         30,
		InterventionWindowSeconds: 600,
	}

	mgr := session.NewManager(repo, eventBus, sessionCfg, log)
	classifier := NewTaskMatchClassifier(repo, ingestCfg)
	ing := NewIngestor(repo, mgr, classifier, eventBus, ingestCfg, sessionCfg, log)

	cleanup := func() {
		eventBus.Close()
		_ = pool.Close()
	}
	return ing, repo, cleanup
}

func seedOwner(t *testing.T, repo *repository.Repository, accountID, shopID string, taskType models.TaskType, state models.SessionState) *models.Session {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := repo.EnsureAccount(ctx, repo.DB(), accountID, models.DefaultPlatform); err != nil {
		t.Fatalf("failed to ensure account: %v", err)
	}
	if _, err := repo.ResolveShopID(ctx, repo.DB(), shopID, models.DefaultPlatform); err != nil {
		t.Fatalf("failed to register shop: %v", err)
	}

	s := &models.Session{
		ID:                 models.NewSessionID(),
		AccountID:          accountID,
		ShopID:             shopID,
		ShopName:           shopID,
		Platform:           models.DefaultPlatform,
		TaskType:           taskType,
		Priority:           taskType.Priority(),
		State:              state,
		MaxInactiveMinutes: 60,
		CreatedAt:          now,
		LastActivityAt:     now,
		UpdatedAt:          now,
	}
	if err := repo.CreateSession(ctx, repo.DB(), s); err != nil {
		t.Fatalf("failed to seed session: %v", err)
	}
	return s
}

func seedMessage(t *testing.T, repo *repository.Repository, sessionID, messageID, nick string, sentAt time.Time) {
	t.Helper()
	src := models.FromSourceShop
	if strings.HasPrefix(nick, "t-") {
		src = models.FromSourceAccount
	}
	_, err := repo.InsertMessage(context.Background(), repo.DB(), &models.Message{
		MessageID:  messageID,
		SessionID:  sessionID,
		Content:    "历史消息",
		SenderNick: nick,
		FromSource: src,
		SentAt:     sentAt,
		CreatedAt:  sentAt,
	})
	if err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
}

func seedSentTask(t *testing.T, repo *repository.Repository, sessionID, content string) *models.SendTask {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	task := &models.SendTask{
		SessionID:      sessionID,
		ExternalTaskID: "ext-" + sessionID,
		TaskType:       models.TaskTypeAutoBargain,
		SendContent:    content,
		SendURL:        "https://chat.example.com/send?shop_id=1",
		ShopName:       "shop",
		Status:         models.TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.CreateSendTask(ctx, repo.DB(), task); err != nil {
		t.Fatalf("failed to seed task: %v", err)
	}
	if ok, err := repo.MarkTaskSent(ctx, repo.DB(), task.ID); err != nil || !ok {
		t.Fatalf("failed to mark task sent: ok=%v err=%v", ok, err)
	}
	return task
}

func TestIngestOpensSessionForNewPair(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	// Capture clocks run slightly ahead of the broker's.
	base := time.Now().UTC().Truncate(time.Second).Add(time.Minute)
	res, err := ing.Ingest(ctx, &Request{
		ShopName: "某某旗舰店",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "buyer-service", Content: "您好，请问有什么需要", SentAt: base},
			{MessageID: "m-2", Nick: "t-acct-1", Content: "这个订单还有货吗", SentAt: base.Add(time.Second)},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if res.Processed != 2 || res.Skipped != 0 {
		t.Errorf("expected processed=2 skipped=0, got %d/%d", res.Processed, res.Skipped)
	}
	if res.ActiveSessionID == "" {
		t.Fatal("expected a resolved session id")
	}
	if len(res.SessionOperations) != 1 || res.SessionOperations[0] != "created" {
		t.Errorf("expected [created], got %v", res.SessionOperations)
	}

	sess, err := repo.GetSession(ctx, res.ActiveSessionID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if sess.TaskType != models.TaskTypeManualCustomerService {
		t.Errorf("expected manual_customer_service, got %s", sess.TaskType)
	}
	if sess.State != models.SessionStateTransferred {
		t.Errorf("expected transferred, got %s", sess.State)
	}
	if sess.AccountID != "t-acct-1" {
		t.Errorf("expected account from t- nick, got %q", sess.AccountID)
	}
	if sess.MessageCount != 2 {
		t.Errorf("expected message_count=2, got %d", sess.MessageCount)
	}
	if !sess.LastActivityAt.Equal(base.Add(time.Second)) {
		t.Errorf("expected last_activity at max sent_at %v, got %v", base.Add(time.Second), sess.LastActivityAt)
	}
	if sess.MaxInactiveMinutes != 480 {
		t.Errorf("expected human default inactivity window, got %d", sess.MaxInactiveMinutes)
	}

	// The new session owes the upstream a notification.
	ops, _ := repo.ListSessionOperations(ctx, sess.ID)
	if len(ops) != 1 || ops[0].Operation != models.OperationCreated || !ops[0].Notify {
		t.Fatalf("expected one notifying created operation, got %+v", ops)
	}

	// Shop registered by name on first sight.
	shop, err := repo.GetShop(ctx, sess.ShopID)
	if err != nil || shop == nil {
		t.Fatalf("expected registered shop, got %v err %v", shop, err)
	}
	if shop.ShopName != "某某旗舰店" {
		t.Errorf("unexpected shop name %q", shop.ShopName)
	}

	// Messages stored in conversation order.
	msgs, _ := repo.ListSessionMessages(ctx, sess.ID)
	if len(msgs) != 2 || msgs[0].MessageID != "m-1" || msgs[1].MessageID != "m-2" {
		t.Fatalf("unexpected message order: %+v", msgs)
	}
	if msgs[0].FromSource != models.FromSourceShop || msgs[1].FromSource != models.FromSourceAccount {
		t.Error("expected shop then account attribution")
	}
}

func TestIngestAttachesWithinGap(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second).Add(time.Minute)
	owner := seedOwner(t, repo, "t-acct-1", "shop-1", models.TaskTypeManualCustomerService, models.SessionStateTransferred)
	seedMessage(t, repo, owner.ID, "old-1", "buyer-service", base.Add(-10*time.Minute))

	res, err := ing.Ingest(ctx, &Request{
		ShopName:  "shop-1",
		AccountID: "t-acct-1",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "buyer-service", Content: "在的，请讲", SentAt: base},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if res.ActiveSessionID != owner.ID {
		t.Errorf("expected batch attached to %s, got %s", owner.ID, res.ActiveSessionID)
	}
	if len(res.SessionOperations) != 1 || res.SessionOperations[0] != "updated" {
		t.Errorf("expected [updated], got %v", res.SessionOperations)
	}

	sess, _ := repo.GetSession(ctx, owner.ID)
	if sess.MessageCount != 1 {
		t.Errorf("expected message_count=1, got %d", sess.MessageCount)
	}
	if !sess.LastActivityAt.Equal(base) {
		t.Errorf("expected last_activity %v, got %v", base, sess.LastActivityAt)
	}
}

func TestIngestReplayIsIdempotent(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	req := &Request{
		ShopName: "shop-1",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "t-acct-1", Content: "你好", SentAt: now.Add(-time.Minute)},
			{MessageID: "m-2", Nick: "buyer-service", Content: "在的", SentAt: now},
		},
	}

	first, err := ing.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if first.Processed != 2 {
		t.Fatalf("expected processed=2, got %d", first.Processed)
	}
	before, _ := repo.GetSession(ctx, first.ActiveSessionID)

	second, err := ing.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if second.Processed != 0 || second.Skipped != 2 {
		t.Errorf("expected processed=0 skipped=2, got %d/%d", second.Processed, second.Skipped)
	}
	if second.ActiveSessionID != first.ActiveSessionID {
		t.Errorf("expected same session, got %s then %s", first.ActiveSessionID, second.ActiveSessionID)
	}
	if len(second.SessionOperations) != 0 {
		t.Errorf("expected no session operations on replay, got %v", second.SessionOperations)
	}

	after, _ := repo.GetSession(ctx, first.ActiveSessionID)
	if !after.LastActivityAt.Equal(before.LastActivityAt) {
		t.Error("replay must not move the activity clock")
	}
	if after.MessageCount != before.MessageCount {
		t.Errorf("replay must not bump message_count: %d -> %d", before.MessageCount, after.MessageCount)
	}
}

func TestIngestGapDisplacesActiveOwner(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	owner := seedOwner(t, repo, "t-acct-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStateActive)
	seedMessage(t, repo, owner.ID, "old-1", "buyer-service", now.Add(-45*time.Minute))

	res, err := ing.Ingest(ctx, &Request{
		ShopName: "shop-1",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "buyer-service", Content: "又来打扰了", SentAt: now},
			{MessageID: "m-2", Nick: "t-acct-1", Content: "您好", SentAt: now.Add(time.Second)},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if res.ActiveSessionID == owner.ID {
		t.Fatal("expected a new session after the gap")
	}
	if res.SessionOperations[0] != "created" {
		t.Errorf("expected created first, got %v", res.SessionOperations)
	}

	displaced, _ := repo.GetSession(ctx, owner.ID)
	if displaced.State != models.SessionStateCompleted {
		t.Errorf("expected displaced owner completed, got %s", displaced.State)
	}
	ops, _ := repo.ListSessionOperations(ctx, owner.ID)
	var sawGapClose bool
	for _, op := range ops {
		if op.Operation == models.OperationCompleted && op.Detail == "conversation_gap" {
			sawGapClose = true
		}
	}
	if !sawGapClose {
		t.Error("expected gap-close operation on the displaced owner")
	}

	fresh, _ := repo.GetSession(ctx, res.ActiveSessionID)
	if fresh.TaskType != models.TaskTypeManualCustomerService || fresh.State != models.SessionStateTransferred {
		t.Errorf("unexpected gap session %s/%s", fresh.TaskType, fresh.State)
	}
}

func TestIngestGapCancelsPendingOwner(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)

	// History lives in an already-finished session.
	done := seedOwner(t, repo, "t-acct-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStateCompleted)
	seedMessage(t, repo, done.ID, "old-1", "buyer-service", now.Add(-2*time.Hour))

	owner := seedOwner(t, repo, "t-acct-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStatePending)
	task := seedPendingTask(t, repo, owner.ID)

	res, err := ing.Ingest(ctx, &Request{
		ShopName:  "shop-1",
		AccountID: "t-acct-1",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "buyer-service", Content: "请问发货了吗", SentAt: now},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	cancelled, _ := repo.GetSession(ctx, owner.ID)
	if cancelled.State != models.SessionStateCancelled {
		t.Errorf("expected pending owner cancelled, got %s", cancelled.State)
	}
	deadTask, _ := repo.GetSendTask(ctx, task.ID)
	if deadTask.Status != models.TaskStatusCancelled {
		t.Errorf("expected owner's task cancelled, got %s", deadTask.Status)
	}

	fresh, _ := repo.GetSession(ctx, res.ActiveSessionID)
	if fresh.State != models.SessionStateTransferred {
		t.Errorf("expected transferred gap session, got %s", fresh.State)
	}
}

func TestIngestDetectsIntervention(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	owner := seedOwner(t, repo, "t-acct-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStateActive)
	seedMessage(t, repo, owner.ID, "old-1", "buyer-service", now.Add(-5*time.Minute))
	seedSentTask(t, repo, owner.ID, "您好，已为您申请优惠")

	res, err := ing.Ingest(ctx, &Request{
		ShopName: "shop-1",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "buyer-service", Content: "能再便宜点吗", SentAt: now.Add(-time.Minute)},
			{MessageID: "m-2", Nick: "t-acct-1", Content: "老板说这是最低价了，再送您一张券", SentAt: now},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	var sawTransferred bool
	for _, op := range res.SessionOperations {
		if op == "transferred" {
			sawTransferred = true
		}
	}
	if !sawTransferred {
		t.Fatalf("expected transferred in %v", res.SessionOperations)
	}

	sess, _ := repo.GetSession(ctx, owner.ID)
	if sess.State != models.SessionStateTransferred {
		t.Errorf("expected transferred session, got %s", sess.State)
	}
	if sess.TransferReason != "human_intervention_detected" {
		t.Errorf("unexpected reason %q", sess.TransferReason)
	}

	// Exactly one notifying handover row.
	ops, _ := repo.ListSessionOperations(ctx, owner.ID)
	notifying := 0
	for _, op := range ops {
		if op.Operation == models.OperationTransferred && op.Notify {
			notifying++
		}
	}
	if notifying != 1 {
		t.Errorf("expected one notifying transfer, got %d", notifying)
	}

	recs, _ := repo.ListTransferRecords(ctx, owner.ID)
	if len(recs) != 1 || recs[0].Reason != "human_intervention_detected" {
		t.Fatalf("unexpected transfer records %+v", recs)
	}
}

func TestIngestIgnoresBotEcho(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	owner := seedOwner(t, repo, "t-acct-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStateActive)
	seedMessage(t, repo, owner.ID, "old-1", "buyer-service", now.Add(-5*time.Minute))
	seedSentTask(t, repo, owner.ID, "您好，已为您申请优惠")

	// The console echoes the bot's own send back with stray whitespace.
	res, err := ing.Ingest(ctx, &Request{
		ShopName: "shop-1",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "t-acct-1", Content: " 您好，已为您申请优惠 ", SentAt: now},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	for _, op := range res.SessionOperations {
		if op == "transferred" {
			t.Fatal("bot echo must not trigger a handover")
		}
	}
	sess, _ := repo.GetSession(ctx, owner.ID)
	if sess.State != models.SessionStateActive {
		t.Errorf("expected session to stay active, got %s", sess.State)
	}
}

func TestIngestNickMismatchTransfers(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	owner := seedOwner(t, repo, "t-acct-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStateActive)
	seedMessage(t, repo, owner.ID, "old-1", "buyer-service", now.Add(-5*time.Minute))
	seedSentTask(t, repo, owner.ID, "您好，已为您申请优惠")

	// A second own-side identity typing in the same console is a human even
	// when the content matches an outstanding send.
	_, err := ing.Ingest(ctx, &Request{
		ShopName: "shop-1",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "t-acct-1", Content: "您好，已为您申请优惠", SentAt: now.Add(-time.Second)},
			{MessageID: "m-2", Nick: "t-acct-2", Content: "您好，已为您申请优惠", SentAt: now},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	sess, _ := repo.GetSession(ctx, owner.ID)
	if sess.State != models.SessionStateTransferred {
		t.Errorf("expected transferred session, got %s", sess.State)
	}
}

func TestIngestSkipsInterventionForPendingOwner(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	owner := seedOwner(t, repo, "t-acct-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStatePending)

	res, err := ing.Ingest(ctx, &Request{
		ShopName: "shop-1",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "t-acct-1", Content: "手动打招呼", SentAt: now},
		},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if res.ActiveSessionID != owner.ID {
		t.Errorf("expected attach to pending owner, got %s", res.ActiveSessionID)
	}
	sess, _ := repo.GetSession(ctx, owner.ID)
	if sess.State != models.SessionStatePending {
		t.Errorf("expected pending owner untouched, got %s", sess.State)
	}
}

func TestIngestNoAccount(t *testing.T) {
	ing, repo, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC()
	_, err := ing.Ingest(ctx, &Request{
		ShopName: "shop-1",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "buyer-service", Content: "有人吗", SentAt: now},
		},
	})
	if !apperrors.Is(err, apperrors.CodeNoAccount) {
		t.Fatalf("expected NO_ACCOUNT, got %v", err)
	}

	// The batch-level override rescues account-less batches.
	res, err := ing.Ingest(ctx, &Request{
		ShopName:  "shop-1",
		AccountID: "t-acct-override",
		Messages: []InboundMessage{
			{MessageID: "m-1", Nick: "buyer-service", Content: "有人吗", SentAt: now},
		},
	})
	if err != nil {
		t.Fatalf("ingest with override failed: %v", err)
	}
	sess, _ := repo.GetSession(ctx, res.ActiveSessionID)
	if sess.AccountID != "t-acct-override" {
		t.Errorf("expected override account, got %q", sess.AccountID)
	}
}

func TestIngestValidation(t *testing.T) {
	ing, _, cleanup := newTestIngestor(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := ing.Ingest(ctx, &Request{Messages: []InboundMessage{{MessageID: "m"}}}); !apperrors.Is(err, apperrors.CodeValidation) {
		t.Errorf("expected VALIDATION for missing shop, got %v", err)
	}
	if _, err := ing.Ingest(ctx, &Request{ShopName: "shop-1"}); !apperrors.Is(err, apperrors.CodeValidation) {
		t.Errorf("expected VALIDATION for empty batch, got %v", err)
	}
}

func TestParseBatch(t *testing.T) {
	msgs, errs := ParseBatch([]v1.RawMessage{
		{ID: "m-1", Nick: "t-a", Content: "a", Time: "2026-03-01T10:00:00Z"},
		{ID: "m-2", Nick: "b", Content: "b", Time: "2026-03-01 10:01:00"},
		{ID: "m-3", Nick: "c", Content: "c", Time: "yesterday-ish"},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 parsed messages, got %d", len(msgs))
	}
	if len(errs) != 1 || !strings.Contains(errs[0], "m-3") {
		t.Fatalf("expected one error naming m-3, got %v", errs)
	}
	if !msgs[0].SentAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected time %v", msgs[0].SentAt)
	}
	if !msgs[1].SentAt.Equal(time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)) {
		t.Errorf("expected zone-less time read as UTC, got %v", msgs[1].SentAt)
	}
}

func seedPendingTask(t *testing.T, repo *repository.Repository, sessionID string) *models.SendTask {
	t.Helper()
	now := time.Now().UTC()
	task := &models.SendTask{
		SessionID:      sessionID,
		ExternalTaskID: "ext-" + sessionID,
		TaskType:       models.TaskTypeAutoBargain,
		SendContent:    "自动跟进",
		SendURL:        "https://chat.example.com/send?shop_id=1",
		ShopName:       "shop",
		Status:         models.TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.CreateSendTask(context.Background(), repo.DB(), task); err != nil {
		t.Fatalf("failed to seed task: %v", err)
	}
	return task
}
