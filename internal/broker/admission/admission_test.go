package admission

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chatbroker/chatbroker/internal/broker/models"
	"github.com/chatbroker/chatbroker/internal/broker/queue"
	"github.com/chatbroker/chatbroker/internal/broker/repository"
	"github.com/chatbroker/chatbroker/internal/common/config"
	apperrors "github.com/chatbroker/chatbroker/internal/common/errors"
	"github.com/chatbroker/chatbroker/internal/common/logger"
	"github.com/chatbroker/chatbroker/internal/db"
	"github.com/chatbroker/chatbroker/internal/db/dialect"
	"github.com/chatbroker/chatbroker/internal/events/bus"
)

func newTestController(t *testing.T) (*Controller, *repository.Repository, *queue.MemoryQueue, func()) {
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

	q := queue.NewMemory()
	eventBus := bus.NewMemoryEventBus(log)
	sessionCfg := &config.SessionConfig{
		DefaultMaxInactiveMinutes:      60,
		DefaultHumanMaxInactiveMinutes: 480,
		PendingGraceSeconds:            60,
		ReapIntervalSeconds:            30,
	}
	dispatchCfg := &config.DispatchConfig{
		ReconcileIntervalSeconds: 30,
		RequeueGraceSeconds:      120,
		SendURLTemplates: map[string]string{
			models.DefaultPlatform: "https://chat.taobao.tw/im/send?shop_id={shop_id}",
		},
	}

	ctrl := NewController(repo, q, eventBus, sessionCfg, dispatchCfg, log)
	cleanup := func() {
		eventBus.Close()
		_ = q.Close()
		_ = pool.Close()
	}
	return ctrl, repo, q, cleanup
}

func newRequest(taskType models.TaskType, externalID string) *Request {
	return &Request{
		AccountID:      "acc-1",
		ShopID:         "shop-1",
		ShopName:       "旗舰店",
		TaskType:       taskType,
		ExternalTaskID: externalID,
		SendContent:    "您好，有什么可以帮您",
	}
}

func TestAdmitAccept(t *testing.T) {
	ctrl, repo, q, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	res, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-1"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", res.Outcome)
	}
	if res.Session.State != models.SessionStatePending {
		t.Errorf("expected pending session, got %s", res.Session.State)
	}
	if res.Session.Priority != models.PriorityMedium {
		t.Errorf("expected priority %d, got %d", models.PriorityMedium, res.Session.Priority)
	}
	if res.Session.MaxInactiveMinutes != 60 {
		t.Errorf("expected bot default inactivity window, got %d", res.Session.MaxInactiveMinutes)
	}
	if res.Task.ID == 0 {
		t.Error("expected task id to be set")
	}
	if !strings.Contains(res.Task.SendURL, "shop_id=shop-1") {
		t.Errorf("expected rendered send url, got %q", res.Task.SendURL)
	}

	// The task is queued for a worker.
	id, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("expected queued task: ok=%v err=%v", ok, err)
	}
	if id != res.Task.ID {
		t.Errorf("expected queued id %d, got %d", res.Task.ID, id)
	}

	// Creation is audited.
	ops, err := repo.ListSessionOperations(ctx, res.Session.ID)
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	if len(ops) != 1 || ops[0].Operation != models.OperationCreated {
		t.Fatalf("expected one created operation, got %+v", ops)
	}

	// Human requests default to the longer window.
	res2, err := ctrl.Admit(ctx, &Request{
		AccountID:      "acc-2",
		ShopID:         "shop-2",
		TaskType:       models.TaskTypeManualUrgent,
		ExternalTaskID: "ext-2",
	})
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	if res2.Session.MaxInactiveMinutes != 480 {
		t.Errorf("expected human default inactivity window, got %d", res2.Session.MaxInactiveMinutes)
	}
}

func TestAdmitDuplicateReplay(t *testing.T) {
	ctrl, _, q, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	first, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-1"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	replay, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-1"))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", replay.Outcome)
	}
	if replay.Session.ID != first.Session.ID {
		t.Errorf("expected original session %s, got %s", first.Session.ID, replay.Session.ID)
	}
	if replay.Task.ID != first.Task.ID {
		t.Errorf("expected original task %d, got %d", first.Task.ID, replay.Task.ID)
	}

	// No second queue entry.
	if n, _ := q.Len(ctx); n != 1 {
		t.Errorf("expected 1 queued task, got %d", n)
	}
}

func TestAdmitReplayRetriesFailedSend(t *testing.T) {
	ctrl, repo, q, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	first, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-1"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	// Worker takes the task and reports a failed send; the session keeps the
	// slot in PENDING.
	if _, _, err := q.Pop(ctx); err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if ok, err := repo.MarkTaskSent(ctx, repo.DB(), first.Task.ID); err != nil || !ok {
		t.Fatalf("failed to mark task sent: ok=%v err=%v", ok, err)
	}
	if ok, err := repo.FailTask(ctx, repo.DB(), first.Task.ID, "发送超时"); err != nil || !ok {
		t.Fatalf("failed to fail task: ok=%v err=%v", ok, err)
	}

	// Replaying the same external id is the explicit retry.
	replay, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-1"))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if replay.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", replay.Outcome)
	}
	if replay.Task.Status != models.TaskStatusPending {
		t.Errorf("expected task back to pending, got %s", replay.Task.Status)
	}

	stored, err := repo.GetSendTask(ctx, first.Task.ID)
	if err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	if stored.Status != models.TaskStatusPending || stored.Error != "" || stored.SentAt != nil {
		t.Errorf("expected reset pending task, got status=%s error=%q sent_at=%v",
			stored.Status, stored.Error, stored.SentAt)
	}

	// The retry is back on the queue.
	id, ok, err := q.Pop(ctx)
	if err != nil || !ok {
		t.Fatalf("expected requeued task: ok=%v err=%v", ok, err)
	}
	if id != first.Task.ID {
		t.Errorf("expected task %d requeued, got %d", first.Task.ID, id)
	}

	// Replaying once more is a plain duplicate: the task is pending again, so
	// nothing flips and nothing is pushed.
	again, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-1"))
	if err != nil {
		t.Fatalf("second replay failed: %v", err)
	}
	if again.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", again.Outcome)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("expected empty queue after plain replay, got %d entries", n)
	}
}

func TestAdmitBotConflict(t *testing.T) {
	ctrl, _, _, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	first, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-1"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	res, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoFollowUp, "ext-2"))
	if err != nil {
		t.Fatalf("conflict admission errored: %v", err)
	}
	if res.Outcome != OutcomeConflict {
		t.Fatalf("expected conflict, got %s", res.Outcome)
	}
	if res.Conflict == nil || res.Conflict.ID != first.Session.ID {
		t.Fatalf("expected conflict with %s, got %+v", first.Session.ID, res.Conflict)
	}
}

func TestAdmitBotNeverPreempts(t *testing.T) {
	ctrl, _, _, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	// auto_follow_up (4) holds the slot; auto_bargain (3) outranks it
	// numerically but bots never preempt anything.
	if _, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoFollowUp, "ext-1")); err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	res, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-2"))
	if err != nil {
		t.Fatalf("admission errored: %v", err)
	}
	if res.Outcome != OutcomeConflict {
		t.Fatalf("expected conflict, got %s", res.Outcome)
	}
}

func TestAdmitHumanPreemptsActiveBot(t *testing.T) {
	ctrl, repo, _, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	bot, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-bot"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	ok, err := repo.UpdateSessionState(ctx, repo.DB(), bot.Session.ID, models.SessionStatePending, models.SessionStateActive)
	if err != nil || !ok {
		t.Fatalf("failed to activate bot session: ok=%v err=%v", ok, err)
	}

	human, err := ctrl.Admit(ctx, newRequest(models.TaskTypeManualUrgent, "ext-human"))
	if err != nil {
		t.Fatalf("preempting admission failed: %v", err)
	}
	if human.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", human.Outcome)
	}

	paused, _ := repo.GetSession(ctx, bot.Session.ID)
	if paused.State != models.SessionStatePaused {
		t.Errorf("expected bot session paused, got %s", paused.State)
	}
	if paused.TransferReason != "preempted_by:manual_urgent" {
		t.Errorf("unexpected transfer reason %q", paused.TransferReason)
	}

	// The preemption is audited with a notification row.
	ops, _ := repo.ListSessionOperations(ctx, bot.Session.ID)
	var found bool
	for _, op := range ops {
		if op.Operation == models.OperationPreempted && op.Notify {
			found = true
		}
	}
	if !found {
		t.Error("expected notifying preempted operation")
	}
}

func TestAdmitHumanPreemptsPendingBot(t *testing.T) {
	ctrl, repo, q, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	bot, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-bot"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}

	human, err := ctrl.Admit(ctx, newRequest(models.TaskTypeManualCustomerService, "ext-human"))
	if err != nil {
		t.Fatalf("preempting admission failed: %v", err)
	}
	if human.Outcome != OutcomeAccepted {
		t.Fatalf("expected accepted, got %s", human.Outcome)
	}

	// A pending session cannot pause; it is cancelled along with its task.
	cancelled, _ := repo.GetSession(ctx, bot.Session.ID)
	if cancelled.State != models.SessionStateCancelled {
		t.Errorf("expected bot session cancelled, got %s", cancelled.State)
	}
	botTask, _ := repo.GetSendTask(ctx, bot.Task.ID)
	if botTask.Status != models.TaskStatusCancelled {
		t.Errorf("expected bot task cancelled, got %s", botTask.Status)
	}

	// Queue still holds both ids; the cancelled one dies at send_info.
	if n, _ := q.Len(ctx); n != 2 {
		t.Errorf("expected 2 queue entries, got %d", n)
	}
}

func TestAdmitEqualHumanPriorityConflicts(t *testing.T) {
	ctrl, repo, _, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	cs, err := ctrl.Admit(ctx, newRequest(models.TaskTypeManualCustomerService, "ext-1"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	_, _ = repo.UpdateSessionState(ctx, repo.DB(), cs.Session.ID, models.SessionStatePending, models.SessionStateActive)

	// manual_complaint shares priority 2 with manual_customer_service.
	res, err := ctrl.Admit(ctx, newRequest(models.TaskTypeManualComplaint, "ext-2"))
	if err != nil {
		t.Fatalf("admission errored: %v", err)
	}
	if res.Outcome != OutcomeConflict {
		t.Fatalf("expected conflict on equal priority, got %s", res.Outcome)
	}
}

func TestAdmitTransferredNeverYields(t *testing.T) {
	ctrl, repo, _, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	bot, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-1"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	_, _ = repo.UpdateSessionState(ctx, repo.DB(), bot.Session.ID, models.SessionStatePending, models.SessionStateActive)
	_, _ = repo.MarkTransferred(ctx, repo.DB(), bot.Session.ID, "human_intervention_detected", models.SessionStateActive)

	res, err := ctrl.Admit(ctx, newRequest(models.TaskTypeManualUrgent, "ext-2"))
	if err != nil {
		t.Fatalf("admission errored: %v", err)
	}
	if res.Outcome != OutcomeConflict {
		t.Fatalf("expected transferred session to hold the slot, got %s", res.Outcome)
	}
}

func TestAdmitValidation(t *testing.T) {
	ctrl, _, _, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	cases := []struct {
		name string
		req  *Request
	}{
		{"missing account", &Request{ShopID: "shop-1", TaskType: models.TaskTypeAutoBargain, ExternalTaskID: "e"}},
		{"missing shop", &Request{AccountID: "acc-1", TaskType: models.TaskTypeAutoBargain, ExternalTaskID: "e"}},
		{"missing external id", &Request{AccountID: "acc-1", ShopID: "shop-1", TaskType: models.TaskTypeAutoBargain}},
		{"unknown task type", &Request{AccountID: "acc-1", ShopID: "shop-1", TaskType: "telepathy", ExternalTaskID: "e"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ctrl.Admit(ctx, tc.req)
			if !apperrors.Is(err, apperrors.CodeValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAdmitReleasedSlotAccepts(t *testing.T) {
	ctrl, repo, _, cleanup := newTestController(t)
	defer cleanup()
	ctx := context.Background()

	first, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoBargain, "ext-1"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	_, _ = repo.UpdateSessionState(ctx, repo.DB(), first.Session.ID, models.SessionStatePending, models.SessionStateActive)
	_, _ = repo.UpdateSessionState(ctx, repo.DB(), first.Session.ID, models.SessionStateActive, models.SessionStateCompleted)

	second, err := ctrl.Admit(ctx, newRequest(models.TaskTypeAutoFollowUp, "ext-2"))
	if err != nil {
		t.Fatalf("admission failed: %v", err)
	}
	if second.Outcome != OutcomeAccepted {
		t.Fatalf("expected freed slot to accept, got %s", second.Outcome)
	}
}
