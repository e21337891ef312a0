package repository

import (
	"context"
	"testing"
	"time"

	"github.com/chatbroker/chatbroker/internal/broker/models"
)

func TestInsertMessageDedup(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := newTestSession("acc-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStateActive)
	_ = repo.CreateSession(ctx, repo.DB(), session)

	now := time.Now().UTC()
	msg := &models.Message{
		MessageID:  "msg-1",
		SessionID:  session.ID,
		Content:    "这个能便宜点吗",
		SenderNick: "buyer-99",
		FromSource: models.FromSourceShop,
		SentAt:     now,
		CreatedAt:  now,
	}
	inserted, err := repo.InsertMessage(ctx, repo.DB(), msg)
	if err != nil {
		t.Fatalf("failed to insert message: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to report inserted")
	}

	// Platform redelivery of the same message id is ignored.
	replay := *msg
	replay.Content = "different body, same id"
	inserted, err = repo.InsertMessage(ctx, repo.DB(), &replay)
	if err != nil {
		t.Fatalf("failed to replay message: %v", err)
	}
	if inserted {
		t.Error("expected replay to be ignored")
	}

	got, err := repo.ListSessionMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Content != "这个能便宜点吗" {
		t.Errorf("expected original content to win, got %q", got[0].Content)
	}
}

func TestFindLatestMessageTime(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	got, err := repo.FindLatestMessageTime(ctx, repo.DB(), "acc-1", "shop-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no history, got %v", got)
	}

	// The pair's history spans sessions.
	first := newTestSession("acc-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStateCompleted)
	_ = repo.CreateSession(ctx, repo.DB(), first)
	second := newTestSession("acc-1", "shop-1", models.TaskTypeManualCustomerService, models.SessionStateActive)
	_ = repo.CreateSession(ctx, repo.DB(), second)

	base := time.Now().UTC().Truncate(time.Second)
	for _, m := range []*models.Message{
		{MessageID: "msg-1", SessionID: first.ID, FromSource: models.FromSourceShop, SentAt: base.Add(-time.Hour), CreatedAt: base},
		{MessageID: "msg-2", SessionID: second.ID, FromSource: models.FromSourceShop, SentAt: base, CreatedAt: base},
	} {
		if _, err := repo.InsertMessage(ctx, repo.DB(), m); err != nil {
			t.Fatalf("failed to insert %s: %v", m.MessageID, err)
		}
	}

	got, err = repo.FindLatestMessageTime(ctx, repo.DB(), "acc-1", "shop-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.Equal(base) {
		t.Errorf("expected %v, got %v", base, got)
	}

	other, err := repo.FindLatestMessageTime(ctx, repo.DB(), "acc-2", "shop-1")
	if err != nil || other != nil {
		t.Errorf("expected no history for other account, got %v err %v", other, err)
	}
}

func TestListSessionMessagesOrder(t *testing.T) {
	repo, cleanup := newTestRepo(t)
	defer cleanup()
	ctx := context.Background()

	session := newTestSession("acc-1", "shop-1", models.TaskTypeAutoBargain, models.SessionStateActive)
	_ = repo.CreateSession(ctx, repo.DB(), session)

	base := time.Now().UTC()
	// Insert out of order on purpose.
	for _, m := range []*models.Message{
		{MessageID: "msg-b", SessionID: session.ID, FromSource: models.FromSourceAccount, SentAt: base.Add(2 * time.Minute), CreatedAt: base},
		{MessageID: "msg-a", SessionID: session.ID, FromSource: models.FromSourceShop, SentAt: base.Add(time.Minute), CreatedAt: base},
	} {
		if _, err := repo.InsertMessage(ctx, repo.DB(), m); err != nil {
			t.Fatalf("failed to insert %s: %v", m.MessageID, err)
		}
	}

	got, err := repo.ListSessionMessages(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to list messages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].MessageID != "msg-a" || got[1].MessageID != "msg-b" {
		t.Errorf("expected conversation order, got %s then %s", got[0].MessageID, got[1].MessageID)
	}
}
