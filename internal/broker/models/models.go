// Package models defines the broker's persisted entities: sessions, send
// tasks, messages, transfer records and the operations outbox.
package models

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/chatbroker/chatbroker/pkg/api/v1"
)

// DefaultPlatform is assumed when a request omits the platform field.
const DefaultPlatform = "淘天"

// TaskType classifies who drives the conversation and at what urgency.
type TaskType string

const (
	// TaskTypeAutoBargain is a bot-driven price negotiation follow-up.
	TaskTypeAutoBargain TaskType = "auto_bargain"
	// TaskTypeAutoFollowUp is a bot-driven courtesy follow-up.
	TaskTypeAutoFollowUp TaskType = "auto_follow_up"
	// TaskTypeManualCustomerService is a human customer-service takeover.
	TaskTypeManualCustomerService TaskType = "manual_customer_service"
	// TaskTypeManualComplaint is a human complaint handling takeover.
	TaskTypeManualComplaint TaskType = "manual_complaint"
	// TaskTypeManualUrgent is a human emergency takeover.
	TaskTypeManualUrgent TaskType = "manual_urgent"
)

// Priority levels. Lower value wins (1 outranks 4).
const (
	PriorityEmergency = 1
	PriorityHigh      = 2
	PriorityMedium    = 3
	PriorityLow       = 4
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeAutoBargain, TaskTypeAutoFollowUp,
		TaskTypeManualCustomerService, TaskTypeManualComplaint, TaskTypeManualUrgent:
		return true
	}
	return false
}

// Priority returns the scheduling priority derived from the task type.
func (t TaskType) Priority() int {
	switch t {
	case TaskTypeManualUrgent:
		return PriorityEmergency
	case TaskTypeManualCustomerService, TaskTypeManualComplaint:
		return PriorityHigh
	case TaskTypeAutoBargain:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// IsBot reports whether the task type is machine-driven.
func (t TaskType) IsBot() bool {
	return strings.HasPrefix(string(t), "auto_")
}

// IsHuman reports whether the task type is human-driven.
func (t TaskType) IsHuman() bool {
	return !t.IsBot()
}

// SessionState is the lifecycle state of a session.
type SessionState string

const (
	// SessionStatePending - admitted, waiting for the first successful send
	SessionStatePending SessionState = "pending"
	// SessionStateActive - bot conversation in flight
	SessionStateActive SessionState = "active"
	// SessionStateCompleted - finished normally
	SessionStateCompleted SessionState = "completed"
	// SessionStateTransferred - a human holds the conversation
	SessionStateTransferred SessionState = "transferred"
	// SessionStatePaused - preempted by a higher-priority session, parked
	SessionStatePaused SessionState = "paused"
	// SessionStateCancelled - abandoned before activation or while paused
	SessionStateCancelled SessionState = "cancelled"
	// SessionStateTimeout - reaped for inactivity
	SessionStateTimeout SessionState = "timeout"
)

// SlotStates are the states in which a session owns the (account, shop)
// conversation slot. The store enforces at most one such session per pair.
// Paused sessions are parked and excluded: preemption leaves the loser
// PAUSED next to the winner's PENDING.
func SlotStates() []SessionState {
	return []SessionState{SessionStatePending, SessionStateActive, SessionStateTransferred}
}

// IsTerminal reports whether the state is final. Terminal sessions are
// immutable except for message back-references.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateCompleted, SessionStateCancelled, SessionStateTimeout:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle graph allows s -> to.
// Any non-terminal state may time out.
func (s SessionState) CanTransitionTo(to SessionState) bool {
	if s.IsTerminal() {
		return false
	}
	if to == SessionStateTimeout {
		return true
	}
	switch s {
	case SessionStatePending:
		return to == SessionStateActive || to == SessionStateCancelled
	case SessionStateActive:
		return to == SessionStateCompleted || to == SessionStateTransferred || to == SessionStatePaused
	case SessionStatePaused:
		return to == SessionStateActive || to == SessionStateCancelled
	case SessionStateTransferred:
		return to == SessionStateCompleted
	}
	return false
}

// TaskStatus is the dispatch state of a send task.
type TaskStatus string

const (
	// TaskStatusPending - queued, not yet handed to a worker
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusSent - a worker fetched the send info
	TaskStatusSent TaskStatus = "sent"
	// TaskStatusCompleted - the worker confirmed delivery
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed - the worker reported a send failure
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled - the owning session was cancelled before dispatch
	TaskStatusCancelled TaskStatus = "cancelled"
)

// FromSource tells which side of the conversation authored a message.
type FromSource string

const (
	// FromSourceAccount - our own shop account (bot or human operator)
	FromSourceAccount FromSource = "account"
	// FromSourceShop - the customer talking to the shop
	FromSourceShop FromSource = "shop"
)

// OperationType labels an audit/outbox row.
type OperationType string

const (
	OperationCreated     OperationType = "created"
	OperationPreempted   OperationType = "preempted"
	OperationActivated   OperationType = "activated"
	OperationCompleted   OperationType = "completed"
	OperationFailed      OperationType = "failed"
	OperationCancelled   OperationType = "cancelled"
	OperationTransferred OperationType = "transferred"
	OperationTimeout     OperationType = "timeout"
	OperationReleased    OperationType = "released"
)

// NewSessionID mints a session identifier: "sess_" + 12 hex chars.
func NewSessionID() string {
	u := uuid.New()
	return "sess_" + hex.EncodeToString(u[:])[:12]
}

// Session represents one brokered conversation between an account and a shop.
type Session struct {
	ID                 string       `json:"session_id"`
	AccountID          string       `json:"account_id"`
	ShopID             string       `json:"shop_id"`
	ShopName           string       `json:"shop_name"`
	Platform           string       `json:"platform"`
	TaskType           TaskType     `json:"task_type"`
	Priority           int          `json:"priority"`
	State              SessionState `json:"state"`
	MaxInactiveMinutes int          `json:"max_inactive_minutes"`
	MessageCount       int          `json:"message_count"`
	TransferReason     string       `json:"transfer_reason,omitempty"`
	TransferredAt      *time.Time   `json:"transferred_at,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	LastActivityAt     time.Time    `json:"last_activity_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// ToStatusData converts the session to its API representation.
func (s *Session) ToStatusData() *v1.SessionStatusData {
	return &v1.SessionStatusData{
		SessionID:          s.ID,
		AccountID:          s.AccountID,
		ShopID:             s.ShopID,
		ShopName:           s.ShopName,
		Platform:           s.Platform,
		TaskType:           string(s.TaskType),
		Priority:           s.Priority,
		State:              string(s.State),
		MessageCount:       s.MessageCount,
		MaxInactiveMinutes: s.MaxInactiveMinutes,
		TransferReason:     s.TransferReason,
		TransferredAt:      s.TransferredAt,
		CreatedAt:          s.CreatedAt,
		LastActivityAt:     s.LastActivityAt,
	}
}

// SendTask is one unit of send work handed to an RPA worker. The numeric ID
// is the queue key (its decimal string form).
type SendTask struct {
	ID             int64      `json:"task_id"`
	SessionID      string     `json:"session_id"`
	ExternalTaskID string     `json:"external_task_id"`
	TaskType       TaskType   `json:"task_type"`
	SendContent    string     `json:"send_content"`
	SendURL        string     `json:"send_url"`
	ShopName       string     `json:"shop_name"`
	Status         TaskStatus `json:"status"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ToPendingAPI converts the task to the pending-list API representation.
func (t *SendTask) ToPendingAPI(priority int) v1.PendingTask {
	return v1.PendingTask{
		TaskID:         t.ID,
		ExternalTaskID: t.ExternalTaskID,
		TaskType:       string(t.TaskType),
		SessionID:      t.SessionID,
		SendContent:    t.SendContent,
		Priority:       priority,
		CreatedAt:      t.CreatedAt,
	}
}

// Message is one inbound chat message attributed to a session. MessageID is
// the platform's globally unique identifier; replays are dropped on it.
type Message struct {
	MessageID  string     `json:"message_id"`
	SessionID  string     `json:"session_id"`
	Content    string     `json:"content"`
	SenderNick string     `json:"sender_nick"`
	FromSource FromSource `json:"from_source"`
	SentAt     time.Time  `json:"sent_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TransferRecord is the append-only log of control handovers.
type TransferRecord struct {
	ID            int64      `json:"id"`
	SessionID     string     `json:"session_id"`
	FromType      string     `json:"from_type"`
	ToType        string     `json:"to_type"`
	Reason        string     `json:"reason"`
	Urgency       string     `json:"urgency"`
	TransferredAt time.Time  `json:"transferred_at"`
	AcceptedAt    *time.Time `json:"accepted_at,omitempty"`
}

// OperationRecord is one audit/outbox row. Rows with Notify=true and a nil
// NotifiedAt are owed to the downstream webhook.
type OperationRecord struct {
	ID         int64         `json:"id"`
	SessionID  string        `json:"session_id"`
	Operation  OperationType `json:"operation"`
	Detail     string        `json:"detail,omitempty"`
	Notify     bool          `json:"notify"`
	NotifiedAt *time.Time    `json:"notified_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Account is an own-side platform identity seen by the ingestor.
type Account struct {
	AccountID  string    `json:"account_id"`
	Platform   string    `json:"platform"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Shop is a storefront registered on first sight during ingestion.
type Shop struct {
	ShopID    string    `json:"shop_id"`
	ShopName  string    `json:"shop_name"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}
