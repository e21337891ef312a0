package v1

import "time"

// CreateSessionRequest is the admission request posted by upstream task producers.
// Level is carried by some producers but has no effect on scheduling.
type CreateSessionRequest struct {
	AccountID          string `json:"account_id" binding:"required"`
	ShopID             string `json:"shop_id" binding:"required"`
	ShopName           string `json:"shop_name" binding:"required"`
	TaskType           string `json:"task_type" binding:"required"`
	ExternalTaskID     string `json:"external_task_id" binding:"required"`
	SendContent        string `json:"send_content" binding:"required"`
	Platform           string `json:"platform"`
	Level              string `json:"level"`
	MaxInactiveMinutes int    `json:"max_inactive_minutes" binding:"omitempty,min=1"`
}

// CreateSessionData is returned on accepted (or replayed) admission.
type CreateSessionData struct {
	SessionID      string    `json:"session_id"`
	ExternalTaskID string    `json:"external_task_id"`
	TaskType       string    `json:"task_type"`
	Priority       int       `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConflictData accompanies an UNAVAILABLE admission rejection.
type ConflictData struct {
	ConflictSessionID string `json:"conflict_session_id"`
	ConflictTaskType  string `json:"conflict_task_type"`
}

// CompleteSessionRequest reports the outcome of the outstanding send work.
type CompleteSessionRequest struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// CompleteSessionData echoes the processed completion. State is the session's
// state after the call; a failed first send leaves it pending.
type CompleteSessionData struct {
	SessionID   string    `json:"session_id"`
	Success     bool      `json:"success"`
	State       string    `json:"state"`
	CompletedAt time.Time `json:"completed_at"`
}

// SessionStatusData describes a single session.
type SessionStatusData struct {
	SessionID          string     `json:"session_id"`
	AccountID          string     `json:"account_id"`
	ShopID             string     `json:"shop_id"`
	ShopName           string     `json:"shop_name"`
	Platform           string     `json:"platform"`
	TaskType           string     `json:"task_type"`
	Priority           int        `json:"priority"`
	State              string     `json:"state"`
	MessageCount       int        `json:"message_count"`
	MaxInactiveMinutes int        `json:"max_inactive_minutes"`
	TransferReason     string     `json:"transfer_reason,omitempty"`
	TransferredAt      *time.Time `json:"transferred_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	LastActivityAt     time.Time  `json:"last_activity"`
}
