package v1

// RawMessage is one inbound chat message as captured by the RPA receiver.
// Time is RFC3339; a trailing Z is accepted.
type RawMessage struct {
	ID      string `json:"id" binding:"required"`
	Nick    string `json:"nick" binding:"required"`
	Content string `json:"content"`
	Time    string `json:"time" binding:"required"`
}

// MessageBatchRequest uploads one captured conversation slice for a shop.
// AccountID is an optional override used when no own-account nick appears
// in the batch.
type MessageBatchRequest struct {
	ShopName           string       `json:"shop_name" binding:"required"`
	Platform           string       `json:"platform"`
	AccountID          string       `json:"account_id"`
	MaxInactiveMinutes int          `json:"max_inactive_minutes" binding:"omitempty,min=1"`
	Messages           []RawMessage `json:"messages" binding:"required,min=1"`
}

// MessageBatchData summarizes one ingested batch.
type MessageBatchData struct {
	Processed         int      `json:"processed"`
	Skipped           int      `json:"skipped"`
	ActiveSessionID   string   `json:"active_session_id,omitempty"`
	SessionOperations []string `json:"session_operations"`
	Errors            []string `json:"errors"`
}
