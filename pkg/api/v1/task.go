package v1

import "time"

// NextTaskData carries the popped queue entry. TaskID is null when the queue
// is empty.
type NextTaskData struct {
	TaskID    *string    `json:"task_id"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// SendInfoData is the payload a worker needs to perform one send.
type SendInfoData struct {
	SendContent string `json:"send_content"`
	SendURL     string `json:"send_url"`
	ShopName    string `json:"shop_name"`
}

// PendingTask is one undispatched send task.
type PendingTask struct {
	TaskID         int64     `json:"task_id"`
	ExternalTaskID string    `json:"external_task_id"`
	TaskType       string    `json:"task_type"`
	SessionID      string    `json:"session_id"`
	SendContent    string    `json:"send_content"`
	Priority       int       `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
}

// PendingTasksData lists pending send tasks.
type PendingTasksData struct {
	Tasks []PendingTask `json:"tasks"`
	Count int           `json:"count"`
	Limit int           `json:"limit"`
}
