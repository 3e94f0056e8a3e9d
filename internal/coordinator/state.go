package coordinator

import (
	"time"

	"github.com/italolelis/match_downloader/internal/catalog"
	"github.com/italolelis/match_downloader/internal/transfer"
)

// ActiveTransfer is a transfer currently owned by the coordinator.
type ActiveTransfer struct {
	Key       catalog.Key       `json:"key"`
	Item      catalog.Item      `json:"item"`
	Progress  transfer.Progress `json:"progress"`
	StartedAt time.Time         `json:"started_at"`
}

// CompletedDownload is a recently finished transfer.
type CompletedDownload struct {
	Key         catalog.Key  `json:"key"`
	Item        catalog.Item `json:"item"`
	Filepath    string       `json:"filepath"`
	CompletedAt time.Time    `json:"completed_at"`
}

// Notification is a short-lived user facing message.
type Notification struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchProgress tracks a running bulk download.
type BatchProgress struct {
	Current       int   `json:"current"`
	Total         int   `json:"total"`
	CurrentItemID int64 `json:"current_item_id,omitempty"`
}

// State is an immutable snapshot of the coordinator.
type State struct {
	Active        []ActiveTransfer    `json:"active"`
	Recent        []CompletedDownload `json:"recent"`
	Notifications []Notification      `json:"notifications"`
	Batch         *BatchProgress      `json:"batch"`
}

// Listener receives a snapshot after every state change.
type Listener func(State)
