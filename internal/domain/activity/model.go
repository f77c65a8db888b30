package activity

import "time"

// ActivityType represents the type of activity event
type ActivityType string

const (
	TypeProjectCreated  ActivityType = "project_created"
	TypeProjectDeleted  ActivityType = "project_deleted"
	TypeSettingsUpdated ActivityType = "settings_updated"
	TypeSourceUploaded  ActivityType = "source_uploaded"
	TypeStageRun        ActivityType = "stage_run"
	TypeCacheCreated    ActivityType = "cache_created"
	TypeCacheExtended   ActivityType = "cache_extended"
	TypeCacheDeleted    ActivityType = "cache_deleted"
	TypeChatRecreated   ActivityType = "chat_recreated"
	TypeProgressUpdated ActivityType = "progress_updated"
	TypeScreenplaySaved ActivityType = "screenplay_saved"
)

// ActivityEntry represents an orchestration event in the activity log.
// Entries outlive the project they describe.
type ActivityEntry struct {
	ID           int64        `json:"id"`
	ProjectID    string       `json:"project_id"`
	Stage        string       `json:"stage,omitempty"`
	ActivityType ActivityType `json:"type"`
	Summary      string       `json:"summary"`
	Details      string       `json:"details,omitempty"` // JSON string
	CreatedAt    time.Time    `json:"created_at"`
}
