package campaign

import "time"

type Status string

const (
	StatusDraft      Status = "draft"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type DelayType string

const (
	DelayAuto     DelayType = "auto"
	DelayAdaptive DelayType = "adaptive"
	DelayManual   DelayType = "manual"
)

type Pacing struct {
	DelayType        DelayType `json:"delay_type"`
	BaseDelaySeconds int       `json:"base_delay_seconds"`
	Randomize        bool      `json:"randomize"`
	BatchSize        int       `json:"batch_size"`
	PauseSeconds     int       `json:"pause_seconds"`
}

type Campaign struct {
	ID          string
	TenantID    string
	DeviceID    string
	Body        string
	MediaURL    string
	Recipients  []string
	Pacing      Pacing
	Status      Status
	SentCount   int
	FailedCount int
	ScheduledAt *time.Time
	LastError   string
	CreatedAt   time.Time
}

// Processed is how many recipients have already been attempted.
func (c Campaign) Processed() int { return c.SentCount + c.FailedCount }

// JobMessage is the queue payload for one campaign dispatch.
type JobMessage struct {
	CampaignID string `json:"campaign_id"`
	DeviceID   string `json:"device_id"`
	TenantID   string `json:"tenant_id"`
}

type SendMessageReq struct {
	To      string `json:"to"      binding:"required"`
	Message string `json:"message" binding:"required"`
}

type SendMessageResp struct {
	DeviceID string `json:"device_id"`
	To       string `json:"to"`
	Status   string `json:"status"`
}
