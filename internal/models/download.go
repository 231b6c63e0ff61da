package models

import "time"

// DownloadStatus is the lifecycle state of an active download.
type DownloadStatus string

const (
	DownloadStatusQueued      DownloadStatus = "queued"
	DownloadStatusDownloading DownloadStatus = "downloading"
	DownloadStatusStopping    DownloadStatus = "stopping"
	DownloadStatusCompleted   DownloadStatus = "completed"
	DownloadStatusError       DownloadStatus = "error"
	DownloadStatusCanceled    DownloadStatus = "canceled"
)

// Download is a snapshot of an active download. The orchestrator keeps it
// current so a reattaching UI can restore in-flight state after a restart.
type Download struct {
	BaseModel

	// DownloadID is the public identifier carried by every progress
	// broadcast and cancel command.
	DownloadID string `gorm:"uniqueIndex;size:64" json:"downloadId"`

	TabID       int64  `gorm:"index" json:"tabId"`
	DownloadURL string `gorm:"index;size:2048" json:"downloadUrl"`
	Canonical   string `gorm:"size:2048" json:"canonical"`
	MasterURL   string `gorm:"size:2048" json:"masterUrl,omitempty"`

	Filename string `gorm:"size:512" json:"filename"`
	SavePath string `gorm:"size:1024" json:"savePath,omitempty"`
	Kind     string `gorm:"size:16" json:"kind"`
	Title    string `gorm:"size:512" json:"title,omitempty"`

	Status   DownloadStatus `gorm:"index;size:16" json:"status"`
	Progress float64        `json:"progress"`
	Speed    string         `gorm:"size:32" json:"speed,omitempty"`
	ETA      string         `gorm:"size:32" json:"eta,omitempty"`

	Downloaded     int64 `json:"downloaded,omitempty"`
	TotalBytes     int64 `json:"totalBytes,omitempty"`
	CurrentSegment int   `json:"currentSegment,omitempty"`
	TotalSegments  int   `json:"totalSegments,omitempty"`

	// Helper parameters from the originating request. Persisted so a
	// restart can promote or re-attach the download with nothing in memory.
	PreferredContainer string  `gorm:"size:16" json:"preferredContainer,omitempty"`
	OriginalContainer  string  `gorm:"size:16" json:"originalContainer,omitempty"`
	AudioOnly          bool    `json:"audioOnly,omitempty"`
	StreamSelection    string  `gorm:"size:64" json:"streamSelection,omitempty"`
	Duration           float64 `json:"duration,omitempty"`

	// UI context carried through to history and notifications.
	SelectedOptionText string         `gorm:"size:256" json:"selectedOptionOrigText,omitempty"`
	NotificationID     string         `gorm:"size:64" json:"notificationId,omitempty"`
	PageURL            string         `gorm:"size:2048" json:"pageUrl,omitempty"`
	PageFavicon        string         `gorm:"type:text" json:"pageFavicon,omitempty"`
	VideoDataSnapshot  map[string]any `gorm:"serializer:json;type:text" json:"videoDataSnapshot,omitempty"`

	// Per-stream sizes reported by the helper's terminal frame.
	VideoBytes int64 `json:"videoBytes,omitempty"`
	AudioBytes int64 `json:"audioBytes,omitempty"`

	OutputPath string `gorm:"size:1024" json:"outputPath,omitempty"`
	Error      string `gorm:"size:2048" json:"error,omitempty"`

	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// TableName sets the table name for Download.
func (Download) TableName() string {
	return "downloads_active"
}

// IsTerminal reports whether the download reached a final state.
func (d *Download) IsTerminal() bool {
	switch d.Status {
	case DownloadStatusCompleted, DownloadStatusError, DownloadStatusCanceled:
		return true
	}
	return false
}

// IsActive reports whether the helper is (or should be) working on it.
func (d *Download) IsActive() bool {
	return d.Status == DownloadStatusQueued || d.Status == DownloadStatusDownloading || d.Status == DownloadStatusStopping
}

// MarkDownloading moves a queued download into the running state.
func (d *Download) MarkDownloading() {
	d.Status = DownloadStatusDownloading
}

// MarkStopping records a cancel in flight.
func (d *Download) MarkStopping() {
	d.Status = DownloadStatusStopping
}

// MarkCompleted finalizes a successful download.
func (d *Download) MarkCompleted(outputPath string, now time.Time) {
	d.Status = DownloadStatusCompleted
	d.OutputPath = outputPath
	d.Progress = 100
	d.FinishedAt = &now
}

// MarkError finalizes a failed download.
func (d *Download) MarkError(message string, now time.Time) {
	d.Status = DownloadStatusError
	d.Error = message
	d.FinishedAt = &now
}

// MarkCanceled finalizes a canceled download.
func (d *Download) MarkCanceled(now time.Time) {
	d.Status = DownloadStatusCanceled
	d.FinishedAt = &now
}
