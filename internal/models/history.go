package models

import "time"

// HistoryEntry records a finished download. Canceled downloads are not
// recorded; errors are, so the UI can show what failed and why.
type HistoryEntry struct {
	BaseModel

	DownloadID  string `gorm:"index;size:64" json:"downloadId"`
	DownloadURL string `gorm:"size:2048" json:"downloadUrl"`
	Filename    string `gorm:"size:512" json:"filename"`
	OutputPath  string `gorm:"size:1024" json:"outputPath,omitempty"`
	Kind        string `gorm:"size:16" json:"kind"`
	Title       string `gorm:"size:512" json:"title,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`

	PageURL     string  `gorm:"size:2048" json:"pageUrl,omitempty"`
	PageFavicon string  `gorm:"type:text" json:"pageFavicon,omitempty"`
	Duration    float64 `json:"duration,omitempty"`

	Stats DownloadStats `gorm:"embedded;embeddedPrefix:stat_" json:"downloadStats"`

	Status string `gorm:"size:16" json:"status"` // completed or error
	Error  string `gorm:"size:2048" json:"error,omitempty"`

	CompletedAt time.Time `gorm:"index" json:"completedAt"`
}

// DownloadStats breaks a finished download's size down by elementary stream.
type DownloadStats struct {
	VideoSize int64 `json:"videoSize,omitempty"`
	AudioSize int64 `json:"audioSize,omitempty"`
	TotalSize int64 `json:"totalSize,omitempty"`
}

// TableName sets the table name for HistoryEntry.
func (HistoryEntry) TableName() string {
	return "downloads_history"
}

// Succeeded reports whether the entry records a successful download.
func (h *HistoryEntry) Succeeded() bool {
	return h.Status == string(DownloadStatusCompleted)
}
