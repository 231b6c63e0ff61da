package models

// Settings bounds and defaults. Out-of-range updates are clamped, not
// rejected, so an old UI can never wedge the daemon with a bad value.
const (
	MinConcurrentDownloads     = 1
	MaxConcurrentDownloads     = 10
	DefaultConcurrentDownloads = 1

	MinFileSizeFilterFloor   = 0
	MinFileSizeFilterCeiling = 100 * 1024 * 1024 // 100MB
	DefaultMinFileSizeFilter = 100 * 1024        // 100KB

	MinHistorySize     = 0
	MaxHistorySize     = 200
	DefaultHistorySize = 50

	MinHistoryRemoveDays     = 1
	MaxHistoryRemoveDays     = 365
	DefaultHistoryRemoveDays = 30
)

// AppSettings is the single persisted settings record.
type AppSettings struct {
	BaseModel

	MaxConcurrentDownloads int    `json:"maxConcurrentDownloads"`
	DefaultSavePath        string `gorm:"size:1024" json:"defaultSavePath,omitempty"`

	ShowDownloadNotifications *bool `gorm:"default:true" json:"showDownloadNotifications"`
	AutoGeneratePreviews      *bool `gorm:"default:true" json:"autoGeneratePreviews"`

	// MinFileSizeFilter is the smallest direct file worth surfacing, bytes.
	MinFileSizeFilter int64 `json:"minFileSizeFilter"`

	MaxHistorySize int `json:"maxHistorySize"`

	// HistoryAutoRemoveInterval is the retention period in days.
	HistoryAutoRemoveInterval int `json:"historyAutoRemoveInterval"`
}

// TableName sets the table name for AppSettings.
func (AppSettings) TableName() string {
	return "app_settings"
}

// DefaultSettings returns a settings record with every default applied.
func DefaultSettings() *AppSettings {
	return &AppSettings{
		MaxConcurrentDownloads:    DefaultConcurrentDownloads,
		ShowDownloadNotifications: BoolPtr(true),
		AutoGeneratePreviews:      BoolPtr(true),
		MinFileSizeFilter:         DefaultMinFileSizeFilter,
		MaxHistorySize:            DefaultHistorySize,
		HistoryAutoRemoveInterval: DefaultHistoryRemoveDays,
	}
}

// Clamp forces every field into its valid range.
func (s *AppSettings) Clamp() {
	s.MaxConcurrentDownloads = clampInt(s.MaxConcurrentDownloads, MinConcurrentDownloads, MaxConcurrentDownloads)
	s.MinFileSizeFilter = clampInt64(s.MinFileSizeFilter, MinFileSizeFilterFloor, MinFileSizeFilterCeiling)
	s.MaxHistorySize = clampInt(s.MaxHistorySize, MinHistorySize, MaxHistorySize)
	s.HistoryAutoRemoveInterval = clampInt(s.HistoryAutoRemoveInterval, MinHistoryRemoveDays, MaxHistoryRemoveDays)
	if s.ShowDownloadNotifications == nil {
		s.ShowDownloadNotifications = BoolPtr(true)
	}
	if s.AutoGeneratePreviews == nil {
		s.AutoGeneratePreviews = BoolPtr(true)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScrollPosition remembers the UI list offset per tab so a reopened popup
// lands where the user left it. Removed with the tab.
type ScrollPosition struct {
	BaseModel

	TabID    int64 `gorm:"uniqueIndex" json:"tabId"`
	Position int   `json:"position"`
}

// TableName sets the table name for ScrollPosition.
func (ScrollPosition) TableName() string {
	return "scroll_positions"
}
