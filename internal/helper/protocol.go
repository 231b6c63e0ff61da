package helper

import (
	"encoding/json"

	"github.com/streamhawk/streamhawk/internal/stream"
)

// Commands understood by the helper.
const (
	cmdHeartbeat      = "heartbeat"
	cmdProbe          = "probe"
	cmdPreview        = "generatePreview"
	cmdDownload       = "download"
	cmdCancelDownload = "cancel-download"
	cmdProgress       = "progress"
)

// request is the envelope for every outbound message. Command-specific
// fields are flattened into the same JSON object.
type request struct {
	ID      int64  `json:"id"`
	Command string `json:"command"`

	// probe / generatePreview
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Light   bool              `json:"light,omitempty"`

	// download
	DownloadURL        string  `json:"downloadUrl,omitempty"`
	Filename           string  `json:"filename,omitempty"`
	SavePath           string  `json:"savePath,omitempty"`
	Type               string  `json:"type,omitempty"`
	PreferredContainer string  `json:"preferredContainer,omitempty"`
	OriginalContainer  string  `json:"originalContainer,omitempty"`
	AudioOnly          bool    `json:"audioOnly,omitempty"`
	StreamSelection    string  `json:"streamSelection,omitempty"`
	MasterURL          string  `json:"masterUrl,omitempty"`
	Duration           float64 `json:"duration,omitempty"`

	// cancel-download
	DownloadID string `json:"downloadId,omitempty"`
}

// frame is the envelope for every inbound message. A frame either carries a
// streaming progress update (command == "progress") or terminates a request
// (success, error, or a command-specific result field present). Download
// frames also carry the download id, which is the only addressing that
// works for a download started by a previous daemon process.
type frame struct {
	ID         *int64 `json:"id,omitempty"`
	Command    string `json:"command,omitempty"`
	DownloadID string `json:"downloadId,omitempty"`

	Alive   *bool           `json:"alive,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	Path    string          `json:"path,omitempty"`
	Preview string          `json:"previewUrl,omitempty"`
	Info    json.RawMessage `json:"streamInfo,omitempty"`

	// progress frames
	Progress       *float64 `json:"progress,omitempty"`
	Speed          string   `json:"speed,omitempty"`
	ETA            string   `json:"eta,omitempty"`
	CurrentSegment *int     `json:"currentSegment,omitempty"`
	TotalSegments  *int     `json:"totalSegments,omitempty"`
	Downloaded     *int64   `json:"downloaded,omitempty"`
	Size           *int64   `json:"size,omitempty"`

	// terminal download frames
	VideoSize *int64 `json:"videoSize,omitempty"`
	AudioSize *int64 `json:"audioSize,omitempty"`
}

func (f *frame) isProgress() bool { return f.Command == cmdProgress }

func (f *frame) isTerminal() bool {
	if f.isProgress() {
		return false
	}
	return f.Success != nil || f.Error != "" || f.Alive != nil || len(f.Info) > 0 || f.Preview != "" || f.Path != ""
}

// streamInfo mirrors the helper's probe result.
type streamInfo struct {
	Container      string   `json:"container"`
	Format         string   `json:"format"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	FPS            float64  `json:"fps"`
	Duration       float64  `json:"duration"`
	VideoCodec     string   `json:"videoCodec"`
	AudioCodec     string   `json:"audioCodec"`
	HasVideo       bool     `json:"hasVideo"`
	HasAudio       bool     `json:"hasAudio"`
	VideoBitrate   int64    `json:"videoBitrate"`
	TotalBitrate   int64    `json:"totalBitrate"`
	SizeBytes      int64    `json:"sizeBytes"`
	EstimatedBytes int64    `json:"estimatedFileSizeBytes"`
	SubtitleTracks []string `json:"subtitleTracks"`
}

func (si *streamInfo) toProbeMeta() *stream.ProbeMeta {
	return &stream.ProbeMeta{
		Container:      si.Container,
		Format:         si.Format,
		Width:          si.Width,
		Height:         si.Height,
		FPS:            si.FPS,
		Duration:       si.Duration,
		VideoCodec:     si.VideoCodec,
		AudioCodec:     si.AudioCodec,
		HasVideo:       si.HasVideo,
		HasAudio:       si.HasAudio,
		VideoBitrate:   si.VideoBitrate,
		TotalBitrate:   si.TotalBitrate,
		SizeBytes:      si.SizeBytes,
		EstimatedBytes: si.EstimatedBytes,
		SubtitleTracks: si.SubtitleTracks,
	}
}

// DownloadRequest carries everything the helper needs to run a download.
// DownloadID lets a later cancel-download target the running job.
type DownloadRequest struct {
	DownloadID         string
	DownloadURL        string
	Filename           string
	SavePath           string
	Type               string
	PreferredContainer string
	OriginalContainer  string
	AudioOnly          bool
	StreamSelection    string
	MasterURL          string
	Duration           float64
	Headers            map[string]string
}

// Progress is one streaming update from a running download.
type Progress struct {
	Percent        float64 `json:"progress"`
	Speed          string  `json:"speed,omitempty"`
	ETA            string  `json:"eta,omitempty"`
	CurrentSegment int     `json:"currentSegment,omitempty"`
	TotalSegments  int     `json:"totalSegments,omitempty"`
	Downloaded     int64   `json:"downloaded,omitempty"`
	Size           int64   `json:"size,omitempty"`
}

func (f *frame) toProgress() Progress {
	p := Progress{Speed: f.Speed, ETA: f.ETA}
	if f.Progress != nil {
		p.Percent = *f.Progress
	}
	if f.CurrentSegment != nil {
		p.CurrentSegment = *f.CurrentSegment
	}
	if f.TotalSegments != nil {
		p.TotalSegments = *f.TotalSegments
	}
	if f.Downloaded != nil {
		p.Downloaded = *f.Downloaded
	}
	if f.Size != nil {
		p.Size = *f.Size
	}
	return p
}

// DownloadResult is the terminal outcome of a successful download.
type DownloadResult struct {
	Path      string
	VideoSize int64
	AudioSize int64
	TotalSize int64
}

func (f *frame) toDownloadResult() DownloadResult {
	res := DownloadResult{Path: f.Path}
	if f.VideoSize != nil {
		res.VideoSize = *f.VideoSize
	}
	if f.AudioSize != nil {
		res.AudioSize = *f.AudioSize
	}
	if f.Size != nil {
		res.TotalSize = *f.Size
	}
	return res
}
