// Package orchestrator owns the download lifecycle: dedup by download URL,
// a FIFO queue under the concurrent-download cap, streaming progress relay
// to observers, cancellation, history persistence, and restoration of
// snapshots after a restart.
package orchestrator

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/streamhawk/streamhawk/internal/config"
	"github.com/streamhawk/streamhawk/internal/detect"
	"github.com/streamhawk/streamhawk/internal/fanout"
	"github.com/streamhawk/streamhawk/internal/helper"
	"github.com/streamhawk/streamhawk/internal/models"
	"github.com/streamhawk/streamhawk/internal/observability"
	"github.com/streamhawk/streamhawk/internal/repository"
	"github.com/streamhawk/streamhawk/internal/stream"
)

// codecRetryPhrase is the helper error that triggers the one-shot webm
// container fallback.
const codecRetryPhrase = "codec not currently supported in container"

// HelperDownloader is the subset of the helper connection the orchestrator
// needs. AttachDownload resumes the frame stream of a download the helper
// was already running before a daemon restart.
type HelperDownloader interface {
	Download(ctx context.Context, req helper.DownloadRequest, onProgress func(helper.Progress)) (helper.DownloadResult, error)
	AttachDownload(ctx context.Context, downloadID string, onProgress func(helper.Progress)) (helper.DownloadResult, error)
	CancelDownload(ctx context.Context, downloadID string) error
}

// SettingsProvider supplies the current persisted settings.
type SettingsProvider interface {
	Get(ctx context.Context) (*models.AppSettings, error)
}

// Request is a download command from an observer. Everything here is
// copied onto the persisted snapshot so queued and running downloads can be
// resumed after a restart.
type Request struct {
	TabID              int64          `json:"tabId"`
	DownloadURL        string         `json:"downloadUrl"`
	Canonical          string         `json:"canonical,omitempty"`
	Filename           string         `json:"filename"`
	SavePath           string         `json:"savePath,omitempty"`
	Kind               string         `json:"kind"`
	Title              string         `json:"title,omitempty"`
	MasterURL          string         `json:"masterUrl,omitempty"`
	PreferredContainer string         `json:"preferredContainer,omitempty"`
	OriginalContainer  string         `json:"originalContainer,omitempty"`
	AudioOnly          bool           `json:"audioOnly,omitempty"`
	StreamSelection    string         `json:"streamSelection,omitempty"`
	Duration           float64        `json:"duration,omitempty"`
	SelectedOptionText string         `json:"selectedOptionOrigText,omitempty"`
	NotificationID     string         `json:"notificationId,omitempty"`
	PageURL            string         `json:"pageUrl,omitempty"`
	PageFavicon        string         `json:"pageFavicon,omitempty"`
	VideoData          map[string]any `json:"videoData,omitempty"`
}

// ProgressPayload is the per-frame broadcast body. Every frame carries the
// download id so observers can route it without extra state.
type ProgressPayload struct {
	DownloadID     string  `json:"downloadId"`
	DownloadURL    string  `json:"downloadUrl"`
	MasterURL      string  `json:"masterUrl,omitempty"`
	Progress       float64 `json:"progress"`
	Speed          string  `json:"speed,omitempty"`
	ETA            string  `json:"eta,omitempty"`
	CurrentSegment int     `json:"currentSegment,omitempty"`
	TotalSegments  int     `json:"totalSegments,omitempty"`
	Downloaded     int64   `json:"downloaded,omitempty"`
	Size           int64   `json:"size,omitempty"`
}

// NotificationPayload announces a 10% progress step for desktop
// notifications.
type NotificationPayload struct {
	DownloadID string `json:"downloadId"`
	Filename   string `json:"filename,omitempty"`
	Progress   int    `json:"progress"`
}

// LifecyclePayload is the broadcast body for queued/started/terminal events.
type LifecyclePayload struct {
	Download *models.Download `json:"download"`
	Notify   bool             `json:"notify,omitempty"`
}

// entry is the in-memory state wrapped around a persisted snapshot.
type entry struct {
	d              *models.Download
	retried        bool
	canceledByUser bool

	// notifiedDecile is the last 10% progress step announced as a
	// notification message.
	notifiedDecile int
}

// Orchestrator runs downloads through the helper and keeps every observer
// and the active-downloads table in sync.
type Orchestrator struct {
	helper    HelperDownloader
	downloads *repository.DownloadRepository
	history   *repository.HistoryRepository
	settings  SettingsProvider
	headers   *detect.HeaderCache
	hub       *fanout.Hub
	cfg       config.DownloadsConfig
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*entry // by download id
	queue  []string          // queued download ids, FIFO

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the orchestrator. Call Restore before serving commands.
func New(
	hc HelperDownloader,
	downloads *repository.DownloadRepository,
	history *repository.HistoryRepository,
	settings SettingsProvider,
	headers *detect.HeaderCache,
	hub *fanout.Hub,
	cfg config.DownloadsConfig,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		helper:    hc,
		downloads: downloads,
		history:   history,
		settings:  settings,
		headers:   headers,
		hub:       hub,
		cfg:       cfg,
		logger:    observability.WithComponent(logger, "orchestrator"),
		active:    make(map[string]*entry),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Close stops progress relaying. Running helper downloads are not canceled:
// they outlive the process and are restored from their snapshots.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Restore loads persisted snapshots after a restart. No download command
// is sent: a still-running helper process re-reports its frames by
// download id, so downloading and stopping snapshots are re-attached to
// that stream. Queued snapshots go back on the queue and are promoted.
// Terminal snapshots past the retention window are pruned.
func (o *Orchestrator) Restore(ctx context.Context) error {
	list, err := o.downloads.ListAll(ctx)
	if err != nil {
		return err
	}

	var reattach []*entry
	o.mu.Lock()
	for _, d := range list {
		if !d.IsActive() {
			continue
		}
		e := &entry{d: d, canceledByUser: d.Status == models.DownloadStatusStopping}
		o.active[d.DownloadID] = e
		if d.Status == models.DownloadStatusQueued {
			o.queue = append(o.queue, d.DownloadID)
		} else {
			reattach = append(reattach, e)
		}
	}
	restored := len(o.active)
	o.mu.Unlock()

	for _, e := range reattach {
		o.wg.Add(1)
		go func(e *entry) {
			defer o.wg.Done()
			o.reattach(e)
		}(e)
	}

	pruned, err := o.downloads.DeleteTerminalBefore(ctx, time.Now().Add(-o.cfg.ActiveRetention))
	if err != nil {
		return err
	}
	if restored > 0 || pruned > 0 {
		o.logger.Info("download state restored",
			slog.Int("active", restored),
			slog.Int("reattached", len(reattach)),
			slog.Int64("pruned", pruned))
	}

	o.promote()
	return nil
}

// Start handles a download command. A second command for an already-active
// URL does not start anything; the caller gets the current snapshot and
// started=false.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*models.Download, bool, error) {
	o.mu.Lock()
	if existing := o.findActiveByURLLocked(req.DownloadURL); existing != nil {
		snapshot := cloneDownload(existing.d)
		o.mu.Unlock()
		return snapshot, false, nil
	}
	o.mu.Unlock()

	s := o.currentSettings()

	d := &models.Download{
		DownloadID:         models.NewULID().String(),
		TabID:              req.TabID,
		DownloadURL:        req.DownloadURL,
		Canonical:          req.Canonical,
		MasterURL:          req.MasterURL,
		Filename:           req.Filename,
		SavePath:           req.SavePath,
		Kind:               req.Kind,
		Title:              req.Title,
		PreferredContainer: req.PreferredContainer,
		OriginalContainer:  req.OriginalContainer,
		AudioOnly:          req.AudioOnly,
		StreamSelection:    req.StreamSelection,
		Duration:           req.Duration,
		SelectedOptionText: req.SelectedOptionText,
		NotificationID:     req.NotificationID,
		PageURL:            req.PageURL,
		PageFavicon:        req.PageFavicon,
		VideoDataSnapshot:  req.VideoData,
		Status:             models.DownloadStatusQueued,
		StartedAt:          time.Now(),
	}
	if d.SavePath == "" {
		d.SavePath = s.DefaultSavePath
	}

	if err := o.downloads.Create(ctx, d); err != nil {
		return nil, false, err
	}

	o.mu.Lock()
	e := &entry{d: d}
	o.active[d.DownloadID] = e
	o.queue = append(o.queue, d.DownloadID)
	snapshot := cloneDownload(d)
	o.mu.Unlock()

	o.broadcastLifecycle(fanout.TypeDownloadQueued, snapshot, false)
	o.broadcastCount()
	o.promote()

	return snapshot, true, nil
}

// Cancel stops a download. Queued entries terminate immediately; running
// ones enter stopping and finish when the helper's terminal frame arrives.
func (o *Orchestrator) Cancel(ctx context.Context, downloadID string) error {
	o.mu.Lock()
	e, ok := o.active[downloadID]
	if !ok || e.d.IsTerminal() {
		o.mu.Unlock()
		return nil
	}

	wasQueued := e.d.Status == models.DownloadStatusQueued
	e.canceledByUser = true
	if wasQueued {
		o.removeFromQueueLocked(downloadID)
		e.d.MarkCanceled(time.Now())
	} else {
		e.d.MarkStopping()
	}
	snapshot := cloneDownload(e.d)
	o.mu.Unlock()

	if err := o.downloads.Save(ctx, snapshot); err != nil {
		o.logger.Warn("saving download state failed",
			slog.String("download_id", downloadID),
			slog.String("error", err.Error()))
	}

	if wasQueued {
		o.broadcastLifecycle(fanout.TypeDownloadCanceled, snapshot, false)
		o.broadcastCount()
		o.scheduleRemoval(downloadID)
		return nil
	}

	o.broadcastLifecycle(fanout.TypeDownloadStopping, snapshot, false)
	return o.helper.CancelDownload(ctx, downloadID)
}

// ActiveDownloads returns snapshots of every tracked download, oldest
// first. Terminal entries inside the retention window are included so a
// reattaching UI can show final states.
func (o *Orchestrator) ActiveDownloads() []*models.Download {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]*models.Download, 0, len(o.active))
	for _, e := range o.active {
		out = append(out, cloneDownload(e.d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of non-terminal downloads.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeCountLocked()
}

func (o *Orchestrator) activeCountLocked() int {
	n := 0
	for _, e := range o.active {
		if e.d.IsActive() {
			n++
		}
	}
	return n
}

func (o *Orchestrator) findActiveByURLLocked(downloadURL string) *entry {
	for _, e := range o.active {
		if e.d.DownloadURL == downloadURL && e.d.IsActive() {
			return e
		}
	}
	return nil
}

func (o *Orchestrator) removeFromQueueLocked(downloadID string) {
	for i, id := range o.queue {
		if id == downloadID {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			return
		}
	}
}

// promote moves queued downloads into downloading while slots remain under
// maxConcurrentDownloads. FIFO by queue position.
func (o *Orchestrator) promote() {
	maxConcurrent := o.currentSettings().MaxConcurrentDownloads

	for {
		o.mu.Lock()
		if len(o.queue) == 0 || o.runningCountLocked() >= maxConcurrent {
			o.mu.Unlock()
			return
		}
		id := o.queue[0]
		o.queue = o.queue[1:]
		e, ok := o.active[id]
		if !ok {
			o.mu.Unlock()
			continue
		}
		e.d.MarkDownloading()
		snapshot := cloneDownload(e.d)
		o.mu.Unlock()

		if err := o.downloads.Save(o.baseCtx, snapshot); err != nil {
			o.logger.Warn("saving download state failed",
				slog.String("download_id", id),
				slog.String("error", err.Error()))
		}
		o.broadcastLifecycle(fanout.TypeDownloadStarted, snapshot, true)

		o.wg.Add(1)
		go func(e *entry) {
			defer o.wg.Done()
			o.run(e)
		}(e)
	}
}

// runningCountLocked counts downloads occupying a helper slot. A stopping
// download still holds its slot until the terminal frame.
func (o *Orchestrator) runningCountLocked() int {
	n := 0
	for _, e := range o.active {
		if e.d.Status == models.DownloadStatusDownloading || e.d.Status == models.DownloadStatusStopping {
			n++
		}
	}
	return n
}

// run drives one download through the helper, with at most one codec
// fallback retry.
func (o *Orchestrator) run(e *entry) {
	for {
		o.mu.Lock()
		hreq := helper.DownloadRequest{
			DownloadID:         e.d.DownloadID,
			DownloadURL:        e.d.DownloadURL,
			Filename:           e.d.Filename,
			SavePath:           e.d.SavePath,
			Type:               e.d.Kind,
			PreferredContainer: e.d.PreferredContainer,
			OriginalContainer:  e.d.OriginalContainer,
			AudioOnly:          e.d.AudioOnly,
			StreamSelection:    e.d.StreamSelection,
			MasterURL:          e.d.MasterURL,
			Duration:           e.d.Duration,
			Headers:            o.headers.Headers(stream.TabID(e.d.TabID)),
		}
		o.mu.Unlock()

		res, err := o.helper.Download(o.baseCtx, hreq, func(p helper.Progress) {
			o.relayProgress(e, p)
		})
		if o.baseCtx.Err() != nil {
			// Shutting down. Leave the snapshot as-is for restoration.
			return
		}
		if err == nil {
			o.finish(e, func(d *models.Download, now time.Time) {
				d.MarkCompleted(res.Path, now)
				applyStats(d, res)
			})
			return
		}

		o.mu.Lock()
		canceled := e.canceledByUser
		retry := !canceled && !e.retried && shouldRetryWithWebm(e.d, err)
		if retry {
			e.retried = true
			e.d.Filename = forceExtension(e.d.Filename, ".webm")
			e.notifiedDecile = 0
		}
		o.mu.Unlock()

		if canceled {
			o.finish(e, func(d *models.Download, now time.Time) {
				d.MarkCanceled(now)
			})
			return
		}
		if retry {
			o.logger.Info("retrying download with webm container",
				slog.String("download_id", e.d.DownloadID))
			continue
		}

		msg := err.Error()
		o.finish(e, func(d *models.Download, now time.Time) {
			d.MarkError(msg, now)
		})
		return
	}
}

// reattach resumes the progress relay for a download the helper was
// already running before a restart. The codec fallback does not apply
// here: a retry needs a fresh download command, and whether one already
// happened did not survive the restart.
func (o *Orchestrator) reattach(e *entry) {
	res, err := o.helper.AttachDownload(o.baseCtx, e.d.DownloadID, func(p helper.Progress) {
		o.relayProgress(e, p)
	})
	if o.baseCtx.Err() != nil {
		return
	}
	if err == nil {
		o.finish(e, func(d *models.Download, now time.Time) {
			d.MarkCompleted(res.Path, now)
			applyStats(d, res)
		})
		return
	}

	o.mu.Lock()
	canceled := e.canceledByUser
	o.mu.Unlock()
	if canceled {
		o.finish(e, func(d *models.Download, now time.Time) {
			d.MarkCanceled(now)
		})
		return
	}

	msg := err.Error()
	o.finish(e, func(d *models.Download, now time.Time) {
		d.MarkError(msg, now)
	})
}

// applyStats copies the helper's terminal size report onto the snapshot.
func applyStats(d *models.Download, res helper.DownloadResult) {
	if res.TotalSize > 0 {
		d.TotalBytes = res.TotalSize
	}
	if res.VideoSize > 0 {
		d.VideoBytes = res.VideoSize
	}
	if res.AudioSize > 0 {
		d.AudioBytes = res.AudioSize
	}
}

// cloneDownload returns a detached copy safe to hand to observers and the
// persistence layer while the live record keeps mutating under the lock.
func cloneDownload(d *models.Download) *models.Download {
	c := *d
	return &c
}

// relayProgress applies one helper frame to the snapshot and broadcasts it.
// Frames reach observers in arrival order because the helper client invokes
// this callback from its single read loop.
func (o *Orchestrator) relayProgress(e *entry, p helper.Progress) {
	o.mu.Lock()
	d := e.d
	d.Progress = p.Percent
	d.Speed = p.Speed
	d.ETA = p.ETA
	if p.CurrentSegment > 0 {
		d.CurrentSegment = p.CurrentSegment
	}
	if p.TotalSegments > 0 {
		d.TotalSegments = p.TotalSegments
	}
	if p.Downloaded > 0 {
		d.Downloaded = p.Downloaded
	}
	if p.Size > 0 {
		d.TotalBytes = p.Size
	}
	payload := ProgressPayload{
		DownloadID:     d.DownloadID,
		DownloadURL:    d.DownloadURL,
		MasterURL:      d.MasterURL,
		Progress:       d.Progress,
		Speed:          d.Speed,
		ETA:            d.ETA,
		CurrentSegment: d.CurrentSegment,
		TotalSegments:  d.TotalSegments,
		Downloaded:     d.Downloaded,
		Size:           d.TotalBytes,
	}
	snapshot := cloneDownload(d)
	decile := int(d.Progress) / 10
	notify := decile > e.notifiedDecile && decile >= 1 && decile <= 9
	if notify {
		e.notifiedDecile = decile
	}
	o.mu.Unlock()

	if err := o.downloads.Save(o.baseCtx, snapshot); err != nil {
		o.logger.Debug("saving progress failed",
			slog.String("download_id", snapshot.DownloadID),
			slog.String("error", err.Error()))
	}
	o.hub.Broadcast(fanout.Message{Type: fanout.TypeDownloadProgress, Data: payload})

	if notify && models.BoolVal(o.currentSettings().ShowDownloadNotifications) {
		o.hub.Broadcast(fanout.Message{Type: fanout.TypeNotification, Data: NotificationPayload{
			DownloadID: snapshot.DownloadID,
			Filename:   snapshot.Filename,
			Progress:   decile * 10,
		}})
	}
}

// finish applies the terminal state, persists it, writes history for
// completed and error outcomes, broadcasts, and frees the helper slot.
func (o *Orchestrator) finish(e *entry, mark func(*models.Download, time.Time)) {
	now := time.Now()
	o.mu.Lock()
	mark(e.d, now)
	snapshot := cloneDownload(e.d)
	o.mu.Unlock()

	if err := o.downloads.Save(o.baseCtx, snapshot); err != nil {
		o.logger.Warn("saving download state failed",
			slog.String("download_id", snapshot.DownloadID),
			slog.String("error", err.Error()))
	}

	s := o.currentSettings()
	msgType := fanout.TypeDownloadCanceled
	switch snapshot.Status {
	case models.DownloadStatusCompleted:
		msgType = fanout.TypeDownloadSuccess
		o.appendHistory(snapshot, s)
	case models.DownloadStatusError:
		msgType = fanout.TypeDownloadError
		o.appendHistory(snapshot, s)
	}

	o.broadcastLifecycle(msgType, snapshot, models.BoolVal(s.ShowDownloadNotifications))
	o.broadcastCount()
	o.scheduleRemoval(snapshot.DownloadID)
	o.promote()
}

// appendHistory records a terminal outcome and trims to the configured cap.
func (o *Orchestrator) appendHistory(d *models.Download, s *models.AppSettings) {
	h := &models.HistoryEntry{
		DownloadID:  d.DownloadID,
		DownloadURL: d.DownloadURL,
		Filename:    d.Filename,
		OutputPath:  d.OutputPath,
		Kind:        d.Kind,
		Title:       d.Title,
		SizeBytes:   d.TotalBytes,
		PageURL:     d.PageURL,
		PageFavicon: d.PageFavicon,
		Duration:    d.Duration,
		Stats: models.DownloadStats{
			VideoSize: d.VideoBytes,
			AudioSize: d.AudioBytes,
			TotalSize: d.TotalBytes,
		},
		Status:      string(d.Status),
		Error:       d.Error,
		CompletedAt: time.Now(),
	}
	if err := o.history.Add(o.baseCtx, h); err != nil {
		o.logger.Warn("writing history failed",
			slog.String("download_id", d.DownloadID),
			slog.String("error", err.Error()))
		return
	}
	if _, err := o.history.TrimToSize(o.baseCtx, s.MaxHistorySize); err != nil {
		o.logger.Warn("trimming history failed", slog.String("error", err.Error()))
	}
}

// scheduleRemoval drops the terminal snapshot after the retention window
// so late-attaching observers can still see the final state.
func (o *Orchestrator) scheduleRemoval(downloadID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-time.After(o.cfg.ActiveRetention):
		case <-o.baseCtx.Done():
			return
		}

		o.mu.Lock()
		delete(o.active, downloadID)
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.downloads.Delete(ctx, downloadID); err != nil {
			o.logger.Warn("removing download snapshot failed",
				slog.String("download_id", downloadID),
				slog.String("error", err.Error()))
		}
		o.broadcastCount()
	}()
}

func (o *Orchestrator) broadcastLifecycle(msgType string, d *models.Download, notify bool) {
	o.hub.Broadcast(fanout.Message{
		Type: msgType,
		Data: LifecyclePayload{Download: d, Notify: notify},
	})
}

func (o *Orchestrator) broadcastCount() {
	o.hub.Broadcast(fanout.Message{
		Type: fanout.TypeDownloadCount,
		Data: map[string]int{"count": o.ActiveCount()},
	})
}

func (o *Orchestrator) currentSettings() *models.AppSettings {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := o.settings.Get(ctx)
	if err != nil || s == nil {
		return models.DefaultSettings()
	}
	return s
}

// shouldRetryWithWebm matches the helper's container incompatibility error
// for direct webm files. Anything else fails normally.
func shouldRetryWithWebm(d *models.Download, err error) bool {
	if d.Kind != "direct" {
		return false
	}
	if !strings.Contains(helper.CommandMessage(err), codecRetryPhrase) {
		return false
	}
	u, parseErr := url.Parse(d.DownloadURL)
	if parseErr != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".webm")
}

// forceExtension rewrites the filename extension.
func forceExtension(filename, ext string) string {
	if old := path.Ext(filename); old != "" {
		filename = strings.TrimSuffix(filename, old)
	}
	return filename + ext
}
