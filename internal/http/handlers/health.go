package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/streamhawk/streamhawk/internal/database"
	"github.com/streamhawk/streamhawk/internal/fanout"
)

// HelperStatus reports helper subprocess connectivity.
type HelperStatus interface {
	Connected() bool
}

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        *database.DB
	helper    HelperStatus
	hub       *fanout.Hub
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *database.DB) *HealthHandler {
	h.db = db
	return h
}

// WithHelper sets the helper client for connectivity reporting.
func (h *HealthHandler) WithHelper(helper HelperStatus) *HealthHandler {
	h.helper = helper
	return h
}

// WithHub sets the observer hub for connection counts.
func (h *HealthHandler) WithHub(hub *fanout.Hub) *HealthHandler {
	h.hub = hub
	return h
}

// CPUInfo is CPU load information.
type CPUInfo struct {
	Cores     int     `json:"cores"`
	Load1Min  float64 `json:"load1Min"`
	Load5Min  float64 `json:"load5Min"`
	Load15Min float64 `json:"load15Min"`
}

// MemoryInfo is system memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"totalMemoryMb"`
	UsedMemoryMB      float64 `json:"usedMemoryMb"`
	AvailableMemoryMB float64 `json:"availableMemoryMb"`
}

// DatabaseHealth is database connectivity and response time.
type DatabaseHealth struct {
	Status         string  `json:"status"`
	Driver         string  `json:"driver,omitempty"`
	ResponseTimeMS float64 `json:"responseTimeMs"`
}

// HelperHealth is helper subprocess connectivity.
type HelperHealth struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

// HealthComponents groups per-component health.
type HealthComponents struct {
	Database  DatabaseHealth `json:"database"`
	Helper    HelperHealth   `json:"helper"`
	Observers int            `json:"observers"`
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status        string           `json:"status"`
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	Uptime        string           `json:"uptime"`
	UptimeSeconds float64          `json:"uptimeSeconds"`
	CPUInfo       CPUInfo          `json:"cpu"`
	Memory        MemoryInfo       `json:"memory"`
	Components    HealthComponents `json:"components"`
}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	components := HealthComponents{
		Database: h.databaseHealth(ctx),
		Helper:   h.helperHealth(),
	}
	if h.hub != nil {
		components.Observers = h.hub.Count()
	}

	status := "healthy"
	if components.Database.Status == "error" {
		status = "degraded"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.cpuInfo(),
			Memory:        h.memoryInfo(),
			Components:    components,
		},
	}, nil
}

func (h *HealthHandler) cpuInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}
	if avg, err := load.Avg(); err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
	}
	return info
}

func (h *HealthHandler) memoryInfo() MemoryInfo {
	info := MemoryInfo{}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMemoryMB = float64(vm.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vm.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vm.Available) / 1024 / 1024
	}
	return info
}

func (h *HealthHandler) databaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{Status: "ok"}
	if h.db == nil {
		health.Status = "unknown"
		return health
	}

	health.Driver = h.db.Driver()
	start := time.Now()
	err := h.db.Ping(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		health.Status = "error"
	}
	return health
}

func (h *HealthHandler) helperHealth() HelperHealth {
	health := HelperHealth{Status: "unknown"}
	if h.helper == nil {
		return health
	}
	health.Connected = h.helper.Connected()
	if health.Connected {
		health.Status = "ok"
	} else {
		health.Status = "disconnected"
	}
	return health
}
