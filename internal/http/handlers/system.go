package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/scheduler"
	"github.com/jmylchreest/fetcharr/internal/version"
)

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// TaskReporter exposes the scheduler's per-task heartbeat snapshot.
type TaskReporter interface {
	Status() []scheduler.TaskStatus
}

// BreakerReporter exposes the circuit breaker states.
type BreakerReporter interface {
	States() []models.CircuitBreakerState
}

// SystemHandler handles the health and version endpoints.
type SystemHandler struct {
	startTime time.Time
	db        Pinger
	tasks     TaskReporter
	breakers  BreakerReporter
	pool      EncoderPool
}

// NewSystemHandler creates a new system handler.
func NewSystemHandler(db Pinger, tasks TaskReporter, breakers BreakerReporter, pool EncoderPool) *SystemHandler {
	return &SystemHandler{
		startTime: time.Now(),
		db:        db,
		tasks:     tasks,
		breakers:  breakers,
		pool:      pool,
	}
}

// Register registers the system routes with the API.
func (h *SystemHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including database, scheduler tasks, breakers and system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getVersion",
		Method:      "GET",
		Path:        "/api/v1/version",
		Summary:     "Build version",
		Tags:        []string{"System"},
	}, h.GetVersion)
}

// SystemInfo carries host-level metrics for the health payload.
type SystemInfo struct {
	Hostname    string  `json:"hostname,omitempty"`
	GoVersion   string  `json:"go_version"`
	NumCPU      int     `json:"num_cpu"`
	Goroutines  int     `json:"goroutines"`
	MemoryUsed  uint64  `json:"memory_used_bytes,omitempty"`
	MemoryTotal uint64  `json:"memory_total_bytes,omitempty"`
	Load1       float64 `json:"load1,omitempty"`
}

// BreakerStatus is one breaker row in the health payload.
type BreakerStatus struct {
	Service    string    `json:"service"`
	State      string    `json:"state"`
	Failures   int       `json:"failures"`
	OpensUntil time.Time `json:"opens_until,omitempty"`
}

// HealthOutput is the health payload.
type HealthOutput struct {
	Body struct {
		Status            string                 `json:"status" enum:"ok,degraded"`
		Version           string                 `json:"version"`
		Uptime            string                 `json:"uptime"`
		Database          string                 `json:"database"`
		EncodersConnected int                    `json:"encoders_connected"`
		Tasks             []scheduler.TaskStatus `json:"tasks,omitempty"`
		Breakers          []BreakerStatus        `json:"breakers,omitempty"`
		System            SystemInfo             `json:"system"`
	}
}

// GetHealth reports service health. The status degrades when the database is
// unreachable; everything else is informational.
func (h *SystemHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Version = version.Short()
	out.Body.Uptime = time.Since(h.startTime).Round(time.Second).String()

	out.Body.Database = "ok"
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			out.Body.Status = "degraded"
			out.Body.Database = err.Error()
		}
	}

	if h.tasks != nil {
		out.Body.Tasks = h.tasks.Status()
	}
	if h.breakers != nil {
		for _, s := range h.breakers.States() {
			status := BreakerStatus{
				Service:  s.Service,
				State:    string(s.State),
				Failures: s.Failures,
			}
			if s.OpensUntil != nil {
				status.OpensUntil = *s.OpensUntil
			}
			out.Body.Breakers = append(out.Body.Breakers, status)
		}
	}
	if h.pool != nil {
		out.Body.EncodersConnected = h.pool.ConnectedCount()
	}

	out.Body.System = collectSystemInfo(ctx)
	return out, nil
}

// collectSystemInfo gathers host metrics. Collection failures leave the
// affected fields zero rather than failing the health check.
func collectSystemInfo(ctx context.Context) SystemInfo {
	info := SystemInfo{
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryUsed = vm.Used
		info.MemoryTotal = vm.Total
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.Load1 = avg.Load1
	}
	return info
}

// VersionOutput is the version payload.
type VersionOutput struct {
	Body version.Info
}

// GetVersion returns build metadata.
func (h *SystemHandler) GetVersion(_ context.Context, _ *struct{}) (*VersionOutput, error) {
	return &VersionOutput{Body: version.GetInfo()}, nil
}
