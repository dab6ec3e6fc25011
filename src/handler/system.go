package handler

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ably/cli-terminal-broker/src/broker"
)

// Build information, set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// SystemHandler reports process and broker health.
type SystemHandler struct {
	*BaseHandler
	registry *broker.Registry
}

// NewSystemHandler creates a system handler backed by registry for the
// active-session count.
func NewSystemHandler(registry *broker.Registry) *SystemHandler {
	return &SystemHandler{
		BaseHandler: NewBaseHandler(),
		registry:    registry,
	}
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	GitCommit      string  `json:"gitCommit"`
	BuildTime      string  `json:"buildTime"`
	GoVersion      string  `json:"goVersion"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	Uptime         string  `json:"uptime"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	StartedAt      string  `json:"startedAt"`
	ActiveSessions int     `json:"activeSessions"`
} // @name HealthResponse

// HandleHealth handles GET requests to /healthz.
// @Summary Health check
// @Description Returns process health, build information and the current active-session count
// @Tags system
// @Produce json
// @Success 200 {object} HealthResponse "Health status"
// @Router /healthz [get]
func (h *SystemHandler) HandleHealth(c *gin.Context) {
	uptime := time.Since(startTime)

	active := 0
	if h.registry != nil {
		active = h.registry.Count()
	}

	h.SendJSON(c, http.StatusOK, HealthResponse{
		Status:         "ok",
		Version:        Version,
		GitCommit:      GitCommit,
		BuildTime:      BuildTime,
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		Uptime:         uptime.Round(time.Second).String(),
		UptimeSeconds:  uptime.Seconds(),
		StartedAt:      startTime.Format(time.RFC3339),
		ActiveSessions: active,
	})
}
