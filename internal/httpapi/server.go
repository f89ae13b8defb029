// Package httpapi is the read-only REST surface (§6's supplemented
// ambient feature, grounded on the teacher's own Echo-based internal/httpapi):
// a health check, a lightweight state snapshot, and attachment download.
// It never touches the stream or voice ports — both live entirely in the
// core's framed-TCP/raw-UDP protocol.
package httpapi

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// StateFunc supplies the live session/channel counts for /api/state; the
// core's ChannelRegistry is the only source of truth for these, and
// httpapi never reaches into it directly to avoid a package-layering
// violation (internal/httpapi must not import the root package).
type StateFunc func() (clients int, voiceChannels int)

// VoiceStatsSample is one entry of the supervisor's rolling telemetry ring,
// mirrored here so /api/voice-stats can serve it without httpapi importing
// the root package.
type VoiceStatsSample struct {
	TS        int64   `json:"ts"`
	AvgPing   float64 `json:"avg_ping"`
	AvgLoss   float64 `json:"avg_loss"`
	AvgJitter float64 `json:"avg_jitter"`
	AvgBuffer float64 `json:"avg_buffer"`
	Clients   int     `json:"client_count"`
}

// VoiceStatsFunc supplies a snapshot of the supervisor's telemetry ring.
type VoiceStatsFunc func() []VoiceStatsSample

// Server is the Echo application serving the REST surface.
type Server struct {
	echo           *echo.Echo
	state          StateFunc
	voiceStats     VoiceStatsFunc
	attachmentsDir string
}

// New constructs an Echo app with the health/state/attachment routes.
func New(state StateFunc, attachmentsDir string) *Server {
	return NewWithVoiceStats(state, nil, attachmentsDir)
}

// NewWithVoiceStats additionally wires /api/voice-stats from voiceStats; a
// nil voiceStats makes the route report an empty ring instead of failing,
// which keeps the health/state-only test construction in New working.
func NewWithVoiceStats(state StateFunc, voiceStats VoiceStatsFunc, attachmentsDir string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, state: state, voiceStats: voiceStats, attachmentsDir: attachmentsDir}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/attachments/:id", s.handleAttachmentDownload)
	s.echo.GET("/api/voice-stats", s.handleVoiceStats)
}

// Run starts Echo and blocks until Shutdown closes it or startup fails.
func (s *Server) Run(addr string) error {
	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops Echo by closing its listener and connections immediately
// (echo.Close); in-flight requests are not drained.
func (s *Server) Shutdown() error {
	return s.echo.Close()
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type stateResponse struct {
	Clients       int `json:"clients"`
	VoiceChannels int `json:"voice_channels"`
}

func (s *Server) handleState(c echo.Context) error {
	clients, channels := s.state()
	return c.JSON(http.StatusOK, stateResponse{Clients: clients, VoiceChannels: channels})
}

type voiceStatsResponse struct {
	Samples []VoiceStatsSample `json:"samples"`
	Summary string             `json:"summary"`
}

// handleVoiceStats serves the supervisor's rolling telemetry ring (§4.7's
// stats writer). Summary renders the latest sample's client count in a form
// meant for a human reading a terminal, not a dashboard.
func (s *Server) handleVoiceStats(c echo.Context) error {
	var samples []VoiceStatsSample
	if s.voiceStats != nil {
		samples = s.voiceStats()
	}
	summary := "no samples yet"
	if n := len(samples); n > 0 {
		latest := samples[n-1]
		summary = fmt.Sprintf("%s clients, %s samples recorded",
			humanize.Comma(int64(latest.Clients)), humanize.Comma(int64(n)))
	}
	return c.JSON(http.StatusOK, voiceStatsResponse{Samples: samples, Summary: summary})
}

// handleAttachmentDownload serves a previously-uploaded attachment by its
// server-generated id (§6.4). Attachments live as flat files under
// attachmentsDir; the id itself already embeds a random component, so a
// bare filename lookup is the full access check.
func (s *Server) handleAttachmentDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" || strings.ContainsAny(id, "/\\") {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid attachment id")
	}
	path := filepath.Join(s.attachmentsDir, id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return echo.NewHTTPError(http.StatusNotFound, "attachment not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open attachment: %v", err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "stat attachment")
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, id))
	c.Response().Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, f)
	return copyErr
}
