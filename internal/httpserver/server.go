// Package httpserver exposes run progress and snapshot history over HTTP and
// can start a snapshot run on request.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/fgeck/gosftp-homelab/internal/services/progress"
	"github.com/fgeck/gosftp-homelab/internal/services/runner"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// DefaultAddr is used when no listen address is given.
const DefaultAddr = "127.0.0.1:8080"

// History is the narrow ledger contract required by the HTTP API.
type History interface {
	List(ctx context.Context) ([]models.BackupRun, error)
}

// Server provides the monitoring API.
type Server struct {
	addr       string
	history    History
	statusFile string
	logger     zerolog.Logger
	server     *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	startTime  time.Time

	runner runner.Service
	cfg    models.BackupConfig
	runs   sync.WaitGroup

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	lastRun   *runOutcome
}

type runOutcome struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// NewServer creates a new HTTP API server.
func NewServer(logger zerolog.Logger, addr string, history History, statusFile string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:       addr,
		history:    history,
		statusFile: statusFile,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// WithRunner enables POST /api/backups/run, which runs cfg in the background.
func (s *Server) WithRunner(r runner.Service, cfg models.BackupConfig) *Server {
	s.runner = r
	s.cfg = cfg
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/progress", s.handleProgress)
	r.GET("/api/backups", s.handleBackups)
	if s.runner != nil {
		r.GET("/api/backups/run", s.handleRunStatus)
		r.POST("/api/backups/run", s.handleRun)
	}

	return r
}

// Start begins serving HTTP requests and returns the bound address.
func (s *Server) Start() (string, error) {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", err
	}

	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("monitoring API listening")
	return listener.Addr().String(), nil
}

// Stop gracefully shuts down the HTTP server. A run started over the API is
// canceled and waited for.
func (s *Server) Stop() error {
	s.cancel()
	defer s.runs.Wait()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleProgress returns the bare percentage as text, 0 when no run wrote one.
func (s *Server) handleProgress(c *gin.Context) {
	pct, err := progress.ReadStatus(s.statusFile)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", s.statusFile).Msg("failed to read status file")
		c.String(http.StatusInternalServerError, "failed to read progress")
		return
	}

	c.String(http.StatusOK, strconv.FormatFloat(pct, 'f', -1, 64))
}

func (s *Server) handleBackups(c *gin.Context) {
	runs, err := s.history.List(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list backups")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read backup history"})
		return
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(runs) {
			runs = runs[:limit]
		}
	}

	if runs == nil {
		runs = []models.BackupRun{}
	}

	c.JSON(http.StatusOK, gin.H{
		"backups": runs,
		"count":   len(runs),
	})
}

// handleRun starts a snapshot run unless one is already in progress.
func (s *Server) handleRun(c *gin.Context) {
	s.mu.Lock()
	if s.running {
		startedAt := s.startedAt
		s.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{
			"error":      "a backup is already running",
			"started_at": startedAt,
		})
		return
	}
	s.running = true
	s.startedAt = time.Now()
	startedAt := s.startedAt
	s.runs.Add(1)
	s.mu.Unlock()

	s.logger.Info().Str("remote_addr", c.ClientIP()).Msg("backup requested over API")

	go func() {
		defer s.runs.Done()
		err := s.runner.Run(s.ctx, s.cfg)

		outcome := &runOutcome{StartedAt: startedAt, FinishedAt: time.Now()}
		if err != nil {
			outcome.Error = err.Error()
			s.logger.Error().Err(err).Msg("backup started over API failed")
		}

		s.mu.Lock()
		s.running = false
		s.lastRun = outcome
		s.mu.Unlock()
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status":     "started",
		"started_at": startedAt,
	})
}

func (s *Server) handleRunStatus(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := gin.H{"running": s.running}
	if s.running {
		body["started_at"] = s.startedAt
	}
	if s.lastRun != nil {
		body["last_run"] = s.lastRun
	}
	c.JSON(http.StatusOK, body)
}
