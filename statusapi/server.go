package statusapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/agent"
	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models"
	"bitbucket.org/mmdatafocus/tcgpos_sync/models/reports"
	"bitbucket.org/mmdatafocus/tcgpos_sync/possync"
	"bitbucket.org/mmdatafocus/tcgpos_sync/runlock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Runner triggers an operation on demand. *agent.Agent implements it.
type Runner interface {
	RunOnce(ctx context.Context, op agent.Operation) (*agent.RunResult, error)
}

// Server is the operator HTTP API used by the POS desktop app.
type Server struct {
	Repo           *models.PosSyncRepo
	Runner         Runner
	TerminalId     string
	BranchId       string
	Token          string
	AllowedOrigins []string
	Logger         *logrus.Logger
	Now            func() time.Time
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	logger := s.Logger
	if logger == nil {
		logger = config.GetLogger()
	}
	r := gin.New()
	r.Use(correlationMiddleware())
	r.Use(corsMiddleware(s.AllowedOrigins))
	r.Use(bearerAsToken())
	r.Use(tokenMiddleware(s.Token))
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	api := r.Group("/api/pos-sync")
	api.GET("/status", s.statusHandler())
	api.GET("/journal", s.journalHandler())
	api.GET("/journal/export", s.exportHandler())
	api.POST("/journal/:id/reset", s.resetHandler())
	api.POST("/run/:operation", s.runHandler())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

// NewHTTPServer wraps the router for ListenAndServe.
func (s *Server) NewHTTPServer(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type StatusResponse struct {
	TerminalId string               `json:"terminalId"`
	BranchId   string               `json:"branchId"`
	State      *models.PosSyncState `json:"state"`
	Journal    models.JournalCounts `json:"journal"`
}

// JournalEventView renders a journal row with its payload as JSON instead of bytes.
type JournalEventView struct {
	models.SyncJournalEvent
	Payload json.RawMessage `json:"payload"`
}

func viewOf(ev models.SyncJournalEvent) JournalEventView {
	payload := json.RawMessage(ev.PayloadJSON)
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	return JournalEventView{SyncJournalEvent: ev, Payload: payload}
}

func (s *Server) statusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		state, err := s.Repo.GetSyncState(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		counts, err := s.Repo.CountEventsByStatus(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, StatusResponse{
			TerminalId: s.TerminalId,
			BranchId:   s.BranchId,
			State:      state,
			Journal:    counts,
		})
	}
}

func parseJournalFilter(c *gin.Context) (models.JournalFilter, error) {
	var f models.JournalFilter
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		f.Status = models.JournalStatus(strings.ToUpper(raw))
		if !f.Status.IsValid() {
			return f, fmt.Errorf("invalid status %q", raw)
		}
	}
	if raw := strings.TrimSpace(c.Query("type")); raw != "" {
		f.EventType = models.JournalEventType(strings.ToUpper(raw))
		if !f.EventType.IsValid() {
			return f, fmt.Errorf("invalid type %q", raw)
		}
	}
	if raw := strings.TrimSpace(c.Query("manual")); raw != "" {
		manual, err := strconv.ParseBool(raw)
		if err != nil {
			return f, fmt.Errorf("invalid manual %q", raw)
		}
		f.Manual = &manual
	}
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return f, fmt.Errorf("invalid limit %q", raw)
		}
		f.Limit = limit
	}
	if raw := strings.TrimSpace(c.Query("after")); raw != "" {
		if _, _, err := models.DecodeCompositeCursor(raw); err != nil {
			return f, err
		}
		f.After = raw
	}
	return f, nil
}

func (s *Server) journalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := parseJournalFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		events, err := s.Repo.ListEvents(c.Request.Context(), filter)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		views := make([]JournalEventView, 0, len(events))
		for _, ev := range events {
			views = append(views, viewOf(ev))
		}
		c.JSON(http.StatusOK, gin.H{
			"events":   views,
			"pageInfo": models.JournalPageInfo(events, models.JournalListLimit(filter.Limit)),
		})
	}
}

func (s *Server) exportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter, err := parseJournalFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var buf bytes.Buffer
		if _, err := reports.ExportJournalAudit(c.Request.Context(), s.Repo, filter, &buf); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		name := fmt.Sprintf("pos-sync-journal-%s.xlsx", s.now().Format("20060102-150405"))
		c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
		c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
	}
}

func (s *Server) resetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clone, err := s.Repo.ResetEvent(c.Request.Context(), c.Param("id"), s.now())
		switch {
		case errors.Is(err, models.ErrEventNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case errors.Is(err, models.ErrEventNotResettable), errors.Is(err, models.ErrEventAlreadyReset):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"event": viewOf(*clone)})
	}
}

func (s *Server) runHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		op, err := agent.ParseOperation(c.Param("operation"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if s.Runner == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not running"})
			return
		}
		// A run outlives a disconnected caller; it keeps the request's correlation id.
		res, err := s.Runner.RunOnce(context.WithoutCancel(c.Request.Context()), op)
		if errors.Is(err, runlock.ErrLocked) {
			c.JSON(http.StatusConflict, gin.H{"error": string(op) + " is already running"})
			return
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"error":  err.Error(),
				"code":   possync.ErrorCode(err, possync.CodeSyncFailed),
				"result": res,
			})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
