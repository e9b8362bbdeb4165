package pipeline

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"jobmatch-backend/internal/events"
	"jobmatch-backend/internal/idempotency"
	"jobmatch-backend/internal/ledger"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/server/middleware"
	"jobmatch-backend/internal/shared/server/respond"
	"jobmatch-backend/internal/shared/telemetry"
)

const sseKeepAlive = 15 * time.Second

// Handler exposes the pipeline over HTTP.
type Handler struct {
	Launcher *Launcher
	Repo     services.Repo
	Events   events.Channel
}

// NewHandler constructs a Handler.
func NewHandler(l *Launcher, repo services.Repo, ch events.Channel) *Handler {
	return &Handler{Launcher: l, Repo: repo, Events: ch}
}

// RegisterRoutes attaches service routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/services", h.create)
	rg.GET("/services/:id", h.get)
	rg.POST("/services/:id/retry", h.retry)
	rg.POST("/services/:id/customize", h.customize)
	rg.POST("/services/:id/interview", h.interview)
	rg.POST("/services/:id/resume-summary", h.resumeSummary)
	rg.GET("/services/:id/events", h.stream)
}

func (h *Handler) create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	req.UserID = middleware.UserIDFromContext(c)
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	req.RequestID = middleware.RequestIDFromContext(c)

	launch, err := h.Launcher.Create(c.Request.Context(), req)
	if err != nil {
		h.launchError(c, err)
		return
	}
	h.accepted(c, launch)
}

func (h *Handler) retry(c *gin.Context) {
	launch, err := h.Launcher.Retry(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"), middleware.RequestIDFromContext(c))
	if err != nil {
		h.launchError(c, err)
		return
	}
	h.accepted(c, launch)
}

func (h *Handler) customize(c *gin.Context) {
	var body struct {
		Interview bool `json:"interview"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return
	}
	launch, err := h.Launcher.StartCustomize(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"), body.Interview, middleware.RequestIDFromContext(c))
	if err != nil {
		h.launchError(c, err)
		return
	}
	h.accepted(c, launch)
}

func (h *Handler) interview(c *gin.Context) {
	launch, err := h.Launcher.StartInterview(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"), middleware.RequestIDFromContext(c))
	if err != nil {
		h.launchError(c, err)
		return
	}
	h.accepted(c, launch)
}

func (h *Handler) resumeSummary(c *gin.Context) {
	detailed := c.Query("detailed") == "true"
	launch, err := h.Launcher.SummarizeResume(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"), detailed, middleware.RequestIDFromContext(c))
	if err != nil {
		h.launchError(c, err)
		return
	}
	h.accepted(c, launch)
}

func (h *Handler) get(c *gin.Context) {
	svc, err := h.Launcher.owned(c.Request.Context(), middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "service not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch service", nil)
		return
	}
	resp := gin.H{"service": svc}
	if svc.FailureCode != "" {
		resp["message"] = services.FailureMessage(svc.FailureCode)
	}
	artifacts := gin.H{}
	for _, kind := range []services.ArtifactKind{
		services.ArtifactJobSummary,
		services.ArtifactMatch,
		services.ArtifactCustomize,
		services.ArtifactInterview,
	} {
		body, err := h.Repo.GetArtifact(c.Request.Context(), svc.ID, kind)
		if err == nil {
			artifacts[string(kind)] = rawJSON(body)
		}
	}
	resp["artifacts"] = artifacts
	respond.OK(c, resp)
}

// stream relays a task topic as server-sent events. Without a taskId the
// task of the Service's current stage is followed.
func (h *Handler) stream(c *gin.Context) {
	ctx := c.Request.Context()
	svc, err := h.Launcher.owned(ctx, middleware.UserIDFromContext(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			respond.Error(c, http.StatusNotFound, "not_found", "service not found", nil)
			return
		}
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch service", nil)
		return
	}
	taskID := c.Query("taskId")
	if taskID == "" {
		taskID = currentTaskID(svc)
	}
	sub, err := h.Events.Subscribe(ctx, events.Topic(svc.UserID, svc.ID, taskID))
	if err != nil {
		respond.Error(c, http.StatusServiceUnavailable, "events_unavailable", "event stream unavailable", nil)
		return
	}
	defer sub.Close()
	defer telemetry.Debug("events.stream.closed", map[string]any{"service_id": svc.ID, "task_id": taskID})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for _, ev := range sub.Replay {
		c.SSEvent(ev.Type, ev)
	}
	c.Writer.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			c.SSEvent(ev.Type, ev)
			c.Writer.Flush()
		case <-ticker.C:
			_, _ = io.WriteString(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()
		}
	}
}

func (h *Handler) accepted(c *gin.Context, launch Launch) {
	c.Set("serviceId", launch.Service.ID)
	c.Set("taskId", launch.TaskID)
	c.Set("statusTransition", "->"+string(launch.Service.Status))
	c.Set("location", "/api/v1/services/"+launch.Service.ID)
	status := http.StatusAccepted
	if launch.Duplicate {
		status = http.StatusOK
	}
	respond.JSON(c, status, gin.H{
		"serviceId":          launch.Service.ID,
		"taskId":             launch.TaskID,
		"status":             launch.Service.Status,
		"executionSessionId": launch.Service.SessionID,
		"duplicate":          launch.Duplicate,
	})
}

func (h *Handler) launchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, services.ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "service not found", nil)
	case errors.Is(err, ErrNotAllowed):
		respond.Error(c, http.StatusConflict, "not_allowed", "the service cannot start this step now", nil)
	case errors.Is(err, idempotency.ErrInFlight):
		respond.Error(c, http.StatusConflict, "in_flight", "an identical request is still being processed", nil)
	case errors.Is(err, ledger.ErrLimitReached):
		respond.Error(c, http.StatusTooManyRequests, "limit_reached", "You've reached your quota for this period.", []map[string]string{
			{"field": "quota", "issue": "limit_reached"},
		})
	case errors.Is(err, ErrEnqueue):
		respond.Error(c, http.StatusServiceUnavailable, "enqueue_failed", "could not schedule the analysis; your quota was refunded", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start service", nil)
	}
}

// currentTaskID names the task of the stage svc is in.
func currentTaskID(svc services.Service) string {
	t := TemplateJobSummary
	switch services.StageOf(svc.Status) {
	case services.StageOCR:
		t = TemplateOCR
	case services.StageSummary:
		if svc.Tier == services.TierFree {
			t = TemplateVisionSummary
		}
	case services.StagePreMatch:
		t = TemplatePreMatchAudit
	case services.StageMatch:
		t = TemplateMatch
	case services.StageCustomize:
		t = TemplateCustomize
	case services.StageInterview:
		t = TemplateInterview
	}
	return TaskID(svc.ID, t, svc.SessionID)
}

type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
