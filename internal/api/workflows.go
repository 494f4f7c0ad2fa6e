package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"

	"reqflow/backend/internal/workflow"
	"reqflow/backend/pkg/models"
)

// RegisterHandlers mounts the workflow routes on an echo group.
func RegisterHandlers(g *echo.Group, s *Server) {
	g.POST("/workflows", s.SubmitWorkflow)
	g.GET("/workflows", s.ListRuns)
	g.GET("/workflows/:id", s.GetRun)
	g.DELETE("/workflows/:id", s.CancelWorkflow)
	g.POST("/workflows/:id/answers", s.AnswerClarification)
	g.GET("/workflows/:id/events", s.StreamEvents)
}

// SubmitRequest is the submission body. Timeouts are given in seconds.
type SubmitRequest struct {
	CorrelationID string                        `json:"correlation_id"`
	Documents     []*models.RequirementDocument `json:"documents,omitempty"`
	Items         []*models.RequirementItem     `json:"items,omitempty"`
	Config        struct {
		MaxConcurrentPerPhase       map[string]int `json:"max_concurrent_per_phase,omitempty"`
		PerItemTimeoutSeconds       int            `json:"per_item_timeout_seconds,omitempty"`
		MaxAttempts                 int            `json:"max_attempts,omitempty"`
		ClarificationTimeoutSeconds int            `json:"clarification_timeout_seconds,omitempty"`
		PassThreshold               float64        `json:"pass_threshold,omitempty"`
	} `json:"config"`
}

// SubmitWorkflow starts a validation run for a batch
// (POST /api/v1/workflows)
func (s *Server) SubmitWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	tenantID, _ := ctx.Value("tenant_id").(string)

	cfg := models.WorkflowConfig{
		MaxAttempts:          req.Config.MaxAttempts,
		PassThreshold:        req.Config.PassThreshold,
		PerItemTimeout:       time.Duration(req.Config.PerItemTimeoutSeconds) * time.Second,
		ClarificationTimeout: time.Duration(req.Config.ClarificationTimeoutSeconds) * time.Second,
	}
	if len(req.Config.MaxConcurrentPerPhase) > 0 {
		cfg.MaxConcurrentPerPhase = make(map[models.Phase]int, len(req.Config.MaxConcurrentPerPhase))
		for phase, n := range req.Config.MaxConcurrentPerPhase {
			cfg.MaxConcurrentPerPhase[models.Phase(phase)] = n
		}
	}

	sub := workflow.Submission{
		CorrelationID: req.CorrelationID,
		TenantID:      tenantID,
		Documents:     req.Documents,
		Items:         req.Items,
		Config:        cfg,
	}

	correlationID, err := s.Orchestrator.Submit(sub)
	if err != nil {
		if errors.Is(err, workflow.ErrDuplicateRun) {
			return echo.NewHTTPError(http.StatusConflict, "A run with this correlation id is already active")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	run, err := s.Orchestrator.Status(ctx, correlationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, run)
}

// CancelWorkflow cancels an active run
// (DELETE /api/v1/workflows/:id)
func (s *Server) CancelWorkflow(c echo.Context) error {
	id := c.Param("id")
	if err := s.Orchestrator.Cancel(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "No active run for correlation id "+id)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelling", "correlation_id": id})
}

// AnswerRequest resolves one clarification question.
type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
}

// AnswerClarification answers a pending question on a run
// (POST /api/v1/workflows/:id/answers)
func (s *Server) AnswerClarification(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.QuestionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question_id is required")
	}

	err := s.Orchestrator.Answer(c.Request().Context(), c.Param("id"), req.QuestionID, req.Value)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, map[string]string{"status": "answered", "question_id": req.QuestionID})
	case errors.Is(err, workflow.ErrAlreadyAnswered):
		return echo.NewHTTPError(http.StatusConflict, "Question already answered")
	default:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
}

// GetRun returns the live run if active, otherwise the archived run
// (GET /api/v1/workflows/:id)
func (s *Server) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if run, err := s.Orchestrator.Status(ctx, id); err == nil {
		return c.JSON(http.StatusOK, run)
	}

	run, err := s.Repo.GetRun(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "No run for correlation id "+id)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, run)
}

// ListRuns returns recent archived runs for the caller's tenant
// (GET /api/v1/workflows)
func (s *Server) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()

	runs, err := s.Repo.ListRuns(ctx, 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if runs == nil {
		runs = []*models.WorkflowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}
