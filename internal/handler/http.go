package handler

import (
	"net/http"
	"strconv"

	"story-graph-server/internal/models"
	"story-graph-server/internal/service"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// CreateStoryRequest тело POST /stories.
type CreateStoryRequest struct {
	Topic      string `json:"topic" validate:"required,max=100"`
	Difficulty string `json:"difficulty" validate:"required,oneof=easy medium hard"`
}

// ResolveChoiceRequest тело POST /stories/:storyId/choices.
type ResolveChoiceRequest struct {
	CurrentNodeID string `json:"currentNodeId" validate:"required,uuid"`
	ChoiceID      string `json:"choiceId" validate:"required,max=64"`
	ChoiceText    string `json:"choiceText" validate:"max=500"`
}

// JobAcceptedResponse ответ на асинхронный запрос.
type JobAcceptedResponse struct {
	JobID  uuid.UUID        `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

// StoryHandler обрабатывает HTTP запросы к графу историй.
type StoryHandler struct {
	engine    service.StoryEngine
	jobs      service.GenerationJobService
	jwtSecret string
	logger    *zap.Logger
}

// NewStoryHandler создает новый StoryHandler.
func NewStoryHandler(engine service.StoryEngine, jobs service.GenerationJobService, jwtSecret string, logger *zap.Logger) *StoryHandler {
	return &StoryHandler{
		engine:    engine,
		jobs:      jobs,
		jwtSecret: jwtSecret,
		logger:    logger.Named("StoryHandler"),
	}
}

// RegisterRoutes регистрирует маршруты API.
func (h *StoryHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.health)

	api := e.Group("/api/v1", JWTAuthMiddleware(h.jwtSecret, h.logger))
	stories := api.Group("/stories")
	{
		stories.POST("", h.createStory)
		stories.GET("", h.listStories)
		stories.GET("/:storyId", h.getStory)
		stories.GET("/:storyId/progress", h.getProgress)
		stories.GET("/:storyId/nodes", h.listNodes)
		stories.GET("/:storyId/nodes/:nodeId", h.getNode)
		stories.POST("/:storyId/choices", h.resolveChoice)
		stories.GET("/:storyId/summary", h.getSummary)
		stories.GET("/:storyId/nodes/:nodeId/choices/:choiceId/feedback", h.getChoiceFeedback)
	}
	api.GET("/jobs/:jobId", h.getJob)
}

func (h *StoryHandler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *StoryHandler) createStory(c echo.Context) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c, "User is not authenticated")
	}

	var req CreateStoryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	if isAsync(c) {
		job, err := h.jobs.SubmitStartStory(ctx, userID, req.Topic, models.Difficulty(req.Difficulty))
		if err != nil {
			return handleServiceError(c, err)
		}
		return c.JSON(http.StatusAccepted, JobAcceptedResponse{JobID: job.ID, Status: job.Status})
	}

	res, err := h.engine.StartStory(ctx, userID, req.Topic, models.Difficulty(req.Difficulty))
	if err != nil {
		h.logger.Warn("Start story failed", zap.Stringer("userID", userID), zap.Error(err))
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *StoryHandler) listStories(c echo.Context) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c, "User is not authenticated")
	}

	var status *models.StoryStatus
	if raw := c.QueryParam("status"); raw != "" {
		s := models.StoryStatus(raw)
		status = &s
	}

	stories, err := h.engine.ListStories(c.Request().Context(), userID, status)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, stories)
}

func (h *StoryHandler) getStory(c echo.Context) error {
	userID, storyID, ok, err := h.userAndStory(c)
	if !ok {
		return err
	}
	story, err := h.engine.GetStory(c.Request().Context(), userID, storyID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, story)
}

func (h *StoryHandler) getProgress(c echo.Context) error {
	userID, storyID, ok, err := h.userAndStory(c)
	if !ok {
		return err
	}
	progress, err := h.engine.GetProgress(c.Request().Context(), userID, storyID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, progress)
}

func (h *StoryHandler) listNodes(c echo.Context) error {
	userID, storyID, ok, err := h.userAndStory(c)
	if !ok {
		return err
	}
	nodes, err := h.engine.ListStoryNodes(c.Request().Context(), userID, storyID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, nodes)
}

func (h *StoryHandler) getNode(c echo.Context) error {
	userID, storyID, ok, err := h.userAndStory(c)
	if !ok {
		return err
	}
	nodeID, parseErr := uuid.Parse(c.Param("nodeId"))
	if parseErr != nil {
		return badRequest(c, "Invalid node ID")
	}
	node, err := h.engine.GetNode(c.Request().Context(), userID, storyID, nodeID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, node)
}

func (h *StoryHandler) resolveChoice(c echo.Context) error {
	userID, storyID, ok, err := h.userAndStory(c)
	if !ok {
		return err
	}

	var req ResolveChoiceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err.Error())
	}
	nodeID, parseErr := uuid.Parse(req.CurrentNodeID)
	if parseErr != nil {
		return badRequest(c, "Invalid currentNodeId")
	}

	in := service.ResolveChoiceInput{
		UserID:        userID,
		StoryID:       storyID,
		CurrentNodeID: nodeID,
		ChoiceID:      req.ChoiceID,
		ChoiceText:    req.ChoiceText,
	}

	ctx := c.Request().Context()
	if isAsync(c) {
		job, err := h.jobs.SubmitResolveChoice(ctx, in)
		if err != nil {
			return handleServiceError(c, err)
		}
		return c.JSON(http.StatusAccepted, JobAcceptedResponse{JobID: job.ID, Status: job.Status})
	}

	res, err := h.engine.ResolveChoice(ctx, in)
	if err != nil {
		h.logger.Warn("Resolve choice failed",
			zap.Stringer("storyID", storyID), zap.String("choiceID", req.ChoiceID), zap.Error(err))
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *StoryHandler) getSummary(c echo.Context) error {
	userID, storyID, ok, err := h.userAndStory(c)
	if !ok {
		return err
	}
	ctx := c.Request().Context()
	if isAsync(c) {
		job, err := h.jobs.SubmitSummary(ctx, userID, storyID)
		if err != nil {
			return handleServiceError(c, err)
		}
		return c.JSON(http.StatusAccepted, JobAcceptedResponse{JobID: job.ID, Status: job.Status})
	}

	summary, err := h.engine.GetSummary(ctx, userID, storyID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *StoryHandler) getChoiceFeedback(c echo.Context) error {
	userID, storyID, ok, err := h.userAndStory(c)
	if !ok {
		return err
	}
	nodeID, parseErr := uuid.Parse(c.Param("nodeId"))
	if parseErr != nil {
		return badRequest(c, "Invalid node ID")
	}
	choiceID := c.Param("choiceId")
	if choiceID == "" || len(choiceID) > 64 {
		return badRequest(c, "Invalid choice ID")
	}
	feedback, err := h.engine.GetChoiceFeedback(c.Request().Context(), userID, storyID, nodeID, choiceID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, feedback)
}

func (h *StoryHandler) getJob(c echo.Context) error {
	userID, ok := currentUserID(c)
	if !ok {
		return unauthorized(c, "User is not authenticated")
	}
	jobID, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		return badRequest(c, "Invalid job ID")
	}
	job, err := h.jobs.GetJob(c.Request().Context(), userID, jobID)
	if err != nil {
		return handleServiceError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// userAndStory возвращает (..., false, ответ) если запрос уже обработан с ошибкой.
func (h *StoryHandler) userAndStory(c echo.Context) (uuid.UUID, uuid.UUID, bool, error) {
	userID, ok := currentUserID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false, unauthorized(c, "User is not authenticated")
	}
	storyID, err := uuid.Parse(c.Param("storyId"))
	if err != nil {
		return uuid.Nil, uuid.Nil, false, badRequest(c, "Invalid story ID")
	}
	return userID, storyID, true, nil
}

func isAsync(c echo.Context) bool {
	async, _ := strconv.ParseBool(c.QueryParam("async"))
	return async
}
