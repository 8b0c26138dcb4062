package http

import (
	"cellflow/internal/domain"
	"cellflow/internal/ports"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type WorkflowHandler struct {
	workflows ports.WorkflowService
	uploads   ports.UploadService
	logger    *slog.Logger
}

type SubmitWorkflowRequest struct {
	UploadID    string `json:"upload_id" binding:"required"`
	Model       int64  `json:"model" binding:"required"`
	Application int64  `json:"application" binding:"required"`
}

type StatusResponse struct {
	WorkflowID string                `json:"workflow_id"`
	Status     domain.WorkflowStatus `json:"status"`
	Stage      *string               `json:"stage"`
	JobHandle  *string               `json:"job_handle"`
	Error      *string               `json:"error"`
}

func NewWorkflowHandler(workflows ports.WorkflowService, uploads ports.UploadService, logger *slog.Logger) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows, uploads: uploads, logger: logger}
}

func (h *WorkflowHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	uploadID, err := h.uploads.Upload(c, header.Filename, file)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"upload_id": uploadID})
}

func (h *WorkflowHandler) Submit(c *gin.Context) {
	var req SubmitWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wf, err := h.workflows.Submit(c, ports.SubmitRequest{
		ApplicationID: req.Application,
		ModelID:       req.Model,
		UploadID:      req.UploadID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": wf.ID,
		"status":      wf.Status,
		"message":     "Workflow successfully submitted and queued for processing",
	})
}

func (h *WorkflowHandler) GetStatus(c *gin.Context) {
	wf, err := h.workflows.GetStatus(c, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		WorkflowID: wf.ID,
		Status:     wf.Status,
		Stage:      wf.Stage,
		JobHandle:  wf.JobHandle,
		Error:      wf.Error,
	})
}

func (h *WorkflowHandler) GetResult(c *gin.Context) {
	result, err := h.workflows.GetResult(c, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", result)
}

func (h *WorkflowHandler) Download(c *gin.Context) {
	table, fileName, err := h.workflows.OpenAnnotatedTable(c, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer table.Close()

	c.Header("Content-Disposition", `attachment; filename="`+fileName+`"`)
	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, table); err != nil {
		h.logger.Warn("failed to stream annotated table",
			slog.String("workflow_id", c.Param("id")),
			slog.Any("error", err))
	}
}

type CatalogHandler struct {
	catalog ports.CatalogService
	logger  *slog.Logger
}

func NewCatalogHandler(catalog ports.CatalogService, logger *slog.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, logger: logger}
}

func (h *CatalogHandler) ListModels(c *gin.Context) {
	models, err := h.catalog.ListModels(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (h *CatalogHandler) ListApplications(c *gin.Context) {
	applications, err := h.catalog.ListApplications(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"applications": applications})
}

func (h *CatalogHandler) ListApplicationModels(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "application id must be an integer"})
		return
	}

	application, err := h.catalog.GetApplication(c, id)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	models := application.Models
	if models == nil {
		models = []*domain.Model{}
	}
	c.JSON(http.StatusOK, gin.H{
		"application_id":   application.ID,
		"application_name": application.Name,
		"models":           models,
	})
}

func (h *WorkflowHandler) writeError(c *gin.Context, err error) {
	writeError(c, h.logger, err)
}

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: wrapped errors may match several sentinels.
var errorMappings = []errorMapping{
	{domain.ErrApplicationNotFound, http.StatusNotFound, "application_not_found"},
	{domain.ErrModelNotFound, http.StatusNotFound, "model_not_found"},
	{domain.ErrUploadNotFound, http.StatusNotFound, "upload_not_found"},
	{domain.ErrWorkflowNotFound, http.StatusNotFound, "workflow_not_found"},
	{domain.ErrArtifactNotFound, http.StatusNotFound, "artifact_not_found"},
	{domain.ErrUnsupportedUpload, http.StatusBadRequest, "unsupported_upload"},
	{domain.ErrResultNotReady, http.StatusAccepted, "result_not_ready"},
	{domain.ErrWorkflowFailed, http.StatusConflict, "workflow_failed"},
	{domain.ErrQueueUnavailable, http.StatusServiceUnavailable, "queue_unavailable"},
	{domain.ErrPersistence, http.StatusInternalServerError, "persistence_failed"},
}

func writeError(c *gin.Context, logger *slog.Logger, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			if m.status >= http.StatusInternalServerError {
				logger.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
			}
			c.JSON(m.status, gin.H{"error": err.Error(), "code": m.code})
			return
		}
	}

	logger.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error", "code": "internal"})
}
