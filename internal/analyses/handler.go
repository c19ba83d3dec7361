package analyses

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"aqualens-backend/internal/shared/server/middleware"
	"aqualens-backend/internal/shared/server/respond"
	"aqualens-backend/internal/shared/util"
)

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyses", h.createAnalysis)
	rg.GET("/analyses", h.listAnalyses)
	rg.GET("/analyses/:id", h.getAnalysis)
	rg.GET("/analyses/:id/events", h.streamAnalysis)
	rg.GET("/analyses/:id/export", h.exportAnalysis)
}

type createAnalysisRequest struct {
	ImageData string `json:"imageData"`
}

func (h *Handler) createAnalysis(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)

	var req createAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "request body must be JSON with an imageData field", nil)
		return
	}

	job, err := h.Svc.Create(ctxWithRequestID(c), ownerID, req.ImageData)
	if err != nil {
		switch {
		case errors.Is(err, util.ErrNotDataURI), errors.Is(err, util.ErrInvalidBase64):
			respond.Error(c, http.StatusBadRequest, "validation_error", "imageData must be a base64 image data URI", []map[string]string{
				{"field": "imageData", "issue": "invalid_data_uri"},
			})
		case errors.Is(err, ErrImageTooLarge):
			respond.Error(c, http.StatusRequestEntityTooLarge, "validation_error", "image exceeds the 4.5 MB upload limit", []map[string]string{
				{"field": "imageData", "issue": "too_large"},
			})
		case errors.Is(err, ErrRateLimited):
			c.Header("Retry-After", strconv.Itoa(h.Svc.RetryAfterSeconds()))
			respond.Error(c, http.StatusTooManyRequests, "rate_limited", "Please wait before submitting another sample.", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start analysis", nil)
		}
		return
	}

	respond.JSON(c, http.StatusAccepted, gin.H{
		"analysisId": job.ID,
		"status":     job.Status,
	})
}

func (h *Handler) getAnalysis(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "analysis id is required", nil)
		return
	}

	job, err := h.Svc.Get(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch analysis", nil)
		}
		return
	}

	respond.JSON(c, http.StatusOK, jobView(job))
}

func (h *Handler) listAnalyses(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)

	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if limit < 0 {
		limit = 0
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.Svc.List(c.Request.Context(), ownerID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list analyses", nil)
		return
	}

	resp := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		item := gin.H{
			"analysisId": job.ID,
			"status":     job.Status,
			"createdAt":  job.CreatedAt,
		}
		if job.Status == StatusComplete && job.Result != nil {
			item["particleCount"] = job.Result.ParticleCount
			item["contaminationPercentage"] = job.Result.ContaminationPercentage
		}
		if job.Status == StatusError {
			item["errorCode"] = job.ErrorCode
		}
		resp = append(resp, item)
	}

	respond.JSON(c, http.StatusOK, resp)
}

// streamAnalysis pushes job state over server-sent events until the job
// reaches a terminal status.
func (h *Handler) streamAnalysis(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "analysis id is required", nil)
		return
	}
	if _, err := h.Svc.Get(c.Request.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch analysis", nil)
		}
		return
	}

	updates, err := h.Svc.Subscribe(c.Request.Context(), jobID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to subscribe", nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case job, ok := <-updates:
			if !ok {
				return
			}
			c.SSEvent("update", jobView(job))
			c.Writer.Flush()
			if job.Terminal() {
				return
			}
		}
	}
}

func (h *Handler) exportAnalysis(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "analysis id is required", nil)
		return
	}

	job, err := h.Svc.Get(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to fetch analysis", nil)
		}
		return
	}
	if job.Status != StatusComplete || job.Result == nil {
		respond.Error(c, http.StatusConflict, "not_complete", "analysis has no exportable result yet", nil)
		return
	}

	payload, err := ExportCSV(*job.Result)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to render export", nil)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="aqualens_analysis.csv"`)
	c.Data(http.StatusOK, "text/csv", payload)
}

// jobView shapes a job for API responses. Image payloads never leave the
// service, and non-terminal jobs carry client-facing progress copy.
func jobView(job AnalysisJob) gin.H {
	view := gin.H{
		"id":        job.ID,
		"status":    job.Status,
		"createdAt": job.CreatedAt,
		"version":   job.Version,
	}
	if !job.Terminal() {
		view["progressMessage"] = ProgressMessage(job.Status)
	}
	if job.CompletedAt != nil {
		view["completedAt"] = job.CompletedAt
	}
	if job.Status == StatusComplete && job.Result != nil {
		view["result"] = job.Result
	}
	if job.Status == StatusError {
		view["errorCode"] = job.ErrorCode
		view["error"] = job.ErrorMessage
	}
	return view
}

func ctxWithRequestID(c *gin.Context) context.Context {
	return withRequestID(c.Request.Context(), middleware.RequestIDFromContext(c))
}
