package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Prismadic/magnet/internal/charge"
	"github.com/Prismadic/magnet/internal/http/dto"
	"github.com/Prismadic/magnet/internal/model"
)

type JobService interface {
	Excite(ctx context.Context, t model.JobType, params model.JobParams) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, t model.JobType) ([]model.Job, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	Unclaim(ctx context.Context, jobID string, opts ...charge.UnclaimOption) (*model.Job, error)
}

type JobHandler struct {
	jobs JobService
}

func NewJobHandler(jobs JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (h *JobHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := model.ParseJobType(req.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := model.DecodeParams(t, req.Params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.Excite(ctx, t, params)
	if err != nil {
		respondError(c, err, "failed to create job")
		return
	}

	slog.InfoContext(ctx, "job created", "job_id", job.ID, "job_type", job.Type)
	c.JSON(http.StatusCreated, job)
}

func (h *JobHandler) List(c *gin.Context) {
	var t model.JobType
	if q := c.Query("type"); q != "" {
		parsed, err := model.ParseJobType(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t = parsed
	}

	jobs, err := h.jobs.ListJobs(c.Request.Context(), t)
	if err != nil {
		respondError(c, err, "failed to list jobs")
		return
	}
	c.JSON(http.StatusOK, dto.JobListResponse{Jobs: jobs, Total: len(jobs)})
}

func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "failed to get job")
		return
	}
	c.JSON(http.StatusOK, job)
}

// Unclaim releases a claimed job whose latest run has finished. force=true
// skips that check for a claim left behind by a dead worker.
func (h *JobHandler) Unclaim(c *gin.Context) {
	var opts []charge.UnclaimOption
	if c.Query("force") == "true" {
		opts = append(opts, charge.WithForce())
	}
	job, err := h.jobs.Unclaim(c.Request.Context(), c.Param("id"), opts...)
	if err != nil {
		respondError(c, err, "failed to unclaim job")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) GetRun(c *gin.Context) {
	run, err := h.jobs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "failed to get run")
		return
	}
	c.JSON(http.StatusOK, run)
}

// Schema serves the JSON schema of a job type's params.
func (h *JobHandler) Schema(c *gin.Context) {
	t, err := model.ParseJobType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	schema, err := model.ParamsSchema(t)
	if err != nil {
		respondError(c, err, "failed to build schema")
		return
	}
	c.JSON(http.StatusOK, schema)
}
