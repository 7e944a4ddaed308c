package handler

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/bulk-export/internal/aggregation"
	"github.com/cuongbtq/bulk-export/internal/api/dto"
	"github.com/cuongbtq/bulk-export/internal/queue"
	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	ndjsonContentType    = "application/fhir+ndjson"
	encryptedContentType = "application/octet-stream"
)

// CreateJob handles POST /api/v1/jobs
// Partitions the request into batches and queues them for aggregation.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	var invalid []string
	for _, id := range req.PatientIDs {
		if !aggregation.ValidMBI(id) {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":       "patient_ids must be valid MBIs",
			"invalid_ids": invalid,
		})
		return
	}

	types, err := domain.ParseResourceTypes(req.ResourceTypes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	transactionTime := h.now().UTC()
	if req.Since != nil && req.Since.After(transactionTime) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "since must not be in the future",
		})
		return
	}

	ctx := c.Request.Context()
	jobID, err := h.queue.CreateJob(ctx, queue.JobRequest{
		OrgID:           req.OrgID,
		OrgNPI:          req.OrgNPI,
		ProviderID:      req.ProviderID,
		ProviderNPI:     req.ProviderNPI,
		PatientIDs:      req.PatientIDs,
		ResourceTypes:   types,
		Since:           req.Since,
		TransactionTime: transactionTime,
		EncryptionKey:   req.EncryptionKey,
		RequestingIP:    c.ClientIP(),
		RequestURL:      c.Request.URL.String(),
		IsBulk:          req.IsBulk,
	})
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	batches, err := h.queue.GetJobBatches(ctx, jobID)
	if err != nil {
		h.logger.Error("Failed to read submitted job", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}

	// Workers poll as well, so a lost notification only delays the job.
	if err := h.publisher.NotifyJobSubmitted(ctx, jobID, len(batches)); err != nil {
		h.logger.Warn("Failed to publish job notification", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}

	h.logger.Info("Job created",
		slog.String("job_id", jobID),
		slog.String("org_id", req.OrgID),
		slog.Int("patients", len(req.PatientIDs)),
		slog.Int("batches", len(batches)),
	)

	c.Header("Content-Location", "/api/v1/jobs/"+jobID)
	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:           jobID,
		Status:          string(domain.JobStatusQueued),
		Batches:         len(batches),
		TransactionTime: transactionTime.Format(time.RFC3339),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Derives the job status from all of its batches.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	batches, err := h.queue.GetJobBatches(c.Request.Context(), jobID)
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}
	if len(batches) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}

	c.JSON(http.StatusOK, dto.JobDTO{
		JobID:   jobID,
		Status:  string(domain.JobStatusOf(batches)),
		Batches: toBatchDTOs(batches),
	})
}

// ListJobBatches handles GET /api/v1/jobs/:job_id/batches
// Pages through batch summaries ordered by batch id.
func (h *JobHandler) ListJobBatches(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.ListBatchesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	after, err := DecodeBatchCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	// One extra row tells whether another page exists.
	batches, err := h.queue.ListJobBatches(c.Request.Context(), jobID, after, req.PageSize+1)
	if err != nil {
		h.logger.Error("Failed to list job batches", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list job batches",
		})
		return
	}

	hasMore := len(batches) > req.PageSize
	if hasMore {
		batches = batches[:req.PageSize]
	}

	var nextCursor string
	if hasMore {
		nextCursor = EncodeBatchCursor(batches[len(batches)-1].BatchID)
	}

	c.JSON(http.StatusOK, dto.ListBatchesResponse{
		Batches:    toBatchDTOs(batches),
		NextCursor: nextCursor,
	})
}

// GetFile handles GET /api/v1/organizations/:org_id/files/:file_name
// Serves an output file once every batch of its job has completed.
func (h *JobHandler) GetFile(c *gin.Context) {
	orgID := c.Param("org_id")
	fileName := c.Param("file_name")
	ctx := c.Request.Context()

	file, err := h.queue.GetJobBatchFile(ctx, orgID, fileName)
	if errors.Is(err, domain.ErrFileNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "file not found",
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to look up file", slog.String("file_name", fileName), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to look up file",
		})
		return
	}

	batches, err := h.queue.GetJobBatches(ctx, file.JobID)
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("job_id", file.JobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}
	if status := domain.JobStatusOf(batches); status != domain.JobStatusCompleted {
		c.JSON(http.StatusConflict, gin.H{
			"error":  "job is not complete",
			"status": string(status),
		})
		return
	}

	path, contentType, err := h.artifact(fileName)
	if err != nil {
		h.logger.Error("Output file missing", slog.String("file_name", fileName), slog.String("error", err.Error()))
		c.JSON(http.StatusNotFound, gin.H{
			"error": "file not found",
		})
		return
	}

	c.Header("Content-Type", contentType)
	c.Header("ETag", `"`+hex.EncodeToString(file.Checksum)+`"`)
	c.File(path)
}

// GetQueue handles GET /api/v1/queue
func (h *JobHandler) GetQueue(c *gin.Context) {
	ctx := c.Request.Context()

	size, err := h.queue.QueueSize(ctx)
	if err != nil {
		h.logger.Error("Failed to get queue size", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get queue size",
		})
		return
	}
	age, err := h.queue.QueueAge(ctx)
	if err != nil {
		h.logger.Error("Failed to get queue age", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get queue age",
		})
		return
	}

	c.JSON(http.StatusOK, dto.QueueDTO{Size: size, AgeSeconds: age.Seconds()})
}

func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

// artifact finds the file on disk, preferring the encrypted form.
func (h *JobHandler) artifact(fileName string) (string, string, error) {
	if strings.ContainsAny(fileName, `/\`) {
		return "", "", domain.ErrFileNotFound
	}

	encrypted := aggregation.EncryptedOutputPath(h.exportPath, fileName)
	if _, err := os.Stat(encrypted); err == nil {
		return encrypted, encryptedContentType, nil
	}

	plain := aggregation.OutputPath(h.exportPath, fileName)
	if _, err := os.Stat(plain); err != nil {
		return "", "", err
	}
	return plain, ndjsonContentType, nil
}

func toBatchDTOs(batches []*domain.JobQueueBatch) []dto.BatchDTO {
	out := make([]dto.BatchDTO, len(batches))
	for i, b := range batches {
		out[i] = toBatchDTO(b.Summary())
	}
	return out
}

func toBatchDTO(s domain.BatchSummary) dto.BatchDTO {
	d := dto.BatchDTO{
		BatchID:           s.BatchID,
		Status:            string(s.Status),
		PatientCount:      s.PatientCount,
		PatientsProcessed: s.PatientsProcessed,
		SubmitTime:        s.SubmitTime.Format(time.RFC3339),
		StartTime:         formatTime(s.StartTime),
		CompleteTime:      formatTime(s.CompleteTime),
		Results:           make([]dto.ResultDTO, len(s.Results)),
		Files:             make([]dto.FileDTO, len(s.Files)),
	}
	for i, r := range s.Results {
		d.Results[i] = dto.ResultDTO{
			ResourceType: string(r.ResourceType),
			Count:        r.Count,
			ErrorCount:   r.ErrorCount,
		}
	}
	for i, f := range s.Files {
		d.Files[i] = dto.FileDTO{
			FileName:     f.FileName,
			ResourceType: string(f.ResourceType),
			Sequence:     f.Sequence,
			Count:        f.Count,
			Checksum:     hex.EncodeToString(f.Checksum),
			FileLength:   f.FileLength,
		}
	}
	return d
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
