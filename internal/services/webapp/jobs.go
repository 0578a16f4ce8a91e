package webapp

import (
	"context"
	"net/http"
	"strings"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/orchestrator"
	"evidence-orchestrator/internal/services/registry"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleCreateJob(c *gin.Context) {
	var req orchestrator.JobRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Actor = actor(c, req.Actor)
	job, err := s.orch.CreateJob(c.Request.Context(), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

func (s *Server) handleSchedule(c *gin.Context) {
	var req orchestrator.JobRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Actor = actor(c, req.Actor)
	job, err := s.orch.ScheduleCollection(c.Request.Context(), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"job": job})
}

func (s *Server) handleListJobs(c *gin.Context) {
	jobs := s.orch.ListJobs(registry.JobFilter{
		CaseID: strings.TrimSpace(c.Query("case_id")),
		Status: model.JobStatus(strings.TrimSpace(c.Query("status"))),
	})
	c.JSON(http.StatusOK, gin.H{"items": jobs, "total": len(jobs)})
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.orch.GetJob(c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// handleExecuteJob 默认同步执行并返回最终任务；?async=true 时在后台执行并立即返回 202，
// 调用方轮询 GET /v1/jobs/:id。后台模式下的容量拒绝只体现在审计与事件中。
func (s *Server) handleExecuteJob(c *gin.Context) {
	jobID := c.Param("id")
	if !queryBool(c, "async") {
		job, err := s.orch.ExecuteJob(c.Request.Context(), jobID)
		if err != nil {
			WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job})
		return
	}

	job, err := s.orch.GetJob(jobID)
	if err != nil {
		WriteError(c, err)
		return
	}
	started := s.goAsync(func(ctx context.Context) {
		if _, err := s.orch.ExecuteJob(ctx, jobID); err != nil {
			s.log.WithError(err).WithField("job_id", jobID).Warn("async job execution")
		}
	})
	if !started {
		WriteErrorCode(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job, "accepted": true})
}

type cancelRequest struct {
	Actor string `json:"actor,omitempty"`
}

func (s *Server) handleCancelJob(c *gin.Context) {
	var req cancelRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	job, err := s.orch.CancelJob(c.Request.Context(), c.Param("id"), actor(c, req.Actor))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}
