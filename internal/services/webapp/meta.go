package webapp

import (
	"net/http"
	"time"

	"evidence-orchestrator/internal/app"
	"evidence-orchestrator/internal/services/auditverify"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleMeta(c *gin.Context) {
	cfg := s.orch.Config()
	db := gin.H{"path": s.opts.DBPath}
	if s.store != nil {
		schemaVersion, _ := s.store.GetSchemaMetaValue(c.Request.Context(), "schema_version")
		schemaName, _ := s.store.GetSchemaMetaValue(c.Request.Context(), "schema_name")
		db["schema_version"] = schemaVersion
		db["schema_name"] = schemaName
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":   true,
		"time": time.Now().Unix(),
		"app": gin.H{
			"version":    app.Version,
			"commit":     app.Commit,
			"build_time": app.BuildTime,
		},
		"db": db,
		"orchestrator": gin.H{
			"storage_backend":     cfg.StorageBackend,
			"storage_backends":    s.orch.Storage().Names(),
			"hash_algorithms":     cfg.HashAlgorithms,
			"max_concurrent_jobs": cfg.MaxConcurrentJobs,
			"job_timeout":         cfg.JobTimeout.String(),
			"retention_days":      cfg.RetentionDays,
			"scheduler_interval":  cfg.SchedulerInterval.String(),
		},
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.orch.Stats())
}

func (s *Server) handleCaseAudit(c *gin.Context) {
	logs, err := s.lister.List(c.Request.Context(), c.Param("case_id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	limit := queryInt(c, "limit", 0)
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"items": logs, "total": len(logs)})
}

func (s *Server) handleVerifyAudit(c *gin.Context) {
	logs, err := s.lister.List(c.Request.Context(), c.Param("case_id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, auditverify.VerifyAuditLogs(logs))
}
