package webapp

import (
	"net/http"

	"evidence-orchestrator/internal/services/orchestrator"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleApplyHold(c *gin.Context) {
	var req orchestrator.HoldRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Actor = actor(c, req.Actor)
	hold, err := s.orch.ApplyLegalHold(c.Request.Context(), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": hold})
}

func (s *Server) handleListHolds(c *gin.Context) {
	holds := s.orch.ListHolds(queryBool(c, "active"))
	c.JSON(http.StatusOK, gin.H{"items": holds, "total": len(holds)})
}

func (s *Server) handleGetHold(c *gin.Context) {
	hold, err := s.orch.GetHold(c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	items, err := s.orch.EvidenceUnderHold(hold.ID)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold, "evidence": items})
}

func (s *Server) handleReleaseHold(c *gin.Context) {
	var req cancelRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	hold, err := s.orch.ReleaseLegalHold(c.Request.Context(), c.Param("id"), actor(c, req.Actor))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}
