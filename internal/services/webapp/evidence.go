package webapp

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/services/registry"

	"github.com/gin-gonic/gin"
)

type collectEndpointRequest struct {
	CaseID        string                 `json:"case_id"`
	Source        model.EvidenceSource   `json:"source"`
	EvidenceTypes []model.EvidenceType   `json:"evidence_types"`
	Options       *model.OptionOverrides `json:"options,omitempty"`
}

func (s *Server) handleCollectEndpoint(c *gin.Context) {
	var req collectEndpointRequest
	if !bindJSON(c, &req) {
		return
	}
	if a := actor(c, ""); a != "" {
		req.Options = withActor(req.Options, a)
	}
	res, err := s.orch.CollectFromEndpoint(c.Request.Context(), req.CaseID, req.Source, req.EvidenceTypes, req.Options)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

type collectCloudRequest struct {
	CaseID  string                 `json:"case_id"`
	Cloud   cloudConfigRequest     `json:"cloud"`
	Options *model.OptionOverrides `json:"options,omitempty"`
}

// cloudConfigRequest 与 model.CloudConfig 相同，但允许从请求体接收凭据。
type cloudConfigRequest struct {
	Provider      model.CloudProvider `json:"provider"`
	Region        string              `json:"region"`
	AccountID     string              `json:"account_id,omitempty"`
	ResourceTypes []string            `json:"resource_types,omitempty"`
	Endpoint      string              `json:"endpoint,omitempty"`
	Credentials   map[string]string   `json:"credentials,omitempty"`
}

func (s *Server) handleCollectCloud(c *gin.Context) {
	var req collectCloudRequest
	if !bindJSON(c, &req) {
		return
	}
	if a := actor(c, ""); a != "" {
		req.Options = withActor(req.Options, a)
	}
	cfg := model.CloudConfig{
		Provider:      req.Cloud.Provider,
		Region:        req.Cloud.Region,
		AccountID:     req.Cloud.AccountID,
		ResourceTypes: req.Cloud.ResourceTypes,
		Endpoint:      req.Cloud.Endpoint,
		Credentials:   req.Cloud.Credentials,
	}
	res, err := s.orch.CollectFromCloud(c.Request.Context(), req.CaseID, cfg, req.Options)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

type liveResponseRequest struct {
	CaseID  string                       `json:"case_id"`
	Source  model.EvidenceSource         `json:"source"`
	Options *model.LiveResponseOverrides `json:"options,omitempty"`
}

func (s *Server) handleLiveResponse(c *gin.Context) {
	var req liveResponseRequest
	if !bindJSON(c, &req) {
		return
	}
	if a := actor(c, ""); a != "" {
		if req.Options == nil {
			req.Options = &model.LiveResponseOverrides{}
		}
		if req.Options.Actor == "" {
			req.Options.Actor = a
		}
	}
	data, err := s.orch.PerformLiveResponse(c.Request.Context(), req.CaseID, req.Source, req.Options)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live_response": data})
}

func withActor(ov *model.OptionOverrides, a string) *model.OptionOverrides {
	if ov == nil {
		ov = &model.OptionOverrides{}
	}
	if ov.Actor == nil || *ov.Actor == "" {
		ov.Actor = model.String(a)
	}
	return ov
}

func (s *Server) handleListEvidence(c *gin.Context) {
	f := registry.EvidenceFilter{
		CaseID:   strings.TrimSpace(c.Query("case_id")),
		SourceID: strings.TrimSpace(c.Query("source_id")),
		Type:     model.EvidenceType(strings.TrimSpace(c.Query("type"))),
		HoldID:   strings.TrimSpace(c.Query("hold_id")),
		Tags:     c.QueryArray("tag"),
	}
	if raw := strings.TrimSpace(c.Query("verified")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteErrorCode(c, http.StatusBadRequest, "INVALID_ARGUMENT", "verified must be a boolean")
			return
		}
		f.Verified = &v
	}
	items := s.orch.ListEvidence(f)
	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (s *Server) handleGetEvidence(c *gin.Context) {
	it, err := s.orch.GetEvidence(c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": it})
}

func (s *Server) handleEvidenceContent(c *gin.Context) {
	it, err := s.orch.GetEvidence(c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	data, err := s.orch.ReadEvidence(c.Request.Context(), it.ID)
	if err != nil {
		WriteError(c, err)
		return
	}
	name := it.Name
	if name == "" {
		name = it.ID
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if sum := it.Hashes["sha256"]; sum != "" {
		c.Header("X-Evidence-SHA256", sum)
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) handlePreserve(c *gin.Context) {
	var req model.PreserveOptions
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.Actor = actor(c, req.Actor)
	it, err := s.orch.PreserveEvidence(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": it})
}

type hashRequest struct {
	Algorithms []string `json:"algorithms"`
	Actor      string   `json:"actor,omitempty"`
}

func (s *Server) handleHash(c *gin.Context) {
	var req hashRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	sums, err := s.orch.HashEvidence(c.Request.Context(), c.Param("id"), req.Algorithms, actor(c, req.Actor))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hashes": sums})
}

func (s *Server) handleVerify(c *gin.Context) {
	res, err := s.orch.VerifyEvidence(c.Request.Context(), c.Param("id"), actor(c, ""))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": res})
}

func (s *Server) handleCanDelete(c *gin.Context) {
	el, err := s.orch.CanDeleteEvidence(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, el)
}

func (s *Server) handleDeleteEvidence(c *gin.Context) {
	if err := s.orch.DeleteEvidence(c.Request.Context(), c.Param("id"), actor(c, "")); err != nil {
		WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePurge(c *gin.Context) {
	rep, err := s.orch.PurgeExpiredEvidence(c.Request.Context(), actor(c, ""))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}
