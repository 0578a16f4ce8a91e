package webapp

import (
	"fmt"
	"net/http"
	"path/filepath"

	"evidence-orchestrator/internal/services/custodypdf"
	"evidence-orchestrator/internal/services/forensicexport"

	"github.com/gin-gonic/gin"
)

type exportRequest struct {
	Operator    string `json:"operator,omitempty"`
	Note        string `json:"note,omitempty"`
	PrivacyMode string `json:"privacy_mode,omitempty"`
}

// handleExportZip 生成案件 ZIP；?download=true 时直接返回文件。
func (s *Server) handleExportZip(c *gin.Context) {
	var req exportRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := forensicexport.GenerateCaseZip(c.Request.Context(), s.orch, s.lister, s.sink, forensicexport.ZipOptions{
		CaseID:      c.Param("case_id"),
		ExportDir:   s.opts.ExportDir,
		Operator:    actor(c, req.Operator),
		Note:        req.Note,
		PrivacyMode: req.PrivacyMode,
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	if queryBool(c, "download") {
		serveFile(c, res.ZipPath, res.ZipSHA256)
		return
	}
	c.JSON(http.StatusOK, gin.H{"export": res})
}

func (s *Server) handleExportPDF(c *gin.Context) {
	var req exportRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	caseID := c.Param("case_id")
	audits, err := s.lister.List(c.Request.Context(), caseID)
	if err != nil {
		WriteError(c, err)
		return
	}
	res, err := custodypdf.Generate(c.Request.Context(), custodypdf.Input{
		Items: s.orch.ListEvidenceByCase(caseID),
		Holds: s.orch.ListHolds(false),
		Audit: audits,
	}, custodypdf.Options{
		CaseID:      caseID,
		OutDir:      filepath.Join(s.opts.ExportDir, "reports"),
		Operator:    actor(c, req.Operator),
		Note:        req.Note,
		PrivacyMode: req.PrivacyMode,
	}, s.sink)
	if err != nil {
		WriteError(c, err)
		return
	}
	if queryBool(c, "download") {
		serveFile(c, res.PDFPath, res.PDFSHA256)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": res})
}

func serveFile(c *gin.Context, path, sha256 string) {
	c.Header("X-Content-SHA256", sha256)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	c.File(path)
}
