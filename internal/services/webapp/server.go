// Package webapp 是编排器的 HTTP API（gin）。每个编排器操作对应一个路由，另有 /metrics 与导出下载。
package webapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	sqliteadapter "evidence-orchestrator/internal/adapters/store/sqlite"
	"evidence-orchestrator/internal/platform/logging"
	"evidence-orchestrator/internal/platform/metrics"
	"evidence-orchestrator/internal/services/audit"
	"evidence-orchestrator/internal/services/orchestrator"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Options 定义 API 服务启动参数。
type Options struct {
	ListenAddr string
	ExportDir  string
	DBPath     string
}

// Deps 是服务依赖。Orchestrator 必填。
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Audit        audit.Sink
	AuditLog     audit.Lister
	Store        *sqliteadapter.Store
	Metrics      *metrics.Metrics
	Logger       logrus.FieldLogger
}

// Server 是 API 的运行时对象。
type Server struct {
	opts    Options
	r       *gin.Engine
	orch    *orchestrator.Orchestrator
	sink    audit.Sink
	lister  audit.Lister
	store   *sqliteadapter.Store
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	// 异步执行的任务在服务关闭时等待结束。
	bgMu   sync.Mutex
	bg     context.Context
	runs   sync.WaitGroup
	closed bool
}

func NewServer(opts Options, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("webapp: orchestrator is required")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:8787"
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "data/exports"
	}
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		opts:    opts,
		r:       r,
		orch:    deps.Orchestrator,
		sink:    deps.Audit,
		lister:  deps.AuditLog,
		store:   deps.Store,
		metrics: deps.Metrics,
		log:     logging.OrDiscard(deps.Logger),
		bg:      context.Background(),
	}
	if s.metrics == nil {
		s.metrics = deps.Orchestrator.Metrics()
	}
	if s.sink == nil {
		s.sink = audit.Nop{}
	}
	if s.lister == nil {
		if l, ok := s.sink.(audit.Lister); ok {
			s.lister = l
		} else {
			s.lister = audit.Nop{}
		}
	}
	r.Use(s.observe())
	s.routes()
	return s, nil
}

// Handler 返回路由，便于 httptest 直接挂载。
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.r.Group("/v1")
	{
		v1.GET("/meta", s.handleMeta)
		v1.GET("/stats", s.handleStats)

		v1.POST("/collections/endpoint", s.handleCollectEndpoint)
		v1.POST("/collections/cloud", s.handleCollectCloud)
		v1.POST("/live-response", s.handleLiveResponse)

		v1.GET("/evidence", s.handleListEvidence)
		v1.GET("/evidence/:id", s.handleGetEvidence)
		v1.GET("/evidence/:id/content", s.handleEvidenceContent)
		v1.POST("/evidence/:id/preserve", s.handlePreserve)
		v1.POST("/evidence/:id/hash", s.handleHash)
		v1.POST("/evidence/:id/verify", s.handleVerify)
		v1.GET("/evidence/:id/deletable", s.handleCanDelete)
		v1.DELETE("/evidence/:id", s.handleDeleteEvidence)
		v1.POST("/retention/purge", s.handlePurge)

		v1.POST("/jobs", s.handleCreateJob)
		v1.POST("/schedules", s.handleSchedule)
		v1.GET("/jobs", s.handleListJobs)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.POST("/jobs/:id/execute", s.handleExecuteJob)
		v1.POST("/jobs/:id/cancel", s.handleCancelJob)

		v1.POST("/holds", s.handleApplyHold)
		v1.GET("/holds", s.handleListHolds)
		v1.GET("/holds/:id", s.handleGetHold)
		v1.POST("/holds/:id/release", s.handleReleaseHold)

		v1.GET("/cases/:case_id/audit", s.handleCaseAudit)
		v1.GET("/cases/:case_id/audit/verify", s.handleVerifyAudit)
		v1.POST("/cases/:case_id/exports/zip", s.handleExportZip)
		v1.POST("/cases/:case_id/exports/pdf", s.handleExportPDF)
	}
}

// observe 记录每个请求的指标与访问日志。路由未匹配时以 "unmatched" 计数，避免标签基数失控。
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(c.Writer.Status())
		s.metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, code).Inc()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"route":   route,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		}).Debug("http request")
	}
}

// Run 启动 HTTP 服务，ctx 结束后优雅关闭并等待后台任务。
func (s *Server) Run(ctx context.Context) error {
	s.bgMu.Lock()
	s.bg = ctx
	s.bgMu.Unlock()

	httpServer := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.log.WithField("addr", s.opts.ListenAddr).Info("api listening")
	err := httpServer.ListenAndServe()
	s.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve api: %w", err)
	}
	return nil
}

// goAsync 在服务生命周期内运行 fn。服务已关闭时返回 false。
func (s *Server) goAsync(fn func(ctx context.Context)) bool {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	if s.closed || s.bg.Err() != nil {
		return false
	}
	ctx := s.bg
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		fn(ctx)
	}()
	return true
}

// Wait 阻止新的异步任务并等待已启动的结束。
func (s *Server) Wait() {
	s.bgMu.Lock()
	s.closed = true
	s.bgMu.Unlock()
	s.runs.Wait()
}
