package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"localagent/internal/control"
	"localagent/internal/settings"
	"localagent/internal/storage"
	"localagent/internal/syncer"
)

func (s *Server) routes() {
	v1 := s.engine.Group("/api/v1")

	v1.GET("/health", s.health)
	v1.GET("/overview", s.overview)
	v1.GET("/events", s.hub.HandleWebSocket())

	v1.GET("/settings", func(c *gin.Context) { c.JSON(http.StatusOK, s.surface.GetSettings()) })
	v1.PATCH("/settings", s.updateSettings)
	v1.POST("/settings/reset", s.resetSettings)
	v1.POST("/pause", s.setPaused(true))
	v1.POST("/resume", s.setPaused(false))
	v1.GET("/limits", func(c *gin.Context) { c.JSON(http.StatusOK, s.surface.GetResourceLimits()) })
	v1.PUT("/limits", s.setLimits)

	v1.GET("/metrics", func(c *gin.Context) { c.JSON(http.StatusOK, s.surface.GetSystemMetrics()) })
	v1.GET("/metrics/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.surface.GetMetricsStats()) })
	v1.POST("/activity", func(c *gin.Context) {
		s.surface.RecordActivity()
		c.Status(http.StatusNoContent)
	})
	v1.POST("/resources/check", s.checkResources)

	v1.GET("/sync/status", func(c *gin.Context) { c.JSON(http.StatusOK, s.surface.GetSyncStatus()) })
	v1.POST("/sync", s.syncNow)
	v1.GET("/sync/pending", s.pendingChanges)
	v1.GET("/conflicts", s.listConflicts)
	v1.POST("/conflicts/:id/resolve", s.resolveConflict)

	v1.POST("/inference/embedding", s.embed)
	v1.POST("/inference/transcribe", s.transcribe)
	v1.POST("/inference/extract", s.extract)
	v1.GET("/models", func(c *gin.Context) { c.JSON(http.StatusOK, s.surface.GetModelStatus()) })
	v1.POST("/models/:id/download", s.downloadModel)

	v1.GET("/memories", s.listMemories)
	v1.POST("/memories", s.saveMemory)
	v1.GET("/memories/:id", s.getMemory)
	v1.PUT("/memories/:id", s.saveMemory)
	v1.DELETE("/memories/:id", s.deleteMemory)
	v1.POST("/search", s.search)

	v1.GET("/sessions", s.listSessions)
	v1.POST("/sessions", s.saveSession)
	v1.GET("/sessions/:id", s.getSession)
	v1.PUT("/sessions/:id", s.saveSession)
	v1.POST("/sessions/:id/messages", s.appendMessages)
	v1.DELETE("/sessions/:id", s.deleteSession)

	v1.GET("/tasks", s.listTasks)
	v1.POST("/tasks", s.queueTask)
	v1.GET("/tasks/:id", s.getTask)
	v1.POST("/tasks/:id/cancel", s.cancelTask)
}

func (s *Server) health(c *gin.Context) {
	h := s.surface.Health(c.Request.Context())
	code := http.StatusOK
	if h.State == control.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) overview(c *gin.Context) {
	ov, err := s.surface.Overview(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (s *Server) updateSettings(c *gin.Context) {
	var p settings.Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		s.badRequest(c, err)
		return
	}
	out, err := s.surface.UpdateSettings(p)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) resetSettings(c *gin.Context) {
	out, err := s.surface.ResetSettings()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) setPaused(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		out, err := s.surface.SetPaused(paused)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
	}
}

func (s *Server) setLimits(c *gin.Context) {
	var l settings.ResourceLimits
	if err := c.ShouldBindJSON(&l); err != nil {
		s.badRequest(c, err)
		return
	}
	out, err := s.surface.SetResourceLimits(l)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type checkRequest struct {
	EstimatedCPU float64 `json:"estimated_cpu" binding:"gte=0,lte=100"`
	EstimatedRAM float64 `json:"estimated_ram" binding:"gte=0,lte=100"`
	RequiresGPU  bool    `json:"requires_gpu"`
}

func (s *Server) checkResources(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.surface.CanExecuteTask(req.EstimatedCPU, req.EstimatedRAM, req.RequiresGPU))
}

func (s *Server) syncNow(c *gin.Context) {
	res, err := s.surface.SyncNow(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) pendingChanges(c *gin.Context) {
	p, err := s.surface.GetPendingChanges(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) listConflicts(c *gin.Context) {
	list, err := s.surface.ListConflicts(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

type resolveRequest struct {
	Strategy syncer.Strategy `json:"strategy" binding:"required"`
}

func (s *Server) resolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.surface.ResolveConflict(c.Request.Context(), c.Param("id"), req.Strategy); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type embedRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) embed(c *gin.Context) {
	var req embedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.surface.GenerateEmbedding(c.Request.Context(), req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type mediaRequest struct {
	Path     string `json:"path" binding:"required"`
	Language string `json:"language,omitempty"`
}

func (s *Server) transcribe(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.surface.TranscribeAudio(c.Request.Context(), req.Path, req.Language)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) extract(c *gin.Context) {
	var req mediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.surface.ExtractText(c.Request.Context(), req.Path)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// downloadModel blocks until the download finishes. Progress is published
// on the event stream.
func (s *Server) downloadModel(c *gin.Context) {
	if err := s.surface.DownloadModel(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listMemories(c *gin.Context) {
	limit, offset, err := pageParams(c)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	list, err := s.surface.ListMemories(c.Request.Context(), storage.MemoryFilter{
		MemoryType: c.Query("type"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) saveMemory(c *gin.Context) {
	var in control.MemoryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.badRequest(c, err)
		return
	}
	status := http.StatusCreated
	if id := c.Param("id"); id != "" {
		in.ID = id
		status = http.StatusOK
	}
	m, err := s.surface.SaveMemory(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, m)
}

func (s *Server) getMemory(c *gin.Context) {
	m, err := s.surface.GetMemory(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) deleteMemory(c *gin.Context) {
	if err := s.surface.DeleteMemory(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) search(c *gin.Context) {
	var req control.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.surface.SearchMemories(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listSessions(c *gin.Context) {
	limit, _, err := pageParams(c)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	list, err := s.surface.ListSessions(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) saveSession(c *gin.Context) {
	var in control.SessionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.badRequest(c, err)
		return
	}
	status := http.StatusCreated
	if id := c.Param("id"); id != "" {
		in.ID = id
		status = http.StatusOK
	}
	sess, err := s.surface.SaveSession(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, sess)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.surface.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

type appendRequest struct {
	Messages []storage.SessionMessage `json:"messages" binding:"required"`
}

func (s *Server) appendMessages(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	sess, err := s.surface.AppendSessionMessages(c.Request.Context(), c.Param("id"), req.Messages)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.surface.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTasks(c *gin.Context) {
	limit, _, err := pageParams(c)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	var f storage.TaskFilter
	f.Limit = limit
	for _, st := range strings.Split(c.Query("status"), ",") {
		if st = strings.TrimSpace(st); st != "" {
			f.Statuses = append(f.Statuses, storage.TaskStatus(st))
		}
	}
	list, err := s.surface.ListTasks(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) queueTask(c *gin.Context) {
	var req control.TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	t, err := s.surface.QueueTask(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, t)
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.surface.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) cancelTask(c *gin.Context) {
	st, err := s.surface.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "status": st})
}

func pageParams(c *gin.Context) (limit, offset int, err error) {
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, err
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}
	return limit, offset, nil
}
