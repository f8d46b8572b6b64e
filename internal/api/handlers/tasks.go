package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListTasks pages tasks for polling clients.
func (s *Server) ListTasks(c *gin.Context) {
	page, pageSize := pageParams(c)
	tasks, total, err := s.svc.ListTasks(c.Request.Context(),
		c.Query("status"), c.Query("target_type"), c.Query("target_id"), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listBody("tasks", tasks, total, page, pageSize))
}

// GetTask returns one task.
func (s *Server) GetTask(c *gin.Context) {
	task, err := s.svc.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// CancelTask marks a non-terminal task cancelled.
func (s *Server) CancelTask(c *gin.Context) {
	if err := s.svc.CancelTask(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListAuditLogs pages the append-only audit trail.
func (s *Server) ListAuditLogs(c *gin.Context) {
	page, pageSize := pageParams(c)
	logs, total, err := s.svc.Audit().List(c.Request.Context(), (page-1)*pageSize, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listBody("audit_logs", logs, total, page, pageSize))
}
