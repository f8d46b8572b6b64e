package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cloudpasture.io/corral/internal/service"
)

// ListNodes returns a page of nodes.
func (s *Server) ListNodes(c *gin.Context) {
	page, pageSize := pageParams(c)
	nodes, total, err := s.svc.ListNodes(c.Request.Context(), c.Query("status"), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listBody("nodes", nodes, total, page, pageSize))
}

// CreateNode registers a node ahead of its agent connecting.
func (s *Server) CreateNode(c *gin.Context) {
	var in service.CreateNodeInput
	if !bindJSON(c, &in) {
		return
	}
	node, err := s.svc.CreateNode(c.Request.Context(), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"node": node})
}

// GetNode returns one node.
func (s *Server) GetNode(c *gin.Context) {
	node, err := s.svc.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node})
}

// UpdateNode applies admin edits to a node.
func (s *Server) UpdateNode(c *gin.Context) {
	var in service.UpdateNodeInput
	if !bindJSON(c, &in) {
		return
	}
	node, err := s.svc.UpdateNode(c.Request.Context(), c.Param("id"), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node})
}

// DeleteNode removes a node without assigned VMs.
func (s *Server) DeleteNode(c *gin.Context) {
	if err := s.svc.DeleteNode(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// NodeHeartbeat records an out-of-band heartbeat for deployments whose
// agents report through the REST surface.
func (s *Server) NodeHeartbeat(c *gin.Context) {
	if err := s.svc.Heartbeat(c.Request.Context(), c.Param("id"), time.Now().UTC()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// NodeStats aggregates node counts and capacity.
func (s *Server) NodeStats(c *gin.Context) {
	stats, err := s.svc.NodeStats(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
