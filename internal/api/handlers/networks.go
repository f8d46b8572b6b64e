package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cloudpasture.io/corral/internal/service"
)

// ListNetworks returns a page of networks.
func (s *Server) ListNetworks(c *gin.Context) {
	page, pageSize := pageParams(c)
	networks, total, err := s.svc.ListNetworks(c.Request.Context(), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listBody("networks", networks, total, page, pageSize))
}

// CreateNetwork creates a network and pre-materializes its IP pool.
func (s *Server) CreateNetwork(c *gin.Context) {
	var in service.CreateNetworkInput
	if !bindJSON(c, &in) {
		return
	}
	network, err := s.svc.CreateNetwork(c.Request.Context(), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"network": network})
}

// GetNetwork returns one network.
func (s *Server) GetNetwork(c *gin.Context) {
	network, err := s.svc.GetNetwork(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"network": network})
}

// UpdateNetwork renames a network.
func (s *Server) UpdateNetwork(c *gin.Context) {
	var in service.UpdateNetworkInput
	if !bindJSON(c, &in) {
		return
	}
	network, err := s.svc.UpdateNetwork(c.Request.Context(), c.Param("id"), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"network": network})
}

// DeleteNetwork removes a network whose addresses are all available.
func (s *Server) DeleteNetwork(c *gin.Context) {
	if err := s.svc.DeleteNetwork(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListNetworkIPs pages the network's allocation rows.
func (s *Server) ListNetworkIPs(c *gin.Context) {
	page, pageSize := pageParams(c)
	allocs, total, err := s.svc.ListNetworkIPs(c.Request.Context(),
		c.Param("id"), c.Query("status"), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listBody("ips", allocs, total, page, pageSize))
}

// AllocateIP claims one address in the network.
func (s *Server) AllocateIP(c *gin.Context) {
	alloc, err := s.svc.AllocateIP(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip": alloc})
}

type ipRequest struct {
	IP string `json:"ip" binding:"required"`
}

// ReserveIP moves one address to reserved.
func (s *Server) ReserveIP(c *gin.Context) {
	var req ipRequest
	if !bindJSON(c, &req) {
		return
	}
	alloc, err := s.svc.ReserveIP(c.Request.Context(), c.Param("id"), req.IP, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip": alloc})
}

// ReleaseIP returns one address to available.
func (s *Server) ReleaseIP(c *gin.Context) {
	var req ipRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := s.svc.ReleaseIP(c.Request.Context(), c.Param("id"), req.IP, actor(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
