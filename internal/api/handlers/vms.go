package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cloudpasture.io/corral/internal/service"
)

// ListVMs returns a page of VMs filtered by node and/or status.
func (s *Server) ListVMs(c *gin.Context) {
	page, pageSize := pageParams(c)
	vms, total, err := s.svc.ListVMs(c.Request.Context(),
		c.Query("node_id"), c.Query("status"), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listBody("vms", vms, total, page, pageSize))
}

// CreateVM creates a VM in stopped with its disks and addresses bound.
func (s *Server) CreateVM(c *gin.Context) {
	var in service.CreateVMInput
	if !bindJSON(c, &in) {
		return
	}
	vm, err := s.svc.CreateVM(c.Request.Context(), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vm": vm})
}

// GetVM returns one VM.
func (s *Server) GetVM(c *gin.Context) {
	vm, err := s.svc.GetVM(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vm": vm})
}

// UpdateVM applies edits to a VM.
func (s *Server) UpdateVM(c *gin.Context) {
	var in service.UpdateVMInput
	if !bindJSON(c, &in) {
		return
	}
	vm, err := s.svc.UpdateVM(c.Request.Context(), c.Param("id"), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"vm": vm})
}

// DeleteVM removes a non-running VM.
func (s *Server) DeleteVM(c *gin.Context) {
	if err := s.svc.DeleteVM(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StartVM dispatches a start; the client polls the returned task.
func (s *Server) StartVM(c *gin.Context) {
	task, err := s.svc.StartVM(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

type stopVMRequest struct {
	Force bool `json:"force"`
}

// StopVM dispatches a stop.
func (s *Server) StopVM(c *gin.Context) {
	var req stopVMRequest
	_ = c.ShouldBindJSON(&req) // body is optional
	task, err := s.svc.StopVM(c.Request.Context(), c.Param("id"), req.Force, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

// RestartVM dispatches a restart.
func (s *Server) RestartVM(c *gin.Context) {
	task, err := s.svc.RestartVM(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

type migrateVMRequest struct {
	TargetNodeID string `json:"target_node_id" binding:"required"`
}

// MigrateVM dispatches a migration to the target node.
func (s *Server) MigrateVM(c *gin.Context) {
	var req migrateVMRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.svc.MigrateVM(c.Request.Context(), c.Param("id"), req.TargetNodeID, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

type attachVolumeRequest struct {
	VolumeID string `json:"volume_id" binding:"required"`
	Device   string `json:"device"`
}

// AttachVolume attaches a volume, hot-plugging when the VM runs.
func (s *Server) AttachVolume(c *gin.Context) {
	var req attachVolumeRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.svc.AttachVolume(c.Request.Context(),
		c.Param("id"), req.VolumeID, req.Device, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if task == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

type detachVolumeRequest struct {
	VolumeID string `json:"volume_id" binding:"required"`
}

// DetachVolume mirrors AttachVolume.
func (s *Server) DetachVolume(c *gin.Context) {
	var req detachVolumeRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.svc.DetachVolume(c.Request.Context(), c.Param("id"), req.VolumeID, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if task == nil {
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

// ListVMVolumes projects the VM's disks with volume detail.
func (s *Server) ListVMVolumes(c *gin.Context) {
	volumes, err := s.svc.ListVMVolumes(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"volumes": volumes})
}

// ListVMNetworks projects the VM's NICs with network detail.
func (s *Server) ListVMNetworks(c *gin.Context) {
	networks, err := s.svc.ListVMNetworks(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"networks": networks})
}
