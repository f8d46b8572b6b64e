package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cloudpasture.io/corral/internal/service"
)

// ListPools returns a page of storage pools.
func (s *Server) ListPools(c *gin.Context) {
	page, pageSize := pageParams(c)
	pools, total, err := s.svc.ListPools(c.Request.Context(), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listBody("pools", pools, total, page, pageSize))
}

// CreatePool registers a storage backend.
func (s *Server) CreatePool(c *gin.Context) {
	var in service.CreatePoolInput
	if !bindJSON(c, &in) {
		return
	}
	pool, err := s.svc.CreatePool(c.Request.Context(), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pool": pool})
}

// GetPool returns one pool.
func (s *Server) GetPool(c *gin.Context) {
	pool, err := s.svc.GetPool(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": pool})
}

// UpdatePool applies admin edits.
func (s *Server) UpdatePool(c *gin.Context) {
	var in service.UpdatePoolInput
	if !bindJSON(c, &in) {
		return
	}
	pool, err := s.svc.UpdatePool(c.Request.Context(), c.Param("id"), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pool": pool})
}

// DeletePool removes an empty pool.
func (s *Server) DeletePool(c *gin.Context) {
	if err := s.svc.DeletePool(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListVolumes returns a page of volumes.
func (s *Server) ListVolumes(c *gin.Context) {
	page, pageSize := pageParams(c)
	volumes, total, err := s.svc.ListVolumes(c.Request.Context(),
		c.Query("pool_id"), c.Query("status"), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listBody("volumes", volumes, total, page, pageSize))
}

// CreateVolume creates a volume asynchronously.
func (s *Server) CreateVolume(c *gin.Context) {
	var in service.CreateVolumeInput
	if !bindJSON(c, &in) {
		return
	}
	vol, task, err := s.svc.CreateVolume(c.Request.Context(), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"volume": vol, "task": task})
}

// GetVolume returns one volume.
func (s *Server) GetVolume(c *gin.Context) {
	vol, err := s.svc.GetVolume(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"volume": vol})
}

// UpdateVolume renames a volume or replaces its metadata.
func (s *Server) UpdateVolume(c *gin.Context) {
	var in service.UpdateVolumeInput
	if !bindJSON(c, &in) {
		return
	}
	vol, err := s.svc.UpdateVolume(c.Request.Context(), c.Param("id"), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"volume": vol})
}

// DeleteVolume deletes a detached volume asynchronously.
func (s *Server) DeleteVolume(c *gin.Context) {
	task, err := s.svc.DeleteVolume(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if task == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

type resizeVolumeRequest struct {
	SizeGB int64 `json:"size_gb" binding:"required,min=1"`
}

// ResizeVolume grows an available volume.
func (s *Server) ResizeVolume(c *gin.Context) {
	var req resizeVolumeRequest
	if !bindJSON(c, &req) {
		return
	}
	task, err := s.svc.ResizeVolume(c.Request.Context(), c.Param("id"), req.SizeGB, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

type cloneVolumeRequest struct {
	Name string `json:"name" binding:"required"`
}

// CloneVolume copies a volume within its pool.
func (s *Server) CloneVolume(c *gin.Context) {
	var req cloneVolumeRequest
	if !bindJSON(c, &req) {
		return
	}
	clone, task, err := s.svc.CloneVolume(c.Request.Context(), c.Param("id"), req.Name, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"volume": clone, "task": task})
}

type volumeSnapshotRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// SnapshotVolume creates a snapshot of this volume.
func (s *Server) SnapshotVolume(c *gin.Context) {
	var req volumeSnapshotRequest
	if !bindJSON(c, &req) {
		return
	}
	snap, task, err := s.svc.CreateSnapshot(c.Request.Context(), service.CreateSnapshotInput{
		VolumeID:    c.Param("id"),
		Name:        req.Name,
		Description: req.Description,
	}, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"snapshot": snap, "task": task})
}

// ListSnapshots returns a page of snapshots.
func (s *Server) ListSnapshots(c *gin.Context) {
	page, pageSize := pageParams(c)
	snapshots, total, err := s.svc.ListSnapshots(c.Request.Context(),
		c.Query("volume_id"), page, pageSize)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, listBody("snapshots", snapshots, total, page, pageSize))
}

// CreateSnapshot creates a snapshot of a named volume.
func (s *Server) CreateSnapshot(c *gin.Context) {
	var in service.CreateSnapshotInput
	if !bindJSON(c, &in) {
		return
	}
	snap, task, err := s.svc.CreateSnapshot(c.Request.Context(), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"snapshot": snap, "task": task})
}

// GetSnapshot returns one snapshot.
func (s *Server) GetSnapshot(c *gin.Context) {
	snap, err := s.svc.GetSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

// UpdateSnapshot renames a snapshot or edits its description.
func (s *Server) UpdateSnapshot(c *gin.Context) {
	var in service.UpdateSnapshotInput
	if !bindJSON(c, &in) {
		return
	}
	snap, err := s.svc.UpdateSnapshot(c.Request.Context(), c.Param("id"), in, actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

// DeleteSnapshot deletes a snapshot asynchronously.
func (s *Server) DeleteSnapshot(c *gin.Context) {
	task, err := s.svc.DeleteSnapshot(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if task == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

// RestoreSnapshot reverts the parent volume to this snapshot.
func (s *Server) RestoreSnapshot(c *gin.Context) {
	task, err := s.svc.RestoreSnapshot(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task": task})
}
