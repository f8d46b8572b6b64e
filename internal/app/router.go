package app

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"cloudpasture.io/corral/internal/api/handlers"
	"cloudpasture.io/corral/internal/api/middleware"
	"cloudpasture.io/corral/internal/auth"
	"cloudpasture.io/corral/internal/domain"
	"cloudpasture.io/corral/internal/ws"
)

// Public routes that do NOT require bearer authentication.
var publicPrefixes = []string{
	"/api/auth/login",
	"/api/health",
	"/ws/agent",
	"/ws/frontend",
}

func newRouter(server *handlers.Server, authn *auth.Authenticator, agentWS *ws.AgentEndpoint, hub *ws.Hub) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())
	router.Use(cors.Default())
	router.Use(authSkipPublic(authn))

	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Agent RPC uses the shared secret inside the registration frame,
	// not a user bearer token.
	router.GET("/ws/agent", agentWS.Handler())
	router.GET("/ws/frontend", hub.Handler())

	api := router.Group("/api")

	api.POST("/auth/login", server.Login)

	nodes := api.Group("/nodes")
	{
		nodes.GET("", middleware.RequirePermission(domain.PermNodeRead), server.ListNodes)
		nodes.POST("", middleware.RequirePermission(domain.PermNodeWrite), server.CreateNode)
		nodes.GET("/stats", middleware.RequirePermission(domain.PermNodeRead), server.NodeStats)
		nodes.GET("/:id", middleware.RequirePermission(domain.PermNodeRead), server.GetNode)
		nodes.PUT("/:id", middleware.RequirePermission(domain.PermNodeWrite), server.UpdateNode)
		nodes.DELETE("/:id", middleware.RequirePermission(domain.PermNodeWrite), server.DeleteNode)
		nodes.POST("/:id/heartbeat", middleware.RequirePermission(domain.PermNodeWrite), server.NodeHeartbeat)
	}

	vms := api.Group("/vms")
	{
		vms.GET("", middleware.RequirePermission(domain.PermVMRead), server.ListVMs)
		vms.POST("", middleware.RequirePermission(domain.PermVMWrite), server.CreateVM)
		vms.GET("/:id", middleware.RequirePermission(domain.PermVMRead), server.GetVM)
		vms.PUT("/:id", middleware.RequirePermission(domain.PermVMWrite), server.UpdateVM)
		vms.DELETE("/:id", middleware.RequirePermission(domain.PermVMWrite), server.DeleteVM)
		vms.POST("/:id/start", middleware.RequirePermission(domain.PermVMWrite), server.StartVM)
		vms.POST("/:id/stop", middleware.RequirePermission(domain.PermVMWrite), server.StopVM)
		vms.POST("/:id/restart", middleware.RequirePermission(domain.PermVMWrite), server.RestartVM)
		vms.POST("/:id/migrate", middleware.RequirePermission(domain.PermVMWrite), server.MigrateVM)
		vms.POST("/:id/volumes/attach", middleware.RequirePermission(domain.PermVMWrite), server.AttachVolume)
		vms.POST("/:id/volumes/detach", middleware.RequirePermission(domain.PermVMWrite), server.DetachVolume)
		vms.GET("/:id/volumes", middleware.RequirePermission(domain.PermVMRead), server.ListVMVolumes)
		vms.GET("/:id/networks", middleware.RequirePermission(domain.PermVMRead), server.ListVMNetworks)
	}

	storage := api.Group("/storage")
	{
		storage.GET("/pools", middleware.RequirePermission(domain.PermStorageRead), server.ListPools)
		storage.POST("/pools", middleware.RequirePermission(domain.PermStorageWrite), server.CreatePool)
		storage.GET("/pools/:id", middleware.RequirePermission(domain.PermStorageRead), server.GetPool)
		storage.PUT("/pools/:id", middleware.RequirePermission(domain.PermStorageWrite), server.UpdatePool)
		storage.DELETE("/pools/:id", middleware.RequirePermission(domain.PermStorageWrite), server.DeletePool)

		storage.GET("/volumes", middleware.RequirePermission(domain.PermStorageRead), server.ListVolumes)
		storage.POST("/volumes", middleware.RequirePermission(domain.PermStorageWrite), server.CreateVolume)
		storage.GET("/volumes/:id", middleware.RequirePermission(domain.PermStorageRead), server.GetVolume)
		storage.PUT("/volumes/:id", middleware.RequirePermission(domain.PermStorageWrite), server.UpdateVolume)
		storage.DELETE("/volumes/:id", middleware.RequirePermission(domain.PermStorageWrite), server.DeleteVolume)
		storage.POST("/volumes/:id/resize", middleware.RequirePermission(domain.PermStorageWrite), server.ResizeVolume)
		storage.POST("/volumes/:id/clone", middleware.RequirePermission(domain.PermStorageWrite), server.CloneVolume)
		storage.POST("/volumes/:id/snapshot", middleware.RequirePermission(domain.PermStorageWrite), server.SnapshotVolume)

		storage.GET("/snapshots", middleware.RequirePermission(domain.PermStorageRead), server.ListSnapshots)
		storage.POST("/snapshots", middleware.RequirePermission(domain.PermStorageWrite), server.CreateSnapshot)
		storage.GET("/snapshots/:id", middleware.RequirePermission(domain.PermStorageRead), server.GetSnapshot)
		storage.PUT("/snapshots/:id", middleware.RequirePermission(domain.PermStorageWrite), server.UpdateSnapshot)
		storage.DELETE("/snapshots/:id", middleware.RequirePermission(domain.PermStorageWrite), server.DeleteSnapshot)
		storage.POST("/snapshots/:id/restore", middleware.RequirePermission(domain.PermStorageWrite), server.RestoreSnapshot)
	}

	networks := api.Group("/networks")
	{
		networks.GET("", middleware.RequirePermission(domain.PermNetworkRead), server.ListNetworks)
		networks.POST("", middleware.RequirePermission(domain.PermNetworkWrite), server.CreateNetwork)
		networks.GET("/:id", middleware.RequirePermission(domain.PermNetworkRead), server.GetNetwork)
		networks.PUT("/:id", middleware.RequirePermission(domain.PermNetworkWrite), server.UpdateNetwork)
		networks.DELETE("/:id", middleware.RequirePermission(domain.PermNetworkWrite), server.DeleteNetwork)
		networks.GET("/:id/ips", middleware.RequirePermission(domain.PermNetworkRead), server.ListNetworkIPs)
		networks.POST("/:id/allocate-ip", middleware.RequirePermission(domain.PermNetworkWrite), server.AllocateIP)
		networks.POST("/:id/reserve-ip", middleware.RequirePermission(domain.PermNetworkWrite), server.ReserveIP)
		networks.POST("/:id/release-ip", middleware.RequirePermission(domain.PermNetworkWrite), server.ReleaseIP)
	}

	tasks := api.Group("/tasks")
	{
		tasks.GET("", server.ListTasks)
		tasks.GET("/:id", server.GetTask)
		tasks.POST("/:id/cancel", server.CancelTask)
	}

	api.GET("/audit-logs", middleware.RequirePermission(domain.PermAdmin), server.ListAuditLogs)

	return router
}

// authSkipPublic applies bearer auth only on non-public routes.
func authSkipPublic(authn *auth.Authenticator) gin.HandlerFunc {
	authMw := middleware.BearerAuth(authn)
	return func(c *gin.Context) {
		for _, prefix := range publicPrefixes {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}
		authMw(c)
	}
}
