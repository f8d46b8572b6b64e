package domain

import "time"

// User is an authenticated principal.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role groups permissions under a name.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Well-known permissions checked before service invocation.
const (
	PermAdmin        = "platform:admin"
	PermVMRead       = "vm:read"
	PermVMWrite      = "vm:write"
	PermNodeRead     = "node:read"
	PermNodeWrite    = "node:write"
	PermStorageRead  = "storage:read"
	PermStorageWrite = "storage:write"
	PermNetworkRead  = "network:read"
	PermNetworkWrite = "network:write"
)

// AuditLog is an append-only record of a mutating action.
type AuditLog struct {
	ID           string                 `json:"id"`
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Actor        string                 `json:"actor"`
	Details      map[string]interface{} `json:"details,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
