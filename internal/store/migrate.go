package store

// Schema statements run in order; every statement is idempotent so
// startup re-applies them safely. Identifiers are 36-char textual IDs
// and timestamps are RFC3339 text (timezone-aware).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		hostname TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		status TEXT NOT NULL,
		hypervisor_type TEXT NOT NULL DEFAULT '',
		hypervisor_version TEXT NOT NULL DEFAULT '',
		cpu_cores INTEGER NOT NULL DEFAULT 0,
		cpu_threads INTEGER NOT NULL DEFAULT 0,
		memory_total_bytes BIGINT NOT NULL DEFAULT 0,
		disk_total_bytes BIGINT NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		last_heartbeat TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS vms (
		id TEXT PRIMARY KEY,
		uuid TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		node_id TEXT,
		status TEXT NOT NULL,
		vcpu INTEGER NOT NULL,
		memory_mb BIGINT NOT NULL,
		os_type TEXT NOT NULL DEFAULT 'linux',
		disks TEXT NOT NULL DEFAULT '[]',
		network_interfaces TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		started_at TEXT,
		stopped_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_vms_node ON vms (node_id)`,
	`CREATE INDEX IF NOT EXISTS idx_vms_status ON vms (status)`,

	`CREATE TABLE IF NOT EXISTS storage_pools (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		capacity_gb BIGINT NOT NULL DEFAULT 0,
		allocated_gb BIGINT NOT NULL DEFAULT 0,
		node_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS volumes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		size_gb BIGINT NOT NULL,
		pool_id TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		vm_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_volumes_pool ON volumes (pool_id)`,
	`CREATE INDEX IF NOT EXISTS idx_volumes_vm ON volumes (vm_id)`,

	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		volume_id TEXT NOT NULL,
		status TEXT NOT NULL,
		size_gb BIGINT NOT NULL DEFAULT 0,
		snapshot_tag TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_volume ON snapshots (volume_id)`,

	`CREATE TABLE IF NOT EXISTS networks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		cidr TEXT NOT NULL,
		gateway TEXT NOT NULL DEFAULT '',
		mtu INTEGER NOT NULL DEFAULT 1500,
		vlan_id INTEGER,
		node_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ip_allocations (
		id TEXT PRIMARY KEY,
		network_id TEXT NOT NULL,
		ip_address TEXT NOT NULL,
		ip_numeric BIGINT NOT NULL,
		mac TEXT NOT NULL DEFAULT '',
		vm_id TEXT,
		status TEXT NOT NULL,
		allocated_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE (network_id, ip_address)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ip_alloc_status ON ip_allocations (network_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_ip_alloc_vm ON ip_allocations (vm_id)`,

	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		node_id TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_target ON tasks (target_type, target_id)`,

	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		roles TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS roles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		permissions TEXT NOT NULL DEFAULT '[]'
	)`,

	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		actor TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_logs (created_at)`,
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
