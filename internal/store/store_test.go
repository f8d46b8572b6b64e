package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpasture.io/corral/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newNode(id string) *domain.Node {
	now := time.Now().UTC()
	return &domain.Node{
		ID: id, Hostname: "host-" + id, IPAddress: "10.0.0.10",
		Status: domain.NodeOnline, CPUCores: 8, CPUThreads: 16,
		MemoryTotalBytes: 32 << 30, DiskTotalBytes: 1 << 40,
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestNodeCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	node := newNode("n1")
	node.Metadata = map[string]string{"rack": "r4"}
	require.NoError(t, st.CreateNode(ctx, node))

	got, err := st.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "host-n1", got.Hostname)
	assert.Equal(t, "r4", got.Metadata["rack"])
	assert.Equal(t, domain.NodeOnline, got.Status)

	got.Hostname = "renamed"
	require.NoError(t, st.UpdateNode(ctx, got))
	got, err = st.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Hostname)

	require.NoError(t, st.DeleteNode(ctx, "n1"))
	_, err = st.GetNode(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkStaleNodesOffline(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	stale := newNode("stale")
	old := time.Now().Add(-5 * time.Minute).UTC()
	stale.LastHeartbeat = &old
	require.NoError(t, st.CreateNode(ctx, stale))

	fresh := newNode("fresh")
	require.NoError(t, st.CreateNode(ctx, fresh))
	require.NoError(t, st.TouchHeartbeat(ctx, "fresh", time.Now().UTC()))

	ids, err := st.MarkStaleNodesOffline(ctx, time.Now().Add(-90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)

	got, err := st.GetNode(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOffline, got.Status)

	got, err = st.GetNode(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOnline, got.Status)
}

func TestVMRoundTripProjection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	vm := &domain.VM{
		ID: uuid.New().String(), Name: "vm1", NodeID: "n1",
		Status: domain.VMStopped, VCPU: 2, MemoryMB: 2048, OSType: "linux",
		Disks: []domain.DiskSpec{{VolumeID: "v1", Device: "vda", Bootable: true}},
		NetworkInterfaces: []domain.NICSpec{{
			NetworkID: "net1", MAC: "52:54:00:00:00:01",
			IP: "10.0.0.5", Model: "virtio", Bridge: "br-default",
		}},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateVM(ctx, vm))

	first, err := st.GetVM(ctx, vm.ID)
	require.NoError(t, err)

	// A no-op update must not change the projection.
	require.NoError(t, st.UpdateVM(ctx, first))
	second, err := st.GetVM(ctx, vm.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Disks, second.Disks)
	assert.Equal(t, first.NetworkInterfaces, second.NetworkInterfaces)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Name, second.Name)
}

func TestUpdateVMStatusGuard(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	vm := &domain.VM{
		ID: "vm-guard", Name: "g", Status: domain.VMStopped,
		VCPU: 1, MemoryMB: 512, OSType: "linux",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateVM(ctx, vm))

	// Guard mismatch leaves the row untouched.
	err := st.UpdateVMStatus(ctx, "vm-guard", domain.VMRunning, domain.VMStopping)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.UpdateVMStatus(ctx, "vm-guard", domain.VMStopped, domain.VMStarting))
	got, err := st.GetVM(ctx, "vm-guard")
	require.NoError(t, err)
	assert.Equal(t, domain.VMStarting, got.Status)
}

func newPool(st *Store, t *testing.T, capacityGB int64) *domain.StoragePool {
	t.Helper()
	now := time.Now().UTC()
	pool := &domain.StoragePool{
		ID: uuid.New().String(), Name: "pool-" + uuid.New().String()[:8],
		Type: domain.PoolNFS, Status: domain.PoolActive,
		Config: domain.PoolConfig{NFS: &domain.NFSConfig{
			Server: "nas", ExportPath: "/export", MountPoint: "/mnt/pool",
		}},
		CapacityGB: capacityGB, NodeID: "n1",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreatePool(context.Background(), pool))
	return pool
}

func addVolume(st *Store, t *testing.T, poolID string, sizeGB int64, status domain.VolumeStatus) *domain.Volume {
	t.Helper()
	now := time.Now().UTC()
	vol := &domain.Volume{
		ID: uuid.New().String(), Name: "vol", Type: domain.VolumeQCOW2,
		SizeGB: sizeGB, PoolID: poolID, Status: status,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateVolume(context.Background(), vol))
	return vol
}

func TestPoolAccountingInvariant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	pool := newPool(st, t, 100)
	addVolume(st, t, pool.ID, 10, domain.VolumeAvailable)
	addVolume(st, t, pool.ID, 20, domain.VolumeInUse)
	addVolume(st, t, pool.ID, 30, domain.VolumeCreating)
	addVolume(st, t, pool.ID, 40, domain.VolumeError)   // excluded
	addVolume(st, t, pool.ID, 50, domain.VolumeDeleting) // excluded

	require.NoError(t, st.RefreshPoolUsage(ctx, pool.ID))

	got, err := st.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), got.AllocatedGB)
	assert.Equal(t, int64(40), got.AvailableGB)
}

func TestTaskProgressMonotonic(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &domain.Task{
		ID: "t1", TaskType: "vm.start", Status: domain.TaskPending,
		TargetType: "vm", TargetID: "vm1", MaxRetries: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTask(ctx, task))
	require.NoError(t, st.MarkTaskRunning(ctx, "t1", now))

	require.NoError(t, st.UpdateTaskProgress(ctx, "t1", 50))
	require.NoError(t, st.UpdateTaskProgress(ctx, "t1", 30)) // ignored
	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)

	require.NoError(t, st.UpdateTaskProgress(ctx, "t1", 80))
	got, err = st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 80, got.Progress)
}

func TestTaskTerminalExactlyOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &domain.Task{
		ID: "t2", TaskType: "vm.stop", Status: domain.TaskPending,
		TargetType: "vm", TargetID: "vm1", MaxRetries: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, st.CreateTask(ctx, task))

	require.NoError(t, st.FinishTask(ctx, "t2", domain.TaskCompleted, nil, ""))

	err := st.FinishTask(ctx, "t2", domain.TaskFailed, nil, "late failure")
	assert.ErrorIs(t, err, ErrTaskTerminal)

	got, err := st.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.FinishedAt)

	// Progress never moves after a terminal status either.
	require.NoError(t, st.UpdateTaskProgress(ctx, "t2", 10))
	got, err = st.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestFinishTaskRejectsNonTerminal(t *testing.T) {
	st := newTestStore(t)
	err := st.FinishTask(context.Background(), "whatever", domain.TaskRunning, nil, "")
	assert.Error(t, err)
}

func TestUserRolesAndPermissions(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SeedDefaults(ctx, "$2a$10$fakehash"))

	admin, err := st.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, admin.Roles)

	perms, err := st.PermissionsForRoles(ctx, admin.Roles)
	require.NoError(t, err)
	assert.Contains(t, perms, domain.PermAdmin)

	perms, err = st.PermissionsForRoles(ctx, []string{"viewer"})
	require.NoError(t, err)
	assert.Contains(t, perms, domain.PermVMRead)
	assert.NotContains(t, perms, domain.PermVMWrite)

	// Seeding twice neither duplicates roles nor replaces the admin.
	require.NoError(t, st.SeedDefaults(ctx, "$2a$10$otherhash"))
	again, err := st.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, admin.PasswordHash, again.PasswordHash)
}

func TestAuditAppend(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, st.InsertAuditLog(ctx, &domain.AuditLog{
			ID: uuid.New().String(), Action: "vm.start", ResourceType: "vm",
			ResourceID: "vm1", Actor: "admin",
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	logs, total, err := st.ListAuditLogs(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, logs, 3)
}
