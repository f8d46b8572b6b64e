package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/audit"
	"cloudpasture.io/corral/internal/domain"
	"cloudpasture.io/corral/internal/ipam"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/pkg/worker"
	"cloudpasture.io/corral/internal/registry"
	"cloudpasture.io/corral/internal/rpc"
	"cloudpasture.io/corral/internal/store"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	m.Run()
}

type fixture struct {
	svc *Services
	st  *store.Store
	reg *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pools, err := worker.NewPools(context.Background(), worker.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)

	reg := registry.New()
	svc := New(st, reg, ipam.NewAllocator(st), NopNotifier{}, audit.NewLogger(st), pools, Config{
		RequestTimeout: 2 * time.Second,
		LongTimeout:    5 * time.Second,
		MaxRetries:     3,
	})
	return &fixture{svc: svc, st: st, reg: reg}
}

// connectAgentStub runs a loopback agent serving the given mux and
// registers its session for nodeID.
func (f *fixture) connectAgentStub(t *testing.T, nodeID string, mux *rpc.Mux) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := rpc.NewConn(ws, mux, zap.NewNop())
		c.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	conn := rpc.NewConn(ws, rpc.NewMux(), zap.NewNop())
	go conn.Run(context.Background())
	t.Cleanup(func() { conn.Close(apperrors.CodeTransportClosed) })

	f.reg.Register(&registry.Session{
		NodeID: nodeID, Hostname: "host-" + nodeID, IPAddress: "10.0.0.9", Conn: conn,
	})
}

func (f *fixture) addNode(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.st.CreateNode(context.Background(), &domain.Node{
		ID: id, Hostname: "host-" + id, IPAddress: "10.0.0.9",
		Status: domain.NodeOnline, CreatedAt: now, UpdatedAt: now,
	}))
}

func (f *fixture) addPoolAndVolume(t *testing.T, nodeID string) (*domain.StoragePool, *domain.Volume) {
	t.Helper()
	now := time.Now().UTC()
	pool := &domain.StoragePool{
		ID: "p1", Name: "pool1", Type: domain.PoolNFS, Status: domain.PoolActive,
		Config: domain.PoolConfig{NFS: &domain.NFSConfig{
			Server: "nas", ExportPath: "/export", MountPoint: "/mnt/p1",
		}},
		CapacityGB: 500, NodeID: nodeID, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.st.CreatePool(context.Background(), pool))

	vol := &domain.Volume{
		ID: "v1", Name: "disk1", Type: domain.VolumeQCOW2, SizeGB: 20,
		PoolID: pool.ID, Path: "/mnt/p1/v1.qcow2", Status: domain.VolumeAvailable,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.st.CreateVolume(context.Background(), vol))
	require.NoError(t, f.st.RefreshPoolUsage(context.Background(), pool.ID))
	return pool, vol
}

func (f *fixture) addNetwork(t *testing.T, cidr, gateway string) *domain.Network {
	t.Helper()
	net, err := f.svc.CreateNetwork(context.Background(), CreateNetworkInput{
		Name: "net1", CIDR: cidr, Gateway: gateway, NodeID: "n1",
	}, "test")
	require.NoError(t, err)
	return net
}

// Scenario: create VM with one disk and one NIC. The row lands in
// stopped, the volume flips in_use, exactly one address is allocated to
// the VM, and no agent RPC is issued.
func TestCreateVMBindsDiskAndNIC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")
	_, vol := f.addPoolAndVolume(t, "n1")
	network := f.addNetwork(t, "10.10.0.0/28", "10.10.0.1")

	vm, err := f.svc.CreateVM(ctx, CreateVMInput{
		Name: "vm1", NodeID: "n1", VCPU: 2, MemoryMB: 2048,
		Disks:    []DiskInput{{VolumeID: vol.ID, Device: "vda", Bootable: true}},
		Networks: []NICInput{{NetworkID: network.ID, Model: "virtio"}},
	}, "tester")
	require.NoError(t, err)

	assert.Equal(t, domain.VMStopped, vm.Status)
	require.Len(t, vm.NetworkInterfaces, 1)
	nic := vm.NetworkInterfaces[0]
	assert.Equal(t, "10.10.0.2", nic.IP)
	assert.True(t, strings.HasPrefix(nic.MAC, "52:54:00:"))
	assert.Equal(t, "br-default", nic.Bridge)

	gotVol, err := f.st.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VolumeInUse, gotVol.Status)
	assert.Equal(t, vm.ID, gotVol.VMID)

	allocs, total, err := f.st.ListIPAllocations(ctx, network.ID,
		string(domain.IPAllocated), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, vm.ID, allocs[0].VMID)
}

func TestCreateVMRejectsUnavailableVolume(t *testing.T) {
	f := newFixture(t)
	f.addNode(t, "n1")
	_, vol := f.addPoolAndVolume(t, "n1")
	require.NoError(t, f.st.SetVolumeAttachment(context.Background(), vol.ID, "other-vm"))

	_, err := f.svc.CreateVM(context.Background(), CreateVMInput{
		Name: "vm1", NodeID: "n1", VCPU: 1, MemoryMB: 512,
		Disks: []DiskInput{{VolumeID: vol.ID}},
	}, "tester")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePreconditionFailed, appErr.Code)
}

// Scenario: start the VM and the agent returns success. The row passes
// through starting and lands in running with started_at set and the
// task completed.
func TestStartVMSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")
	_, vol := f.addPoolAndVolume(t, "n1")

	agentMux := rpc.NewMux()
	agentMux.HandleRequest(rpc.MethodVMDefineAndStart,
		func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			var req rpc.VMDefineAndStartRequest
			require.NoError(t, json.Unmarshal(payload, &req))
			assert.NotEmpty(t, req.TaskID)
			assert.Len(t, req.Spec.Disks, 1)
			return rpc.VMDefineAndStartResponse{UUID: "dom-uuid-1"}, nil
		})
	f.connectAgentStub(t, "n1", agentMux)

	vm, err := f.svc.CreateVM(ctx, CreateVMInput{
		Name: "vm1", NodeID: "n1", VCPU: 2, MemoryMB: 2048,
		Disks: []DiskInput{{VolumeID: vol.ID, Device: "vda", Bootable: true}},
	}, "tester")
	require.NoError(t, err)

	task, err := f.svc.StartVM(ctx, vm.ID, "tester")
	require.NoError(t, err)
	require.NotNil(t, task)

	require.Eventually(t, func() bool {
		cur, err := f.st.GetVM(ctx, vm.ID)
		return err == nil && cur.Status == domain.VMRunning
	}, 5*time.Second, 20*time.Millisecond)

	cur, err := f.st.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, "dom-uuid-1", cur.UUID)
	require.NotNil(t, cur.StartedAt)

	gotTask, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, gotTask.Status)
}

// Scenario: the agent reports a driver failure. The row lands in error
// and the task fails with the driver's message.
func TestStartVMDriverFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")
	_, vol := f.addPoolAndVolume(t, "n1")

	agentMux := rpc.NewMux()
	agentMux.HandleRequest(rpc.MethodVMDefineAndStart,
		func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			return nil, apperrors.FromCode(apperrors.CodeHypervisorError, "qemu exploded")
		})
	f.connectAgentStub(t, "n1", agentMux)

	vm, err := f.svc.CreateVM(ctx, CreateVMInput{
		Name: "vm1", NodeID: "n1", VCPU: 1, MemoryMB: 512,
		Disks: []DiskInput{{VolumeID: vol.ID}},
	}, "tester")
	require.NoError(t, err)

	task, err := f.svc.StartVM(ctx, vm.ID, "tester")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := f.st.GetVM(ctx, vm.ID)
		return err == nil && cur.Status == domain.VMError
	}, 5*time.Second, 20*time.Millisecond)

	// Attached volumes stay in_use and the address is retained.
	gotVol, err := f.st.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VolumeInUse, gotVol.Status)

	gotTask, err := f.st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, gotTask.Status)
	assert.Contains(t, gotTask.Error, "qemu exploded")
}

// Scenario: agent timeout leaves the VM in its intent state with a
// failed task; reconciliation then resolves it from vm.describe.
func TestStartVMTimeoutThenReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")
	_, vol := f.addPoolAndVolume(t, "n1")

	var describeMu sync.Mutex
	describeRunning := false

	agentMux := rpc.NewMux()
	agentMux.HandleRequest(rpc.MethodVMDefineAndStart,
		func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			<-ctx.Done() // never answer; the controller times out
			return nil, ctx.Err()
		})
	agentMux.HandleRequest(rpc.MethodVMDescribe,
		func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
			describeMu.Lock()
			defer describeMu.Unlock()
			return rpc.VMDescribeResponse{
				Present: describeRunning, Running: describeRunning, State: "running",
			}, nil
		})
	f.connectAgentStub(t, "n1", agentMux)

	vm, err := f.svc.CreateVM(ctx, CreateVMInput{
		Name: "vm1", NodeID: "n1", VCPU: 1, MemoryMB: 512,
		Disks: []DiskInput{{VolumeID: vol.ID}},
	}, "tester")
	require.NoError(t, err)

	task, err := f.svc.StartVM(ctx, vm.ID, "tester")
	require.NoError(t, err)

	// The dispatch times out: the task fails but the VM keeps its
	// intent state.
	require.Eventually(t, func() bool {
		cur, err := f.st.GetTask(ctx, task.ID)
		return err == nil && cur.Status == domain.TaskFailed
	}, 10*time.Second, 50*time.Millisecond)
	cur, err := f.st.GetVM(ctx, vm.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VMStarting, cur.Status)

	// The domain is in fact running when the sweep asks.
	describeMu.Lock()
	describeRunning = true
	describeMu.Unlock()

	f.svc.ReconcileOnce(ctx)

	require.Eventually(t, func() bool {
		cur, err := f.st.GetVM(ctx, vm.ID)
		return err == nil && cur.Status == domain.VMRunning
	}, 5*time.Second, 20*time.Millisecond)
}

// Scenario: two parallel allocations on a network with one free
// address: one wins, the other gets IP_EXHAUSTED, no double grant.
func TestConcurrentAllocateIPOneFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")
	// /30 with gateway leaves exactly one allocatable address.
	network := f.addNetwork(t, "10.20.0.0/30", "10.20.0.1")

	type result struct {
		alloc *domain.IPAllocation
		err   error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := f.svc.AllocateIP(ctx, network.ID, "tester")
			results <- result{a, err}
		}()
	}
	wg.Wait()
	close(results)

	var won, exhausted int
	for r := range results {
		if r.err == nil {
			won++
			assert.Equal(t, "10.20.0.2", r.alloc.IPAddress)
			continue
		}
		appErr, ok := apperrors.IsAppError(r.err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeIPExhausted, appErr.Code)
		exhausted++
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, exhausted)
}

// Scenario: restoring a snapshot whose parent volume is in_use is
// rejected with PRECONDITION_FAILED and no agent call.
func TestRestoreSnapshotInUseVolume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")
	_, vol := f.addPoolAndVolume(t, "n1")
	require.NoError(t, f.st.SetVolumeAttachment(ctx, vol.ID, "some-vm"))

	now := time.Now().UTC()
	snap := &domain.Snapshot{
		ID: "s1", Name: "snap1", VolumeID: vol.ID,
		Status: domain.SnapshotAvailable, SnapshotTag: "snap1",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.st.CreateSnapshot(ctx, snap))

	_, err := f.svc.RestoreSnapshot(ctx, "s1", "tester")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePreconditionFailed, appErr.Code)
	assert.Equal(t, http.StatusConflict, appErr.HTTPStatus)

	got, err := f.st.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotAvailable, got.Status)
}

// Scenario: deleting an in_use volume is rejected and the volume is
// unchanged.
func TestDeleteInUseVolume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")
	_, vol := f.addPoolAndVolume(t, "n1")
	require.NoError(t, f.st.SetVolumeAttachment(ctx, vol.ID, "some-vm"))

	_, err := f.svc.DeleteVolume(ctx, vol.ID, "tester")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePreconditionFailed, appErr.Code)

	got, err := f.st.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VolumeInUse, got.Status)
}

func TestDeleteRunningVMRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")

	now := time.Now().UTC()
	require.NoError(t, f.st.CreateVM(ctx, &domain.VM{
		ID: "vm-run", Name: "r", NodeID: "n1", Status: domain.VMRunning,
		VCPU: 1, MemoryMB: 512, OSType: "linux", CreatedAt: now, UpdatedAt: now,
	}))

	err := f.svc.DeleteVM(ctx, "vm-run", "tester")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePreconditionFailed, appErr.Code)
}

// Deleting a stopped VM releases its addresses and returns its volumes
// to available.
func TestDeleteVMReleasesResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")
	_, vol := f.addPoolAndVolume(t, "n1")
	network := f.addNetwork(t, "10.30.0.0/28", "10.30.0.1")

	vm, err := f.svc.CreateVM(ctx, CreateVMInput{
		Name: "vm1", NodeID: "n1", VCPU: 1, MemoryMB: 512,
		Disks:    []DiskInput{{VolumeID: vol.ID}},
		Networks: []NICInput{{NetworkID: network.ID}},
	}, "tester")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteVM(ctx, vm.ID, "tester"))

	gotVol, err := f.st.GetVolume(ctx, vol.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VolumeAvailable, gotVol.Status)
	assert.Empty(t, gotVol.VMID)

	count, err := f.st.CountNonAvailableIPs(ctx, network.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStartVMNodeOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")
	_, vol := f.addPoolAndVolume(t, "n1")

	vm, err := f.svc.CreateVM(ctx, CreateVMInput{
		Name: "vm1", NodeID: "n1", VCPU: 1, MemoryMB: 512,
		Disks: []DiskInput{{VolumeID: vol.ID}},
	}, "tester")
	require.NoError(t, err)

	_, err = f.svc.StartVM(ctx, vm.ID, "tester")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeNodeOffline, appErr.Code)
}

func TestDeleteNetworkWithAllocationsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	network := f.addNetwork(t, "10.40.0.0/29", "")

	_, err := f.svc.AllocateIP(ctx, network.ID, "tester")
	require.NoError(t, err)

	err = f.svc.DeleteNetwork(ctx, network.ID, "tester")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePreconditionFailed, appErr.Code)
}

func TestDeleteNodeWithVMsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addNode(t, "n1")

	now := time.Now().UTC()
	require.NoError(t, f.st.CreateVM(ctx, &domain.VM{
		ID: "vm-x", Name: "x", NodeID: "n1", Status: domain.VMStopped,
		VCPU: 1, MemoryMB: 512, OSType: "linux", CreatedAt: now, UpdatedAt: now,
	}))

	err := f.svc.DeleteNode(ctx, "n1", "tester")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodePreconditionFailed, appErr.Code)
}
