package ipam

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/store"
)

func newTestAllocator(t *testing.T) (*Allocator, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewAllocator(st), st
}

func materializeNetwork(t *testing.T, st *store.Store, cidr, gateway string) string {
	t.Helper()
	networkID := uuid.New().String()
	now := time.Now().UTC()
	err := st.CreateNetwork(context.Background(), &domain.Network{
		ID: networkID, Name: "net", Type: domain.NetworkBridge,
		CIDR: cidr, Gateway: gateway, MTU: 1500,
		Status: domain.NetworkStatusActive, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	err = st.WithTx(context.Background(), func(tx *store.Store) error {
		_, err := Materialize(context.Background(), tx, networkID, cidr, gateway, now)
		return err
	})
	require.NoError(t, err)
	return networkID
}

func TestHostAddressesExcludesSpecials(t *testing.T) {
	addrs, numeric, err := HostAddresses("192.168.1.0/29", "192.168.1.1")
	require.NoError(t, err)

	// /29 has 6 hosts; the gateway is excluded.
	assert.Len(t, addrs, 5)
	assert.Equal(t, len(addrs), len(numeric))
	assert.NotContains(t, addrs, "192.168.1.0") // network
	assert.NotContains(t, addrs, "192.168.1.1") // gateway
	assert.NotContains(t, addrs, "192.168.1.7") // broadcast
	assert.Equal(t, "192.168.1.2", addrs[0])
	assert.Equal(t, "192.168.1.6", addrs[len(addrs)-1])
}

func TestHostAddressesRejections(t *testing.T) {
	tests := []struct {
		name    string
		cidr    string
		gateway string
	}{
		{"garbage cidr", "not-a-cidr", ""},
		{"ipv6", "fd00::/64", ""},
		{"no hosts", "10.0.0.0/31", ""},
		{"too large", "10.0.0.0/8", ""},
		{"gateway outside", "10.0.0.0/24", "192.168.1.1"},
		{"gateway garbage", "10.0.0.0/24", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := HostAddresses(tt.cidr, tt.gateway)
			assert.Error(t, err)
		})
	}
}

func TestAllocateOrdersNumerically(t *testing.T) {
	alloc, st := newTestAllocator(t)
	networkID := materializeNetwork(t, st, "10.0.0.0/29", "10.0.0.1")

	a, err := alloc.Allocate(context.Background(), networkID, "")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", a.IPAddress)
	assert.Equal(t, domain.IPAllocated, a.Status)
	assert.NotNil(t, a.AllocatedAt)

	b, err := alloc.Allocate(context.Background(), networkID, "52:54:00:aa:bb:cc")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", b.IPAddress)
	assert.Equal(t, "52:54:00:aa:bb:cc", b.MAC)
}

func TestAllocateExhaustion(t *testing.T) {
	alloc, st := newTestAllocator(t)
	// /30 with gateway: exactly one allocatable address.
	networkID := materializeNetwork(t, st, "10.0.0.0/30", "10.0.0.1")

	_, err := alloc.Allocate(context.Background(), networkID, "")
	require.NoError(t, err)

	_, err = alloc.Allocate(context.Background(), networkID, "")
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeIPExhausted, appErr.Code)
}

func TestConcurrentAllocationNoDuplicates(t *testing.T) {
	alloc, st := newTestAllocator(t)
	networkID := materializeNetwork(t, st, "10.1.0.0/26", "10.1.0.1")

	const workers = 30
	var wg sync.WaitGroup
	results := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := alloc.Allocate(context.Background(), networkID, "")
			if err == nil {
				results <- a.IPAddress
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for ip := range results {
		assert.False(t, seen[ip], "address %s allocated twice", ip)
		seen[ip] = true
	}
	assert.Len(t, seen, workers)
}

func TestReleaseRestoresPreAllocateState(t *testing.T) {
	alloc, st := newTestAllocator(t)
	networkID := materializeNetwork(t, st, "10.2.0.0/29", "")

	before, _, err := st.ListIPAllocations(context.Background(), networkID,
		string(domain.IPAvailable), 0, 100)
	require.NoError(t, err)

	a, err := alloc.Allocate(context.Background(), networkID, "")
	require.NoError(t, err)
	require.NoError(t, alloc.Associate(context.Background(), a.ID, "vm-1"))

	released, err := alloc.Release(context.Background(), networkID, "vm-1")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	after, _, err := st.ListIPAllocations(context.Background(), networkID,
		string(domain.IPAvailable), 0, 100)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Equal(t, before[i].IPAddress, after[i].IPAddress)
	}

	row, err := st.GetIPAllocation(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, row.VMID)
	assert.Empty(t, row.MAC)
	assert.Nil(t, row.AllocatedAt)
}

func TestReserveExcludedFromAllocation(t *testing.T) {
	alloc, st := newTestAllocator(t)
	networkID := materializeNetwork(t, st, "10.3.0.0/30", "")

	// Two allocatable addresses; reserve the first.
	r, err := alloc.Reserve(context.Background(), networkID, "10.3.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.IPReserved, r.Status)

	a, err := alloc.Allocate(context.Background(), networkID, "")
	require.NoError(t, err)
	assert.Equal(t, "10.3.0.2", a.IPAddress)

	// Reserving a non-available address is a precondition failure.
	_, err = alloc.Reserve(context.Background(), networkID, "10.3.0.2")
	require.Error(t, err)

	// Only an explicit release recovers a reserved address.
	require.NoError(t, alloc.ReleaseAddress(context.Background(), networkID, "10.3.0.1"))
	row, err := st.GetIPAllocationByAddress(context.Background(), networkID, "10.3.0.1")
	require.NoError(t, err)
	assert.Equal(t, domain.IPAvailable, row.Status)
}

func TestAssociateIsIdempotent(t *testing.T) {
	alloc, st := newTestAllocator(t)
	networkID := materializeNetwork(t, st, "10.4.0.0/29", "")

	a, err := alloc.Allocate(context.Background(), networkID, "")
	require.NoError(t, err)
	require.NoError(t, alloc.Associate(context.Background(), a.ID, "vm-9"))
	require.NoError(t, alloc.Associate(context.Background(), a.ID, "vm-9"))

	row, err := st.GetIPAllocation(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "vm-9", row.VMID)
}
