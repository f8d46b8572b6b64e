// Package ipam allocates, reserves, and releases addresses within each
// network's CIDR. Rows for every address are pre-materialized at
// network create; allocation only ever moves rows between available,
// allocated, and reserved.
package ipam

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"cloudpasture.io/corral/internal/domain"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/store"
)

// MaxPrefixHosts rejects networks larger than a /20: pre-materializing
// beyond 4094 host rows is a misconfiguration, not a use case.
const MaxPrefixHosts = 4094

// Allocator coordinates address state for all networks. A per-network
// mutex guards the select-then-update inside one transaction so two
// concurrent allocations cannot return the same address. Locks are
// created on network create and dropped on network delete.
type Allocator struct {
	st *store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAllocator creates an allocator over the metadata store.
func NewAllocator(st *store.Store) *Allocator {
	return &Allocator{
		st:    st,
		locks: make(map[string]*sync.Mutex),
	}
}

// RegisterNetwork installs the per-network lock. Idempotent.
func (a *Allocator) RegisterNetwork(networkID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.locks[networkID]; !ok {
		a.locks[networkID] = &sync.Mutex{}
	}
}

// UnregisterNetwork drops the per-network lock after network delete.
func (a *Allocator) UnregisterNetwork(networkID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.locks, networkID)
}

// LockNetwork acquires the per-network lock for a caller composing a
// larger transaction (VM create allocates NICs and inserts the VM row
// in one commit). Returns the unlock function.
func (a *Allocator) LockNetwork(networkID string) func() {
	l := a.lockFor(networkID)
	l.Lock()
	return l.Unlock
}

func (a *Allocator) lockFor(networkID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[networkID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[networkID] = l
	}
	return l
}

// HostAddresses enumerates every allocatable address in cidr: all host
// addresses excluding the network, broadcast, and gateway addresses.
// The second return carries each address's numeric value for ordering.
func HostAddresses(cidr, gateway string) ([]string, []int64, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, nil, fmt.Errorf("parse cidr %q: %w", cidr, err)
	}
	v4 := ip.To4()
	if v4 == nil {
		return nil, nil, fmt.Errorf("cidr %q is not IPv4", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits != 32 {
		return nil, nil, fmt.Errorf("cidr %q is not IPv4", cidr)
	}
	hostBits := bits - ones
	if hostBits < 2 {
		return nil, nil, fmt.Errorf("cidr %q has no allocatable hosts", cidr)
	}
	total := (int64(1) << hostBits) - 2
	if total > MaxPrefixHosts {
		return nil, nil, fmt.Errorf("cidr %q spans %d hosts, limit is %d", cidr, total, MaxPrefixHosts)
	}

	base := binary.BigEndian.Uint32(v4.Mask(ipnet.Mask))
	broadcast := base | (1<<uint(hostBits) - 1)

	var gw uint32
	if gateway != "" {
		gwIP := net.ParseIP(gateway)
		if gwIP == nil || gwIP.To4() == nil {
			return nil, nil, fmt.Errorf("parse gateway %q", gateway)
		}
		gw = binary.BigEndian.Uint32(gwIP.To4())
		if !ipnet.Contains(gwIP) {
			return nil, nil, fmt.Errorf("gateway %s outside cidr %s", gateway, cidr)
		}
	}

	addrs := make([]string, 0, total)
	numeric := make([]int64, 0, total)
	for n := base + 1; n < broadcast; n++ {
		if gateway != "" && n == gw {
			continue
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], n)
		addrs = append(addrs, net.IP(buf[:]).String())
		numeric = append(numeric, int64(n))
	}
	return addrs, numeric, nil
}

// Materialize inserts one available row per host address. Runs inside
// the caller's network-create transaction.
func Materialize(ctx context.Context, tx *store.Store, networkID, cidr, gateway string, now time.Time) (int, error) {
	addrs, numeric, err := HostAddresses(cidr, gateway)
	if err != nil {
		return 0, err
	}
	allocs := make([]*domain.IPAllocation, len(addrs))
	for i, addr := range addrs {
		allocs[i] = &domain.IPAllocation{
			ID:        uuid.New().String(),
			NetworkID: networkID,
			IPAddress: addr,
			Status:    domain.IPAvailable,
			CreatedAt: now,
		}
	}
	if err := tx.InsertIPAllocations(ctx, allocs, numeric); err != nil {
		return 0, err
	}
	return len(allocs), nil
}

// Allocate atomically claims the numerically lowest available address,
// stamping allocated_at. mac may be empty. Returns IP_EXHAUSTED when
// the pool is empty.
func (a *Allocator) Allocate(ctx context.Context, networkID, mac string) (*domain.IPAllocation, error) {
	l := a.lockFor(networkID)
	l.Lock()
	defer l.Unlock()

	var out *domain.IPAllocation
	err := a.st.WithTx(ctx, func(tx *store.Store) error {
		alloc, err := tx.NextAvailableIP(ctx, networkID)
		if err != nil {
			if err == store.ErrNotFound {
				return apperrors.Conflict(apperrors.CodeIPExhausted,
					"no available addresses in network")
			}
			return err
		}
		now := time.Now().UTC()
		if err := tx.MarkIPAllocated(ctx, alloc.ID, mac, now); err != nil {
			return err
		}
		alloc.Status = domain.IPAllocated
		alloc.MAC = mac
		alloc.AllocatedAt = &now
		out = alloc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Associate links an allocation to a VM once the VM row exists.
// Idempotent: re-associating the same pair succeeds.
func (a *Allocator) Associate(ctx context.Context, allocID, vmID string) error {
	alloc, err := a.st.GetIPAllocation(ctx, allocID)
	if err != nil {
		if err == store.ErrNotFound {
			return apperrors.NotFound(apperrors.CodeNetworkNotFound, "ip allocation not found")
		}
		return err
	}
	if alloc.VMID == vmID && alloc.Status == domain.IPAllocated {
		return nil
	}
	if alloc.Status == domain.IPAvailable {
		return apperrors.Conflict(apperrors.CodePreconditionFailed,
			"address is not allocated")
	}
	return a.st.AssociateIP(ctx, allocID, vmID)
}

// Release returns every address held by the VM in the network to
// available.
func (a *Allocator) Release(ctx context.Context, networkID, vmID string) (int, error) {
	l := a.lockFor(networkID)
	l.Lock()
	defer l.Unlock()

	return a.st.ReleaseIPsForVM(ctx, networkID, vmID)
}

// Reserve moves one specific available address to reserved. Reserved
// addresses are excluded from allocation until explicitly released.
func (a *Allocator) Reserve(ctx context.Context, networkID, ip string) (*domain.IPAllocation, error) {
	l := a.lockFor(networkID)
	l.Lock()
	defer l.Unlock()

	var out *domain.IPAllocation
	err := a.st.WithTx(ctx, func(tx *store.Store) error {
		alloc, err := tx.GetIPAllocationByAddress(ctx, networkID, ip)
		if err != nil {
			if err == store.ErrNotFound {
				return apperrors.NotFound(apperrors.CodeNetworkNotFound,
					"address is not part of the network")
			}
			return err
		}
		if alloc.Status != domain.IPAvailable {
			return apperrors.Conflict(apperrors.CodePreconditionFailed,
				"address is not available")
		}
		now := time.Now().UTC()
		if err := tx.MarkIPReserved(ctx, alloc.ID, now); err != nil {
			return err
		}
		alloc.Status = domain.IPReserved
		alloc.AllocatedAt = &now
		out = alloc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseAddress returns one address (allocated or reserved) to
// available.
func (a *Allocator) ReleaseAddress(ctx context.Context, networkID, ip string) error {
	l := a.lockFor(networkID)
	l.Lock()
	defer l.Unlock()

	alloc, err := a.st.GetIPAllocationByAddress(ctx, networkID, ip)
	if err != nil {
		if err == store.ErrNotFound {
			return apperrors.NotFound(apperrors.CodeNetworkNotFound,
				"address is not part of the network")
		}
		return err
	}
	return a.st.ReleaseIP(ctx, alloc.ID)
}
