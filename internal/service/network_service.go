package service

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/domain"
	"cloudpasture.io/corral/internal/ipam"
	apperrors "cloudpasture.io/corral/internal/pkg/errors"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/store"
)

// CreateNetworkInput defines a new layer-2 network with its IPAM pool.
type CreateNetworkInput struct {
	Name    string `json:"name" binding:"required"`
	Type    string `json:"type"`
	CIDR    string `json:"cidr" binding:"required"`
	Gateway string `json:"gateway"`
	MTU     int    `json:"mtu"`
	VLANID  *int   `json:"vlan_id"`
	NodeID  string `json:"node_id"`
}

// CreateNetwork validates the CIDR and gateway, persists the network,
// and pre-materializes one IPAllocation row per host address. No agent
// call is made: the bridge is materialized lazily when a VM on that
// node first attaches.
func (s *Services) CreateNetwork(ctx context.Context, in CreateNetworkInput, actor string) (*domain.Network, error) {
	netType := domain.NetworkType(in.Type)
	if netType == "" {
		netType = domain.NetworkBridge
	}
	if netType != domain.NetworkBridge && netType != domain.NetworkOVS {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed,
			fmt.Sprintf("unknown network type %q", in.Type))
	}
	if _, _, err := net.ParseCIDR(in.CIDR); err != nil {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed,
			fmt.Sprintf("invalid cidr %q", in.CIDR))
	}
	if in.VLANID != nil && (*in.VLANID < 1 || *in.VLANID > 4094) {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed,
			"vlan_id must be between 1 and 4094")
	}
	// HostAddresses re-validates the gateway lies inside the CIDR.
	if _, _, err := ipam.HostAddresses(in.CIDR, in.Gateway); err != nil {
		return nil, apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error())
	}

	mtu := in.MTU
	if mtu == 0 {
		mtu = 1500
	}
	now := time.Now().UTC()
	network := &domain.Network{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Type:      netType,
		CIDR:      in.CIDR,
		Gateway:   in.Gateway,
		MTU:       mtu,
		VLANID:    in.VLANID,
		NodeID:    in.NodeID,
		Status:    domain.NetworkStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var materialized int
	err := s.st.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateNetwork(ctx, network); err != nil {
			return err
		}
		n, err := ipam.Materialize(ctx, tx, network.ID, in.CIDR, in.Gateway, now)
		if err != nil {
			return err
		}
		materialized = n
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.alloc.RegisterNetwork(network.ID)
	s.audit.Record(ctx, "network.create", "network", network.ID, actor, map[string]interface{}{
		"cidr": in.CIDR, "addresses": materialized,
	})
	logger.Info("Network created",
		zap.String("network_id", network.ID),
		zap.String("cidr", in.CIDR),
		zap.Int("addresses", materialized))
	return network, nil
}

// GetNetwork fetches one network.
func (s *Services) GetNetwork(ctx context.Context, id string) (*domain.Network, error) {
	network, err := s.st.GetNetwork(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NotFound(apperrors.CodeNetworkNotFound, "network not found")
		}
		return nil, err
	}
	return network, nil
}

// ListNetworks pages networks.
func (s *Services) ListNetworks(ctx context.Context, page, pageSize int) ([]*domain.Network, int, error) {
	offset := (page - 1) * pageSize
	return s.st.ListNetworks(ctx, offset, pageSize)
}

// UpdateNetworkInput carries the one mutable field.
type UpdateNetworkInput struct {
	Name string `json:"name" binding:"required"`
}

// UpdateNetwork renames a network. Once a network is referenced, name
// is the only field that may change.
func (s *Services) UpdateNetwork(ctx context.Context, id string, in UpdateNetworkInput, actor string) (*domain.Network, error) {
	if _, err := s.GetNetwork(ctx, id); err != nil {
		return nil, err
	}
	if err := s.st.UpdateNetworkName(ctx, id, in.Name); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "network.update", "network", id, actor, nil)
	return s.GetNetwork(ctx, id)
}

// DeleteNetwork removes a network and its allocation rows; rejected
// while any address is allocated or reserved.
func (s *Services) DeleteNetwork(ctx context.Context, id, actor string) error {
	if _, err := s.GetNetwork(ctx, id); err != nil {
		return err
	}

	unlock := s.alloc.LockNetwork(id)
	defer unlock()

	count, err := s.st.CountNonAvailableIPs(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		return apperrors.Conflict(apperrors.CodePreconditionFailed,
			fmt.Sprintf("%d addresses are still allocated or reserved", count))
	}
	if err := s.st.DeleteNetwork(ctx, id); err != nil {
		return err
	}
	s.alloc.UnregisterNetwork(id)
	s.audit.Record(ctx, "network.delete", "network", id, actor, nil)
	return nil
}

// ListNetworkIPs pages the network's allocation rows ordered by numeric
// address, optionally filtered by status.
func (s *Services) ListNetworkIPs(ctx context.Context, networkID, status string, page, pageSize int) ([]*domain.IPAllocation, int, error) {
	if _, err := s.GetNetwork(ctx, networkID); err != nil {
		return nil, 0, err
	}
	offset := (page - 1) * pageSize
	return s.st.ListIPAllocations(ctx, networkID, status, offset, pageSize)
}

// AllocateIP claims one address by explicit API action.
func (s *Services) AllocateIP(ctx context.Context, networkID, actor string) (*domain.IPAllocation, error) {
	if _, err := s.GetNetwork(ctx, networkID); err != nil {
		return nil, err
	}
	alloc, err := s.alloc.Allocate(ctx, networkID, "")
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "network.allocate_ip", "network", networkID, actor,
		map[string]interface{}{"ip": alloc.IPAddress})
	return alloc, nil
}

// ReserveIP moves one specific address to reserved.
func (s *Services) ReserveIP(ctx context.Context, networkID, ip, actor string) (*domain.IPAllocation, error) {
	if _, err := s.GetNetwork(ctx, networkID); err != nil {
		return nil, err
	}
	alloc, err := s.alloc.Reserve(ctx, networkID, ip)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "network.reserve_ip", "network", networkID, actor,
		map[string]interface{}{"ip": ip})
	return alloc, nil
}

// ReleaseIP returns one address to available.
func (s *Services) ReleaseIP(ctx context.Context, networkID, ip, actor string) error {
	if _, err := s.GetNetwork(ctx, networkID); err != nil {
		return err
	}
	if err := s.alloc.ReleaseAddress(ctx, networkID, ip); err != nil {
		return err
	}
	s.audit.Record(ctx, "network.release_ip", "network", networkID, actor,
		map[string]interface{}{"ip": ip})
	return nil
}

// RegisterNetworkLocks installs allocator locks for every persisted
// network at controller startup.
func (s *Services) RegisterNetworkLocks(ctx context.Context) error {
	networks, _, err := s.st.ListNetworks(ctx, 0, 10000)
	if err != nil {
		return err
	}
	for _, n := range networks {
		s.alloc.RegisterNetwork(n.ID)
	}
	return nil
}
