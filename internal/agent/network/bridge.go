// Package network materializes host bridging for VM networks. Every
// operation is an idempotent ensure: re-invocation converges on the
// same host state.
//
// Two modes, keyed by the network's VLAN id:
//   - tagged: a VLAN sub-interface <provider>.<vlan> feeds a bridge
//     named br-vlan<vlan>
//   - untagged: the provider NIC feeds the default bridge directly
package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
)

// Manager drives bridge and VLAN state on one host.
type Manager struct {
	providerInterface string
	defaultBridge     string

	// run executes a host command; swapped out in tests.
	run func(ctx context.Context, name string, args ...string) (string, error)
}

// NewManager creates the bridge manager for a provider NIC.
func NewManager(providerInterface, defaultBridge string) *Manager {
	return &Manager{
		providerInterface: providerInterface,
		defaultBridge:     defaultBridge,
		run:               runIP,
	}
}

// Ensure converges host bridging for a network spec.
func (m *Manager) Ensure(ctx context.Context, spec rpc.NetworkSpec) error {
	bridge := spec.Bridge
	if bridge == "" {
		bridge = m.defaultBridge
	}
	if spec.VLANID != nil {
		return m.ensureVLAN(ctx, *spec.VLANID, bridge, spec.MTU)
	}
	return m.ensureUntagged(ctx, bridge, spec.MTU)
}

// ensureVLAN creates the VLAN sub-interface and its bridge, attaches
// the sub-interface, and brings everything up.
func (m *Manager) ensureVLAN(ctx context.Context, vlan int, bridge string, mtu int) error {
	if err := m.ensureBridge(ctx, bridge, mtu); err != nil {
		return err
	}

	sub := fmt.Sprintf("%s.%d", m.providerInterface, vlan)
	if !m.linkExists(sub) {
		logger.Info("Creating VLAN sub-interface", zap.String("link", sub))
		if _, err := m.run(ctx, "ip", "link", "add", "link", m.providerInterface,
			"name", sub, "type", "vlan", "id", fmt.Sprintf("%d", vlan)); err != nil {
			return fmt.Errorf("create vlan sub-interface %s: %w", sub, err)
		}
	}
	if !m.linkInBridge(sub, bridge) {
		if _, err := m.run(ctx, "ip", "link", "set", sub, "master", bridge); err != nil {
			return fmt.Errorf("attach %s to %s: %w", sub, bridge, err)
		}
	}
	if _, err := m.run(ctx, "ip", "link", "set", sub, "up"); err != nil {
		return fmt.Errorf("bring up %s: %w", sub, err)
	}
	if _, err := m.run(ctx, "ip", "link", "set", bridge, "up"); err != nil {
		return fmt.Errorf("bring up %s: %w", bridge, err)
	}
	return nil
}

// ensureUntagged creates the default bridge and enslaves the provider
// NIC directly.
func (m *Manager) ensureUntagged(ctx context.Context, bridge string, mtu int) error {
	if err := m.ensureBridge(ctx, bridge, mtu); err != nil {
		return err
	}
	if !m.linkInBridge(m.providerInterface, bridge) {
		if _, err := m.run(ctx, "ip", "link", "set", m.providerInterface,
			"master", bridge); err != nil {
			return fmt.Errorf("attach %s to %s: %w", m.providerInterface, bridge, err)
		}
	}
	if _, err := m.run(ctx, "ip", "link", "set", bridge, "up"); err != nil {
		return fmt.Errorf("bring up %s: %w", bridge, err)
	}
	return nil
}

func (m *Manager) ensureBridge(ctx context.Context, bridge string, mtu int) error {
	if !m.linkExists(bridge) {
		logger.Info("Creating bridge", zap.String("bridge", bridge))
		if _, err := m.run(ctx, "ip", "link", "add", bridge, "type", "bridge"); err != nil {
			return fmt.Errorf("create bridge %s: %w", bridge, err)
		}
	}
	if mtu > 0 {
		if _, err := m.run(ctx, "ip", "link", "set", bridge,
			"mtu", fmt.Sprintf("%d", mtu)); err != nil {
			return fmt.Errorf("set mtu on %s: %w", bridge, err)
		}
	}
	return nil
}

// AttachTap enslaves a VM tap device to the network's bridge after
// making sure the bridge exists.
func (m *Manager) AttachTap(ctx context.Context, req rpc.TapRequest) error {
	if err := m.Ensure(ctx, req.Network); err != nil {
		return err
	}
	tap := tapName(req.VMID, req.NIC.MAC)
	if !m.linkExists(tap) {
		// libvirt creates the tap with the domain; nothing to enslave
		// until the VM starts.
		logger.Debug("Tap absent, deferring to domain start", zap.String("tap", tap))
		return nil
	}
	bridge := req.NIC.Bridge
	if bridge == "" {
		bridge = m.defaultBridge
	}
	if !m.linkInBridge(tap, bridge) {
		if _, err := m.run(ctx, "ip", "link", "set", tap, "master", bridge); err != nil {
			return fmt.Errorf("attach tap %s to %s: %w", tap, bridge, err)
		}
	}
	_, err := m.run(ctx, "ip", "link", "set", tap, "up")
	return err
}

// DetachTap removes a VM tap from its bridge; a missing tap converges.
func (m *Manager) DetachTap(ctx context.Context, req rpc.TapRequest) error {
	tap := tapName(req.VMID, req.NIC.MAC)
	if !m.linkExists(tap) {
		return nil
	}
	_, err := m.run(ctx, "ip", "link", "set", tap, "nomaster")
	return err
}

// linkExists checks sysfs rather than shelling out.
func (m *Manager) linkExists(link string) bool {
	_, err := os.Stat(filepath.Join("/sys/class/net", link))
	return err == nil
}

// linkInBridge checks the bridge membership symlink in sysfs.
func (m *Manager) linkInBridge(link, bridge string) bool {
	target, err := os.Readlink(filepath.Join("/sys/class/net", link, "master"))
	if err != nil {
		return false
	}
	return filepath.Base(target) == bridge
}

// tapName derives a stable tap device name from the NIC's MAC.
func tapName(vmID, mac string) string {
	suffix := ""
	for _, r := range mac {
		if r != ':' {
			suffix += string(r)
		}
	}
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return "tap" + suffix
}

func runIP(ctx context.Context, name string, args ...string) (string, error) {
	return runCommand(ctx, name, args...)
}
