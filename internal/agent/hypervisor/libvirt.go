// Package hypervisor drives the local libvirt daemon: domain
// definition, power operations, hot-plug, snapshots, and migration.
// Domains are named by the controller's VM id so every operation is
// addressable without local state.
package hypervisor

import (
	"fmt"
	"net"
	"strings"
	"time"

	libvirt "github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
)

// gracefulWait bounds how long a soft shutdown may take before the
// forced fallback fires.
const gracefulWait = 30 * time.Second

// Driver wraps one libvirt connection.
type Driver struct {
	socket string
	conn   *libvirt.Libvirt
}

// New connects to the libvirt daemon over its unix socket.
func New(socket string) (*Driver, error) {
	c, err := net.DialTimeout("unix", socket, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial libvirt socket %s: %w", socket, err)
	}
	l := libvirt.New(c)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("libvirt connect: %w", err)
	}
	return &Driver{socket: socket, conn: l}, nil
}

// Close disconnects from the daemon.
func (d *Driver) Close() error {
	return d.conn.Disconnect()
}

// Version reports the hypervisor type and version for registration.
func (d *Driver) Version() (string, string) {
	v, err := d.conn.ConnectGetLibVersion()
	if err != nil {
		return "kvm", ""
	}
	major := v / 1000000
	minor := (v % 1000000) / 1000
	patch := v % 1000
	return "kvm", fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

// DefineAndStart (re)defines the domain from the spec and starts it.
// Redefinition is deliberate: controller-side changes propagate on the
// next start. Idempotent: an already-running domain is left alone.
func (d *Driver) DefineAndStart(spec rpc.VMSpec) (string, error) {
	if dom, err := d.conn.DomainLookupByName(spec.VMID); err == nil {
		if running, _ := d.isRunning(dom); running {
			logger.Info("Domain already running", zap.String("vm_id", spec.VMID))
			return uuidString(dom.UUID), nil
		}
		// Stale definition from a previous run; replace it.
		_ = d.conn.DomainUndefine(dom)
	}

	xml := buildDomainXML(spec)
	dom, err := d.conn.DomainDefineXML(xml)
	if err != nil {
		return "", fmt.Errorf("define domain: %w", err)
	}
	if err := d.conn.DomainCreate(dom); err != nil {
		return "", fmt.Errorf("start domain: %w", err)
	}
	logger.Info("Domain started", zap.String("vm_id", spec.VMID))
	return uuidString(dom.UUID), nil
}

// Stop shuts the domain down and undefines it. force skips the
// graceful attempt; without force a graceful shutdown that does not
// finish within the window is destroyed.
func (d *Driver) Stop(vmID string, force bool) error {
	dom, err := d.conn.DomainLookupByName(vmID)
	if err != nil {
		// Nothing defined: converged already.
		logger.Info("Domain absent on stop", zap.String("vm_id", vmID))
		return nil
	}

	running, err := d.isRunning(dom)
	if err != nil {
		return fmt.Errorf("query domain state: %w", err)
	}
	if running {
		if force {
			if err := d.conn.DomainDestroy(dom); err != nil {
				return fmt.Errorf("destroy domain: %w", err)
			}
		} else if err := d.gracefulStop(dom); err != nil {
			return err
		}
	}

	if err := d.conn.DomainUndefine(dom); err != nil {
		// Transient domains vanish on destroy; absence is success.
		if !isNotFound(err) {
			return fmt.Errorf("undefine domain: %w", err)
		}
	}
	logger.Info("Domain stopped and undefined", zap.String("vm_id", vmID))
	return nil
}

func (d *Driver) gracefulStop(dom libvirt.Domain) error {
	if err := d.conn.DomainShutdown(dom); err != nil {
		return fmt.Errorf("shutdown domain: %w", err)
	}
	deadline := time.Now().Add(gracefulWait)
	for time.Now().Before(deadline) {
		running, err := d.isRunning(dom)
		if err != nil || !running {
			return nil
		}
		time.Sleep(time.Second)
	}
	logger.Warn("Graceful shutdown timed out, destroying",
		zap.String("domain", dom.Name))
	if err := d.conn.DomainDestroy(dom); err != nil {
		return fmt.Errorf("destroy after graceful timeout: %w", err)
	}
	return nil
}

// Restart performs a graceful shutdown with forced fallback, then
// starts the domain again from its current definition.
func (d *Driver) Restart(vmID string) error {
	dom, err := d.conn.DomainLookupByName(vmID)
	if err != nil {
		return fmt.Errorf("domain %s not defined", vmID)
	}
	if running, _ := d.isRunning(dom); running {
		if err := d.gracefulStop(dom); err != nil {
			return err
		}
	}
	if err := d.conn.DomainCreate(dom); err != nil {
		return fmt.Errorf("start domain: %w", err)
	}
	logger.Info("Domain restarted", zap.String("vm_id", vmID))
	return nil
}

// AttachDisk hot-plugs a disk into a running domain, marking the change
// persistent so the next definition keeps it.
func (d *Driver) AttachDisk(vmID string, disk rpc.DiskAttachment) error {
	dom, err := d.conn.DomainLookupByName(vmID)
	if err != nil {
		return fmt.Errorf("domain %s not defined", vmID)
	}
	xml := buildDiskXML(disk)
	flags := libvirt.DomainDeviceModifyLive | libvirt.DomainDeviceModifyConfig
	if err := d.conn.DomainAttachDeviceFlags(dom, xml, uint32(flags)); err != nil {
		return fmt.Errorf("attach disk: %w", err)
	}
	return nil
}

// DetachDisk hot-unplugs a disk.
func (d *Driver) DetachDisk(vmID string, disk rpc.DiskAttachment) error {
	dom, err := d.conn.DomainLookupByName(vmID)
	if err != nil {
		return fmt.Errorf("domain %s not defined", vmID)
	}
	xml := buildDiskXML(disk)
	flags := libvirt.DomainDeviceModifyLive | libvirt.DomainDeviceModifyConfig
	if err := d.conn.DomainDetachDeviceFlags(dom, xml, uint32(flags)); err != nil {
		return fmt.Errorf("detach disk: %w", err)
	}
	return nil
}

// Describe reports observed domain state for reconciliation.
func (d *Driver) Describe(vmID string) rpc.VMDescribeResponse {
	resp := rpc.VMDescribeResponse{VMID: vmID}
	dom, err := d.conn.DomainLookupByName(vmID)
	if err != nil {
		resp.State = "undefined"
		return resp
	}
	resp.Present = true
	resp.UUID = uuidString(dom.UUID)
	state, _, err := d.conn.DomainGetState(dom, 0)
	if err != nil {
		resp.State = "unknown"
		return resp
	}
	resp.Running = int32(state) == int32(libvirt.DomainRunning)
	resp.State = stateName(int32(state))
	return resp
}

// Migrate pushes the domain to the target host. The target address is
// the peer agent's host; libvirt carries the actual transfer.
func (d *Driver) Migrate(vmID, targetAddress string, progress func(stage string, percent float64)) error {
	dom, err := d.conn.DomainLookupByName(vmID)
	if err != nil {
		return fmt.Errorf("domain %s not defined", vmID)
	}
	progress("preparing", 5)

	uri := fmt.Sprintf("qemu+tcp://%s/system", targetAddress)
	flags := libvirt.MigrateLive | libvirt.MigratePersistDest | libvirt.MigrateUndefineSource
	progress("transferring", 20)
	if err := d.conn.DomainMigrateToURI3(dom, []string{uri}, nil, uint32(flags)); err != nil {
		return fmt.Errorf("migrate domain: %w", err)
	}
	progress("finalizing", 95)
	logger.Info("Domain migrated",
		zap.String("vm_id", vmID), zap.String("target", targetAddress))
	return nil
}

// SnapshotCreate captures a live snapshot through the domain API.
func (d *Driver) SnapshotCreate(vmID, name string) (string, error) {
	dom, err := d.conn.DomainLookupByName(vmID)
	if err != nil {
		return "", fmt.Errorf("domain %s not defined", vmID)
	}
	xml := fmt.Sprintf("<domainsnapshot><name>%s</name></domainsnapshot>", xmlEscape(name))
	snap, err := d.conn.DomainSnapshotCreateXML(dom, xml, 0)
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	return snap.Name, nil
}

// SnapshotDelete removes a live snapshot by tag.
func (d *Driver) SnapshotDelete(vmID, tag string) error {
	dom, err := d.conn.DomainLookupByName(vmID)
	if err != nil {
		// Domain gone; its snapshots went with it.
		return nil
	}
	snap, err := d.conn.DomainSnapshotLookupByName(dom, tag, 0)
	if err != nil {
		return nil
	}
	if err := d.conn.DomainSnapshotDelete(snap, 0); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (d *Driver) isRunning(dom libvirt.Domain) (bool, error) {
	state, _, err := d.conn.DomainGetState(dom, 0)
	if err != nil {
		return false, err
	}
	return int32(state) == int32(libvirt.DomainRunning), nil
}

func stateName(state int32) string {
	switch libvirt.DomainState(state) {
	case libvirt.DomainRunning:
		return "running"
	case libvirt.DomainPaused:
		return "paused"
	case libvirt.DomainShutdown:
		return "shutting-down"
	case libvirt.DomainShutoff:
		return "shutoff"
	case libvirt.DomainCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not found")
}

func uuidString(b [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
