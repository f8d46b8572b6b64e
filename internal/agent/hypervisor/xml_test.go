package hypervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"cloudpasture.io/corral/internal/rpc"
)

func TestBuildDomainXML(t *testing.T) {
	spec := rpc.VMSpec{
		VMID:     "vm-123",
		Name:     "web & db",
		VCPU:     4,
		MemoryMB: 4096,
		OSType:   "linux",
		Disks: []rpc.DiskAttachment{
			{VolumeID: "v1", Device: "vda", Path: "/mnt/p1/v1.qcow2", Format: "qcow2", Bootable: true},
		},
		Networks: []rpc.NICAttachment{
			{NetworkID: "net1", MAC: "52:54:00:11:22:33", Model: "virtio", Bridge: "br-vlan100"},
		},
	}

	xml := buildDomainXML(spec)

	assert.Contains(t, xml, "<name>vm-123</name>")
	assert.Contains(t, xml, "<title>web &amp; db</title>")
	assert.Contains(t, xml, "<memory unit='MiB'>4096</memory>")
	assert.Contains(t, xml, "<vcpu>4</vcpu>")
	assert.Contains(t, xml, "<source file='/mnt/p1/v1.qcow2'/>")
	assert.Contains(t, xml, "<target dev='vda' bus='virtio'/>")
	assert.Contains(t, xml, "<source bridge='br-vlan100'/>")
	assert.Contains(t, xml, "<mac address='52:54:00:11:22:33'/>")
	assert.Contains(t, xml, "<driver name='qemu' type='qcow2'/>")
}

func TestBuildDiskXMLNormalizesBlockFormats(t *testing.T) {
	for _, format := range []string{"lvm", "ceph", "nfs", ""} {
		xml := buildDiskXML(rpc.DiskAttachment{
			VolumeID: "v1", Device: "vdb", Path: "/dev/vg0/v1", Format: format,
		})
		assert.Contains(t, xml, "type='raw'", "format %q should map to raw", format)
	}
}

func TestXMLEscape(t *testing.T) {
	assert.Equal(t, "a&amp;b&lt;c&gt;d&apos;e&quot;f", xmlEscape(`a&b<c>d'e"f`))
}

func TestStateName(t *testing.T) {
	assert.Equal(t, "running", stateName(1))
	assert.Equal(t, "shutoff", stateName(5))
	if got := stateName(99); !strings.Contains(got, "unknown") {
		t.Errorf("stateName(99) = %q", got)
	}
}
