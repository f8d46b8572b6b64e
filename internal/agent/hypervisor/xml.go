package hypervisor

import (
	"fmt"
	"strings"

	"cloudpasture.io/corral/internal/rpc"
)

// buildDomainXML renders the libvirt domain definition for a VM spec.
// The domain name is the controller's VM id; the display name travels
// in the title element.
func buildDomainXML(spec rpc.VMSpec) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<domain type='kvm'>\n")
	fmt.Fprintf(&b, "  <name>%s</name>\n", xmlEscape(spec.VMID))
	fmt.Fprintf(&b, "  <title>%s</title>\n", xmlEscape(spec.Name))
	fmt.Fprintf(&b, "  <memory unit='MiB'>%d</memory>\n", spec.MemoryMB)
	fmt.Fprintf(&b, "  <vcpu>%d</vcpu>\n", spec.VCPU)

	b.WriteString("  <os>\n")
	b.WriteString("    <type arch='x86_64' machine='q35'>hvm</type>\n")
	b.WriteString("    <boot dev='hd'/>\n")
	b.WriteString("  </os>\n")
	b.WriteString("  <features><acpi/><apic/></features>\n")
	b.WriteString("  <cpu mode='host-passthrough'/>\n")
	b.WriteString("  <on_poweroff>destroy</on_poweroff>\n")
	b.WriteString("  <on_reboot>restart</on_reboot>\n")
	b.WriteString("  <on_crash>destroy</on_crash>\n")

	b.WriteString("  <devices>\n")
	for _, disk := range spec.Disks {
		b.WriteString(indent(buildDiskXML(disk), "    "))
	}
	for _, nic := range spec.Networks {
		fmt.Fprintf(&b, "    <interface type='bridge'>\n")
		fmt.Fprintf(&b, "      <source bridge='%s'/>\n", xmlEscape(nic.Bridge))
		fmt.Fprintf(&b, "      <mac address='%s'/>\n", xmlEscape(nic.MAC))
		fmt.Fprintf(&b, "      <model type='%s'/>\n", xmlEscape(nic.Model))
		b.WriteString("    </interface>\n")
	}
	b.WriteString("    <console type='pty'/>\n")
	b.WriteString("    <graphics type='vnc' port='-1' autoport='yes' listen='127.0.0.1'/>\n")
	b.WriteString("  </devices>\n")
	b.WriteString("</domain>\n")

	return b.String()
}

// buildDiskXML renders one disk device element, shared by domain
// definition and hot-plug.
func buildDiskXML(disk rpc.DiskAttachment) string {
	driverType := disk.Format
	if driverType == "" || driverType == "lvm" || driverType == "ceph" || driverType == "nfs" {
		driverType = "raw"
	}
	var b strings.Builder
	b.WriteString("<disk type='file' device='disk'>\n")
	fmt.Fprintf(&b, "  <driver name='qemu' type='%s'/>\n", xmlEscape(driverType))
	fmt.Fprintf(&b, "  <source file='%s'/>\n", xmlEscape(disk.Path))
	fmt.Fprintf(&b, "  <target dev='%s' bus='virtio'/>\n", xmlEscape(disk.Device))
	b.WriteString("</disk>\n")
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n") + "\n"
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"'", "&apos;",
	`"`, "&quot;",
)

func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}
