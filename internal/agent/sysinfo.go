package agent

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"cloudpasture.io/corral/internal/rpc"
)

// collectResourceInfo gathers host capacity for the node.resource_info
// report. Best-effort: fields that cannot be read stay zero.
func collectResourceInfo(nodeID, dataDir, hvType, hvVersion string) rpc.NodeResourceInfo {
	info := rpc.NodeResourceInfo{
		NodeID:            nodeID,
		CPUThreads:        runtime.NumCPU(),
		HypervisorType:    hvType,
		HypervisorVersion: hvVersion,
		Timestamp:         time.Now().Unix(),
	}
	info.CPUCores = physicalCores()
	if info.CPUCores == 0 {
		info.CPUCores = info.CPUThreads
	}
	info.MemoryTotalBytes = memTotalBytes()
	info.DiskTotalBytes = diskTotalBytes(dataDir)
	return info
}

// physicalCores counts distinct core ids in /proc/cpuinfo.
func physicalCores() int {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return 0
	}
	type coreKey struct{ phys, core string }
	seen := map[coreKey]bool{}
	var phys, core string
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "physical id"):
			phys = valueOf(line)
		case strings.HasPrefix(line, "core id"):
			core = valueOf(line)
		case line == "":
			if core != "" {
				seen[coreKey{phys, core}] = true
			}
			phys, core = "", ""
		}
	}
	return len(seen)
}

func valueOf(line string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return ""
}

// memTotalBytes reads MemTotal from /proc/meminfo.
func memTotalBytes() int64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, _ := strconv.ParseInt(fields[1], 10, 64)
				return kb * 1024
			}
		}
	}
	return 0
}

// diskTotalBytes measures the filesystem holding the agent data dir.
func diskTotalBytes(dataDir string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(dataDir, &st); err != nil {
		return 0
	}
	return int64(st.Blocks) * int64(st.Bsize)
}
