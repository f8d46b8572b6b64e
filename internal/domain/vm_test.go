package domain

import "testing"

func TestVMStatusCanTransition(t *testing.T) {
	tests := []struct {
		status VMStatus
		op     string
		want   bool
	}{
		{VMStopped, "start", true},
		{VMError, "start", true},
		{VMRunning, "start", false},
		{VMStarting, "start", false},
		{VMRunning, "stop", true},
		{VMPaused, "stop", true},
		{VMError, "stop", true},
		{VMStopped, "stop", false},
		{VMRunning, "restart", true},
		{VMStopped, "restart", false},
		{VMRunning, "migrate", true},
		{VMStopped, "migrate", true},
		{VMMigrating, "migrate", false},
		{VMRunning, "bogus", false},
	}
	for _, tt := range tests {
		if got := tt.status.CanTransition(tt.op); got != tt.want {
			t.Errorf("%s.CanTransition(%q) = %v, want %v", tt.status, tt.op, got, tt.want)
		}
	}
}

func TestVMStatusInFlight(t *testing.T) {
	inflight := []VMStatus{VMStarting, VMStopping, VMRestarting, VMMigrating}
	for _, s := range inflight {
		if !s.InFlight() {
			t.Errorf("%s should be in flight", s)
		}
	}
	settled := []VMStatus{VMStopped, VMRunning, VMPaused, VMError}
	for _, s := range settled {
		if s.InFlight() {
			t.Errorf("%s should not be in flight", s)
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskPending, TaskRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNetworkBridgeName(t *testing.T) {
	vlan := 100
	tagged := &Network{VLANID: &vlan}
	if got := tagged.BridgeName("br-default"); got != "br-vlan100" {
		t.Errorf("BridgeName = %q, want br-vlan100", got)
	}
	untagged := &Network{}
	if got := untagged.BridgeName("br-default"); got != "br-default" {
		t.Errorf("BridgeName = %q, want br-default", got)
	}
}

func TestVolumeStatusCountsAgainstPool(t *testing.T) {
	counted := []VolumeStatus{VolumeCreating, VolumeAvailable, VolumeInUse}
	for _, s := range counted {
		if !s.CountsAgainstPool() {
			t.Errorf("%s should count against the pool", s)
		}
	}
	for _, s := range []VolumeStatus{VolumeDeleting, VolumeError} {
		if s.CountsAgainstPool() {
			t.Errorf("%s should not count against the pool", s)
		}
	}
}
