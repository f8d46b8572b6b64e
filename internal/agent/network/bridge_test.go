package network

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/rpc"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	m.Run()
}

// recorder captures the commands a converge pass would run. Link
// existence checks read sysfs, which reports nothing in the test
// environment, so every ensure path issues its full command set.
type recorder struct {
	commands []string
}

func (r *recorder) run(ctx context.Context, name string, args ...string) (string, error) {
	r.commands = append(r.commands, name+" "+strings.Join(args, " "))
	return "", nil
}

func newTestManager() (*Manager, *recorder) {
	rec := &recorder{}
	m := NewManager("eth0", "br-default")
	m.run = rec.run
	return m, rec
}

func TestEnsureVLANNetwork(t *testing.T) {
	m, rec := newTestManager()
	vlan := 100

	err := m.Ensure(context.Background(), rpc.NetworkSpec{
		NetworkID: "net1", Bridge: "br-vlan100", VLANID: &vlan, MTU: 9000,
	})
	require.NoError(t, err)

	joined := strings.Join(rec.commands, "\n")
	assert.Contains(t, joined, "ip link add br-vlan100 type bridge")
	assert.Contains(t, joined, "ip link set br-vlan100 mtu 9000")
	assert.Contains(t, joined, "ip link add link eth0 name eth0.100 type vlan id 100")
	assert.Contains(t, joined, "ip link set eth0.100 master br-vlan100")
	assert.Contains(t, joined, "ip link set eth0.100 up")
	assert.Contains(t, joined, "ip link set br-vlan100 up")
}

func TestEnsureUntaggedNetwork(t *testing.T) {
	m, rec := newTestManager()

	err := m.Ensure(context.Background(), rpc.NetworkSpec{NetworkID: "net2"})
	require.NoError(t, err)

	joined := strings.Join(rec.commands, "\n")
	assert.Contains(t, joined, "ip link add br-default type bridge")
	assert.Contains(t, joined, "ip link set eth0 master br-default")
	assert.Contains(t, joined, "ip link set br-default up")
	assert.NotContains(t, joined, "vlan")
}

func TestDetachMissingTapConverges(t *testing.T) {
	m, rec := newTestManager()

	err := m.DetachTap(context.Background(), rpc.TapRequest{
		VMID: "vm1",
		NIC:  rpc.NICAttachment{MAC: "52:54:00:aa:bb:cc"},
	})
	require.NoError(t, err)
	assert.Empty(t, rec.commands)
}

func TestTapNameDerivation(t *testing.T) {
	name := tapName("vm1", "52:54:00:aa:bb:cc")
	assert.Equal(t, "tap00aabbcc", name)
	assert.LessOrEqual(t, len(name), 15, "tap names must fit IFNAMSIZ")
}
