package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// AgentConfig is the node agent's root configuration structure.
type AgentConfig struct {
	ControllerURL string `mapstructure:"controller_url"`

	// NodeID identifies this host; generated and persisted on first boot
	// when empty.
	NodeID string `mapstructure:"node_id"`

	// SharedSecret must match the controller's auth.agent_secret.
	SharedSecret string `mapstructure:"shared_secret"`

	Network NetworkAgentConfig `mapstructure:"network"`

	// DataDir holds the persisted node id and volume scratch space.
	DataDir string `mapstructure:"data_dir"`

	LibvirtSocket     string        `mapstructure:"libvirt_socket"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DriverPoolSize    int           `mapstructure:"driver_pool_size"`

	Log LogConfig `mapstructure:"log"`
}

// NetworkAgentConfig describes host networking for bridge materialization.
type NetworkAgentConfig struct {
	// ProviderInterface is the physical NIC VLAN sub-interfaces hang off.
	ProviderInterface string `mapstructure:"provider_interface"`

	// DefaultBridge is the untagged bridge name.
	DefaultBridge string `mapstructure:"default_bridge"`
}

// LoadAgent reads agent configuration from file and environment.
// Environment variables use the AGENT_ prefix: AGENT_CONTROLLER_URL,
// AGENT_SHARED_SECRET, AGENT_NETWORK_PROVIDER_INTERFACE, ...
func LoadAgent() (*AgentConfig, error) {
	v := viper.New()

	v.SetConfigName("agent")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/corral")

	v.SetEnvPrefix("agent")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setAgentDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read agent config: %w", err)
		}
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal agent config: %w", err)
	}

	if cfg.NodeID == "" {
		id, err := ensureNodeID(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("ensure node id: %w", err)
		}
		cfg.NodeID = id
	}

	if cfg.ControllerURL == "" {
		return nil, fmt.Errorf("controller_url must not be empty")
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared_secret must not be empty")
	}

	return &cfg, nil
}

// ensureNodeID reads the persisted node identity, generating one on
// first boot so re-registration after restart keeps the same node row.
func ensureNodeID(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	idPath := filepath.Join(dataDir, "node-id")

	if b, err := os.ReadFile(idPath); err == nil {
		id := strings.TrimSpace(string(b))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.New().String()
	if err := os.WriteFile(idPath, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

func setAgentDefaults(v *viper.Viper) {
	v.SetDefault("controller_url", "")
	v.SetDefault("node_id", "")
	v.SetDefault("shared_secret", "")
	v.SetDefault("data_dir", "/var/lib/corral-agent")
	v.SetDefault("libvirt_socket", "/var/run/libvirt/libvirt-sock")
	v.SetDefault("reconnect_backoff", "5s")
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("driver_pool_size", 16)
	v.SetDefault("network.provider_interface", "eth0")
	v.SetDefault("network.default_bridge", "br-default")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
