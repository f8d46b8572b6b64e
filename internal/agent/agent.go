// Package agent is the per-node executor: it connects out to the
// controller, registers, heartbeats, and runs hypervisor, storage, and
// bridge work dispatched over the RPC connection.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cloudpasture.io/corral/internal/agent/hypervisor"
	"cloudpasture.io/corral/internal/agent/network"
	"cloudpasture.io/corral/internal/agent/storage"
	"cloudpasture.io/corral/internal/config"
	"cloudpasture.io/corral/internal/pkg/logger"
	"cloudpasture.io/corral/internal/pkg/worker"
	"cloudpasture.io/corral/internal/rpc"
)

// Agent is one node's executor.
type Agent struct {
	cfg   *config.AgentConfig
	hv    *hypervisor.Driver
	disp  *dispatcher
	pools *worker.Pools
}

// New assembles the agent from configuration.
func New(ctx context.Context, cfg *config.AgentConfig) (*Agent, error) {
	hv, err := hypervisor.New(cfg.LibvirtSocket)
	if err != nil {
		return nil, fmt.Errorf("hypervisor driver: %w", err)
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize: 16,
		DriverPoolSize:  cfg.DriverPoolSize,
	})
	if err != nil {
		_ = hv.Close()
		return nil, fmt.Errorf("worker pools: %w", err)
	}

	netMgr := network.NewManager(cfg.Network.ProviderInterface, cfg.Network.DefaultBridge)
	disp := newDispatcher(hv, storage.NewManager(), netMgr, newTaskCache())

	return &Agent{
		cfg:   cfg,
		hv:    hv,
		disp:  disp,
		pools: pools,
	}, nil
}

// Run connects to the controller and serves RPC until ctx is
// cancelled, reconnecting with a fixed backoff on any close.
func (a *Agent) Run(ctx context.Context) error {
	wsURL, err := agentWSURL(a.cfg.ControllerURL)
	if err != nil {
		return err
	}

	for {
		if err := a.serveOnce(ctx, wsURL); err != nil {
			logger.Warn("Connection lost", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(a.cfg.ReconnectBackoff):
		}
	}
}

// Shutdown releases pools and the hypervisor connection.
func (a *Agent) Shutdown() {
	a.pools.Shutdown()
	if err := a.hv.Close(); err != nil {
		logger.Warn("Hypervisor close failed", zap.Error(err))
	}
}

// serveOnce dials, registers, and pumps one connection to completion.
func (a *Agent) serveOnce(ctx context.Context, wsURL string) error {
	logger.Info("Connecting to controller", zap.String("url", wsURL))
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}

	mux := a.disp.mux()
	conn := rpc.NewConn(ws, mux, logger.L().Named("agent-rpc"))
	a.disp.streams = conn

	// Driver work must not stall the read loop.
	conn.SetSubmitter(func(fn func()) {
		if err := a.pools.SubmitDetached("driver", func(context.Context) { fn() }); err != nil {
			logger.Error("Driver pool submit failed", zap.Error(err))
		}
	})

	if err := a.register(ws, mux); err != nil {
		_ = ws.Close()
		return err
	}
	logger.Info("Registered with controller", zap.String("node_id", a.cfg.NodeID))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(runCtx, conn)
	go a.reportResources(conn)

	conn.Run(runCtx)
	return fmt.Errorf("connection closed")
}

// register performs the mandatory handshake: node.register must be the
// first frame and its response must accept us.
func (a *Agent) register(ws *websocket.Conn, mux *rpc.Mux) error {
	req := rpc.RegisterRequest{
		NodeID:    a.cfg.NodeID,
		Hostname:  hostname(),
		IPAddress: localAddress(a.cfg.ControllerURL),
		Token:     a.cfg.SharedSecret,
		Methods:   mux.Methods(),
	}
	msg, err := rpc.NewRequest(rpc.MethodRegister, req)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer ws.SetReadDeadline(time.Time{})
	_, respData, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("await registration response: %w", err)
	}
	resp, err := rpc.Decode(respData)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("registration rejected: %s: %s", resp.Error.Code, resp.Error.Message)
	}
	var ack rpc.RegisterResponse
	if err := json.Unmarshal(resp.Payload, &ack); err != nil || !ack.Accepted {
		return fmt.Errorf("registration not accepted")
	}
	return nil
}

// heartbeatLoop emits the heartbeat notification on its interval.
func (a *Agent) heartbeatLoop(ctx context.Context, conn *rpc.Conn) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			err := conn.Notify(rpc.MethodHeartbeat, rpc.HeartbeatPayload{
				NodeID:    a.cfg.NodeID,
				Timestamp: time.Now().Unix(),
				Status:    "online",
			})
			if err != nil {
				return
			}
		}
	}
}

// reportResources sends the capacity report once per connection.
func (a *Agent) reportResources(conn *rpc.Conn) {
	hvType, hvVersion := a.hv.Version()
	info := collectResourceInfo(a.cfg.NodeID, a.cfg.DataDir, hvType, hvVersion)
	if err := conn.Notify(rpc.MethodNodeResourceInfo, info); err != nil {
		logger.Warn("Resource report failed", zap.Error(err))
	}
}

// agentWSURL derives the agent endpoint from the controller base URL.
func agentWSURL(controllerURL string) (string, error) {
	u, err := url.Parse(controllerURL)
	if err != nil {
		return "", fmt.Errorf("parse controller url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported controller url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/agent"
	return u.String(), nil
}
