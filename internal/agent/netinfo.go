package agent

import (
	"net"
	"net/url"
	"os"
)

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// localAddress discovers the address this host uses to reach the
// controller, which is the address the controller can reach us on in
// flat deployments.
func localAddress(controllerURL string) string {
	u, err := url.Parse(controllerURL)
	if err != nil {
		return ""
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "80")
	}
	conn, err := net.Dial("udp", host)
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	return addr
}
