package tunnel

import (
	"fmt"
	"net"
	"strconv"
)

// Spec is one local port forwarded to a port inside the pod
type Spec struct {
	LocalPort  int
	RemotePort int
	Service    string
}

// DefaultSpecs are the forwards opened for every pod
var DefaultSpecs = []Spec{
	{LocalPort: 8880, RemotePort: 8880, Service: "Kokoro API"},
	{LocalPort: 8881, RemotePort: 8881, Service: "Whisper Service"},
	{LocalPort: 2222, RemotePort: 22, Service: "SSH"},
}

// Endpoint is the pod's public SSH endpoint
type Endpoint struct {
	Host string
	Port int
	User string
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BuildArgs returns the ssh arguments opening every spec on bindAddr
func BuildArgs(ep Endpoint, specs []Spec, bindAddr, keyPath string) []string {
	args := []string{"-4"}
	for _, s := range specs {
		args = append(args, "-L", fmt.Sprintf("%s:%d:127.0.0.1:%d", bindAddr, s.LocalPort, s.RemotePort))
	}

	args = append(args,
		"-o", "ServerAliveInterval=30",
		"-o", "ServerAliveCountMax=3",
		"-o", "TCPKeepAlive=yes",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectionAttempts=60",
		"-N",
		"-T",
		fmt.Sprintf("%s@%s", ep.User, ep.Host),
		"-p", strconv.Itoa(ep.Port),
	)
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	return args
}

// DetectBindAddress returns 0.0.0.0 when this host may listen on all
// interfaces, 127.0.0.1 otherwise
func DetectBindAddress() string {
	l, err := net.Listen("tcp4", "0.0.0.0:0")
	if err != nil {
		return "127.0.0.1"
	}
	_ = l.Close()
	return "0.0.0.0"
}

// Connections returns display rows (service, local address, remote endpoint,
// access URL) for an established session
func Connections(ep Endpoint, specs []Spec, bindAddr string) [][]string {
	rows := [][]string{{"SSH Tunnel", "-", ep.String(), "-"}}
	for _, s := range specs {
		url := fmt.Sprintf("http://localhost:%d", s.LocalPort)
		if s.RemotePort == 22 {
			url = fmt.Sprintf("ssh -p %d %s@localhost", s.LocalPort, ep.User)
		}
		rows = append(rows, []string{
			s.Service,
			net.JoinHostPort(bindAddr, strconv.Itoa(s.LocalPort)),
			net.JoinHostPort(ep.Host, strconv.Itoa(s.RemotePort)),
			url,
		})
	}
	return rows
}
