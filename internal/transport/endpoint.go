package transport

import (
	"fmt"
	"net"
	"strconv"

	"socketkit/util"
)

// Endpoint is the remote side of a connection.
type Endpoint struct {
	Host string
	Port int
}

// ParseEndpoint splits "host:port".
func ParseEndpoint(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port %q", portStr)
	}
	ep := Endpoint{Host: host, Port: port}
	return ep, ep.Validate()
}

// Validate checks the host is present and the port is in 1-65535.
func (e Endpoint) Validate() error {
	if e.Host == "" {
		return fmt.Errorf("endpoint: host is required")
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("endpoint: port %d out of range 1-65535", e.Port)
	}
	return nil
}

// Address returns "host:port", bracketing IPv6 literals.
func (e Endpoint) Address() string {
	return util.FormatAddr(e.Host, e.Port)
}

func (e Endpoint) String() string { return e.Address() }
