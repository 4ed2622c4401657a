package appcontainer

import (
	"fmt"
	"net"
	"strconv"

	"github.com/moby/moby/api/types/network"

	"github.com/davidgeorgehope/livelabs.cc/internal/track"
)

// allocatePorts resolves the track's declared port list into the engine
// binding structures plus the persisted container→host mapping. A zero host
// port is resolved by binding (0.0.0.0, 0) and reading back the kernel's
// choice; the listener is released before the container binds it, and the
// readiness probe surfaces the rare case where the port is taken in between.
func allocatePorts(specs []track.PortSpec) (map[string]int, network.PortSet, network.PortMap, error) {
	if len(specs) == 0 {
		return nil, nil, nil, nil
	}

	ports := make(map[string]int, len(specs))
	exposed := make(network.PortSet, len(specs))
	bindings := make(network.PortMap, len(specs))

	for _, ps := range specs {
		host := ps.Host
		if host == 0 {
			p, err := freeTCPPort()
			if err != nil {
				return nil, nil, nil, fmt.Errorf("allocate host port for %d: %w", ps.Container, err)
			}
			host = p
		}
		port, _ := network.PortFrom(uint16(ps.Container), network.TCP)
		exposed[port] = struct{}{}
		bindings[port] = []network.PortBinding{{HostPort: strconv.Itoa(host)}}
		ports[strconv.Itoa(ps.Container)] = host
	}
	return ports, exposed, bindings, nil
}

// freeTCPPort asks the kernel for an unused TCP port.
func freeTCPPort() (int, error) {
	l, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
