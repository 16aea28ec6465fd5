// Package connection describes where a running kernel listens and how peers
// authenticate with it.
//
// An Info value is the in-memory form of the connection file handed to the
// kernel at launch. The file's JSON shape is the contract between the
// supervisor and the kernel process; field tags must stay stable.
package connection

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/docker/go-connections/nat"
)

// Transport selects how channel endpoints are addressed.
type Transport string

const (
	// TransportTCP binds every channel to a TCP port on a single host.
	TransportTCP Transport = "tcp"
	// TransportIPC binds every channel to a local socket path sharing a common
	// prefix.
	TransportIPC Transport = "ipc"
)

// DefaultSignatureScheme is used when a descriptor does not name one.
const DefaultSignatureScheme = "hmac-sha256"

// DefaultIP is the interface TCP endpoints bind to by default.
const DefaultIP = "127.0.0.1"

// Role identifies one of the five kernel channels.
type Role string

const (
	RoleShell   Role = "shell"
	RoleIOPub   Role = "iopub"
	RoleStdin   Role = "stdin"
	RoleControl Role = "control"
	RoleHB      Role = "hb"
)

// Roles lists every channel role in allocation order.
var Roles = []Role{RoleShell, RoleIOPub, RoleStdin, RoleControl, RoleHB}

// Info is the connection descriptor for a single kernel process.
type Info struct {
	Transport       Transport `json:"transport"`
	IP              string    `json:"ip"`
	Key             string    `json:"key"`
	SignatureScheme string    `json:"signature_scheme"`
	ShellPort       int       `json:"shell_port"`
	IOPubPort       int       `json:"iopub_port"`
	StdinPort       int       `json:"stdin_port"`
	HBPort          int       `json:"hb_port"`
	ControlPort     int       `json:"control_port"`
	KernelName      string    `json:"kernel_name,omitempty"`
}

// Port returns the endpoint number assigned to role. For IPC transports the
// number is the numeric suffix of the socket path.
func (i Info) Port(role Role) int {
	switch role {
	case RoleShell:
		return i.ShellPort
	case RoleIOPub:
		return i.IOPubPort
	case RoleStdin:
		return i.StdinPort
	case RoleControl:
		return i.ControlPort
	case RoleHB:
		return i.HBPort
	default:
		return 0
	}
}

func (i *Info) setPort(role Role, port int) {
	switch role {
	case RoleShell:
		i.ShellPort = port
	case RoleIOPub:
		i.IOPubPort = port
	case RoleStdin:
		i.StdinPort = port
	case RoleControl:
		i.ControlPort = port
	case RoleHB:
		i.HBPort = port
	}
}

// Address returns the network and address suitable for net.Dial or
// net.Listen for the given role.
func (i Info) Address(role Role) (network, address string) {
	port := i.Port(role)
	if i.Transport == TransportIPC {
		return "unix", ipcPath(i.IP, port)
	}
	return "tcp", net.JoinHostPort(i.IP, strconv.Itoa(port))
}

// Endpoint renders the URL-style endpoint for role, e.g. tcp://127.0.0.1:5555
// or ipc:///tmp/kernel-ab12-1.
func (i Info) Endpoint(role Role) string {
	_, address := i.Address(role)
	return string(i.Transport) + "://" + address
}

// Endpoints returns the rendered endpoint for every role.
func (i Info) Endpoints() map[Role]string {
	out := make(map[Role]string, len(Roles))
	for _, role := range Roles {
		out[role] = i.Endpoint(role)
	}
	return out
}

// PortSet returns the TCP ports claimed by the descriptor. IPC descriptors
// return an empty set since their endpoints are paths.
func (i Info) PortSet() nat.PortSet {
	set := nat.PortSet{}
	if i.Transport != TransportTCP {
		return set
	}
	for _, role := range Roles {
		port, err := nat.NewPort("tcp", strconv.Itoa(i.Port(role)))
		if err != nil {
			continue
		}
		set[port] = struct{}{}
	}
	return set
}

// Overlaps reports whether the two descriptors share any endpoint.
func (i Info) Overlaps(other Info) bool {
	if i.Transport != other.Transport {
		return false
	}
	if i.Transport == TransportTCP {
		if i.IP != other.IP {
			return false
		}
		ports := i.PortSet()
		for port := range other.PortSet() {
			if _, ok := ports[port]; ok {
				return true
			}
		}
		return false
	}
	seen := make(map[string]struct{}, len(Roles))
	for _, role := range Roles {
		_, addr := i.Address(role)
		seen[addr] = struct{}{}
	}
	for _, role := range Roles {
		_, addr := other.Address(role)
		if _, ok := seen[addr]; ok {
			return true
		}
	}
	return false
}

// Validate checks the descriptor: a known transport, all five
// endpoints present and mutually distinct.
func (i Info) Validate() error {
	switch i.Transport {
	case TransportTCP, TransportIPC:
	default:
		return fmt.Errorf("connection: unknown transport %q", i.Transport)
	}
	if i.IP == "" {
		return errors.New("connection: ip must not be empty")
	}
	seen := make(map[int]Role, len(Roles))
	for _, role := range Roles {
		port := i.Port(role)
		if port <= 0 {
			return fmt.Errorf("connection: %s_port is not set", role)
		}
		if i.Transport == TransportTCP {
			if _, err := nat.NewPort("tcp", strconv.Itoa(port)); err != nil {
				return fmt.Errorf("connection: %s_port: %w", role, err)
			}
		}
		if prev, dup := seen[port]; dup {
			return fmt.Errorf("connection: %s_port duplicates %s_port (%d)", role, prev, port)
		}
		seen[port] = role
	}
	return nil
}

func ipcPath(prefix string, n int) string {
	return prefix + "-" + strconv.Itoa(n)
}
