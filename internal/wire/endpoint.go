package wire

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Endpoint families.
const (
	FamilyUDS   = "uds"
	FamilyVsock = "vsock"
)

// Endpoint locates one RPC channel. Path is set for uds, Port for
// vsock.
type Endpoint struct {
	Family string
	Path   string
	Port   uint32
}

// String renders the endpoint as the opaque address handed to the
// other process ("/tmp/ddk-….sock" or "vsock:5101").
func (e Endpoint) String() string {
	if e.Family == FamilyVsock {
		return fmt.Sprintf("vsock:%d", e.Port)
	}
	return e.Path
}

// ParseEndpoint is the inverse of String.
func ParseEndpoint(addr string) (Endpoint, error) {
	if rest, ok := strings.CutPrefix(addr, "vsock:"); ok {
		port, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse vsock port: %w", err)
		}
		return Endpoint{Family: FamilyVsock, Port: uint32(port)}, nil
	}
	if addr == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint address")
	}
	return Endpoint{Family: FamilyUDS, Path: addr}, nil
}

// ForwardEndpoint chooses the forward channel address for a worker:
// <user-tmp>/ddk-<pid>-<pluginId>.sock.
func ForwardEndpoint(family, pluginID string, pid int) Endpoint {
	if family == FamilyVsock {
		return Endpoint{Family: FamilyVsock, Port: vsockPort(pid, 0)}
	}
	return Endpoint{
		Family: FamilyUDS,
		Path:   filepath.Join(socketDir(), fmt.Sprintf("ddk-%d-%s.sock", pid, sanitize(pluginID))),
	}
}

// ReverseEndpoint chooses the token callback address for a worker:
// <user-tmp>/ddk-<pid>-<pluginId>.token.sock.
func ReverseEndpoint(family, pluginID string, pid int) Endpoint {
	if family == FamilyVsock {
		return Endpoint{Family: FamilyVsock, Port: vsockPort(pid, 1)}
	}
	return Endpoint{
		Family: FamilyUDS,
		Path:   filepath.Join(socketDir(), fmt.Sprintf("ddk-%d-%s.token.sock", pid, sanitize(pluginID))),
	}
}

// Listen binds the endpoint. UDS sockets unlink any pre-existing file
// at the path first and are created with owner-only permissions.
func Listen(e Endpoint) (net.Listener, error) {
	switch e.Family {
	case FamilyVsock:
		return vsock.Listen(e.Port, nil)
	default:
		if err := os.MkdirAll(filepath.Dir(e.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create socket dir: %w", err)
		}
		_ = os.Remove(e.Path)
		ln, err := net.Listen("unix", e.Path)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(e.Path, 0o600); err != nil {
			ln.Close()
			return nil, fmt.Errorf("restrict socket: %w", err)
		}
		return ln, nil
	}
}

// Dial connects to the endpoint with a timeout.
func Dial(e Endpoint, timeout time.Duration) (net.Conn, error) {
	switch e.Family {
	case FamilyVsock:
		return vsock.Dial(vsock.Host, e.Port, nil)
	default:
		dialer := net.Dialer{Timeout: timeout}
		return dialer.Dial("unix", e.Path)
	}
}

func socketDir() string {
	dir := os.TempDir()
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		dir = xdg
	}
	return dir
}

// vsockPort derives a per-process port pair; offset 0 is forward,
// 1 is reverse.
func vsockPort(pid, offset int) uint32 {
	return uint32(51000 + (pid%2000)*2 + offset)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
