package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// CreateListener binds a TCP listening socket on host:port with SO_REUSEADDR
// (and SO_REUSEPORT) set and an explicit accept backlog, then hands it to
// the Go runtime poller. net.Listen offers no way to pick the backlog, which
// is why the socket is built by hand.
func CreateListener(host string, port, backlog int) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address %s:%d: %w", host, port, err)
	}

	family, sa, err := sockaddrFor(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", os.NewSyscallError("socket", err))
	}
	unix.CloseOnExec(fd)

	closeOnErr := func(err error) (net.Listener, error) {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return closeOnErr(os.NewSyscallError("setnonblock", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return closeOnErr(os.NewSyscallError("setsockopt SO_REUSEADDR", err))
	}
	// Not every kernel has SO_REUSEPORT; failure here is not fatal.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	if err := unix.Bind(fd, sa); err != nil {
		return closeOnErr(fmt.Errorf("failed to bind %s: %w", addr, os.NewSyscallError("bind", err)))
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return closeOnErr(fmt.Errorf("failed to listen on %s: %w", addr, os.NewSyscallError("listen", err)))
	}

	// net.FileListener dups the descriptor; the original is closed either way.
	f := os.NewFile(uintptr(fd), "listener-"+addr.String())
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for %s: %w", addr, err)
	}
	return ln, nil
}

func sockaddrFor(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if addr.IP == nil {
		return unix.AF_INET, &unix.SockaddrInet4{Port: addr.Port}, nil
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		if addr.Zone != "" {
			if ifi, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return unix.AF_INET6, sa, nil
	}
	return 0, nil, fmt.Errorf("unsupported listen address %s", addr)
}

// IsResourceExhaustion reports whether an accept error is caused by process
// or system descriptor/buffer limits. These conditions clear on their own
// once connections close, so the caller should back off rather than fail.
func IsResourceExhaustion(err error) bool {
	return errors.Is(err, unix.EMFILE) ||
		errors.Is(err, unix.ENFILE) ||
		errors.Is(err, unix.ENOBUFS) ||
		errors.Is(err, unix.ENOMEM)
}

// IsTransientAccept reports whether an accept error only means "nothing to
// accept right now": a deadline expiry, EAGAIN, EINTR, or a peer that went
// away before the accept completed.
func IsTransientAccept(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.ECONNABORTED)
}

// IsAddrInUse checks if the error is due to the address already being in use.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}
