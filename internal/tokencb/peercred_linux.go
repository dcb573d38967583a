//go:build linux

package tokencb

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// checkPeer verifies the connecting process belongs to the same user.
// The socket path already lives in a 0700 directory; this is the
// second gate for platforms that share the temp directory.
func checkPeer(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		// vsock peers carry no ucred; the transport family itself
		// scopes who can connect.
		return nil
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}
	if credErr != nil {
		return credErr
	}

	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match %d", cred.Uid, os.Getuid())
	}
	return nil
}
