package sprotocol

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerOf reads the credentials of the connected process.
func peerOf(conn *net.UnixConn) Peer {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Peer{}
	}
	var cred *unix.Ucred
	raw.Control(func(fd uintptr) {
		cred, err = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || cred == nil {
		return Peer{}
	}
	return Peer{PID: int(cred.Pid), UID: cred.Uid, GID: cred.Gid}
}
