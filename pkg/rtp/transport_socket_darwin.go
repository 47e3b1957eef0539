//go:build darwin

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptVoicePriority - на macOS нет SO_PRIORITY, используем
// SO_NOSIGPIPE как базовую настройку сокета
func setSockOptVoicePriority(fd uintptr) {
	syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}

// setSockOptDSCP устанавливает DSCP маркировку через поле TOS.
// macOS может требовать повышенных привилегий, ошибки игнорируются.
func setSockOptDSCP(fd uintptr, dscp int) {
	tos := dscp << 2
	syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}
