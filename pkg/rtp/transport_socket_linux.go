//go:build linux

package rtp

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptVoicePriority выставляет высокий приоритет сокета для голоса.
// Значение 6 соответствует приоритету интерактивного аудио в Linux qdisc.
func setSockOptVoicePriority(fd uintptr) {
	syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)
}

// setSockOptDSCP устанавливает DSCP маркировку через поле TOS.
// Ошибки игнорируются: в контейнерах опция часто недоступна.
func setSockOptDSCP(fd uintptr, dscp int) {
	tos := dscp << 2
	syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}
