//go:build !linux && !darwin

package rtp

// Платформы без поддерживаемых QoS опций: настройки сокета пропускаются

func setSockOptVoicePriority(fd uintptr) {}

func setSockOptDSCP(fd uintptr, dscp int) {}
