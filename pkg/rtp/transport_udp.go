package rtp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// UDPTransport реализует Transport для UDP.
// Оптимизирован для телефонии: низкая латентность, DSCP маркировка EF.
//
// Удаленный адрес обновляется по последнему наблюдаемому источнику
// (last-seen wins): это прозрачно переживает NAT rebinding ценой
// спуфабельности, что приемлемо для данной модели доверия - адрес
// подтверждается корреляцией на уровне сигнализации.
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	config     TransportConfig

	droppedShort uint64 // Пакеты короче минимального заголовка (молча отброшены)

	active bool
	mutex  sync.RWMutex
}

// NewUDPTransport создает UDP транспорт и привязывает локальный сокет.
// Ошибка привязки фатальна для старта сессии и возвращается вызывающему.
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = MaxRTPPacketSize
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка привязки UDP сокета: %w", err)
	}

	if err := tuneSocketForVoice(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	transport := &UDPTransport{
		conn:   conn,
		config: config,
		active: true,
	}

	if config.RemoteAddr != "" {
		remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
		}
		transport.remoteAddr = remoteAddr
	}

	return transport, nil
}

// Send отправляет RTP пакет по UDP
func (t *UDPTransport) Send(packet *rtp.Packet) error {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	remoteAddr := t.remoteAddr
	t.mutex.RUnlock()

	if !active {
		return fmt.Errorf("транспорт не активен")
	}
	if remoteAddr == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}

	if err := validateRTPHeader(&packet.Header); err != nil {
		return fmt.Errorf("невалидный RTP заголовок для отправки: %w", err)
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}

	if len(data) > MaxRTPPacketSize {
		return fmt.Errorf("исходящий пакет превышает MTU: %d байт", len(data))
	}

	if _, err := conn.WriteToUDP(data, remoteAddr); err != nil {
		return classifyNetworkError("UDP write", err)
	}

	return nil
}

// Receive получает следующий валидный RTP пакет по UDP.
// Датаграммы короче минимального заголовка и пакеты с некорректным
// заголовком отбрасываются молча, чтение продолжается.
func (t *UDPTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return nil, nil, fmt.Errorf("транспорт не активен")
	}

	buffer := make([]byte, bufferSize)

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		// Таймаут чтения, чтобы не блокироваться при отмене контекста
		conn.SetReadDeadline(time.Now().Add(time.Millisecond * 100))

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil, nil, classifyNetworkError("UDP read", err)
		}

		if n < MinRTPPacketSize {
			// Мусорная датаграмма, не влияет на поток
			t.mutex.Lock()
			t.droppedShort++
			t.mutex.Unlock()
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buffer[:n]); err != nil {
			continue
		}
		if err := validateRTPHeader(&packet.Header); err != nil {
			continue
		}

		t.learnRemoteAddr(addr)

		return packet, addr, nil
	}
}

// learnRemoteAddr обновляет удаленный адрес по наблюдаемому источнику.
// Последний увиденный источник выигрывает (NAT rebinding).
func (t *UDPTransport) learnRemoteAddr(addr *net.UDPAddr) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.remoteAddr == nil || !t.remoteAddr.IP.Equal(addr.IP) || t.remoteAddr.Port != addr.Port {
		t.remoteAddr = addr
	}
}

// LocalAddr возвращает локальный адрес сокета
func (t *UDPTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// RemoteAddr возвращает текущий удаленный адрес
func (t *UDPTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.remoteAddr == nil {
		return nil
	}
	return t.remoteAddr
}

// SetRemoteAddr устанавливает удаленный адрес из сигнализации до прихода трафика
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.remoteAddr = remoteAddr

	return nil
}

// DroppedShortPackets возвращает число молча отброшенных коротких датаграмм
func (t *UDPTransport) DroppedShortPackets() uint64 {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.droppedShort
}

// Close закрывает транспорт, синхронно освобождая сокет
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// IsActive проверяет активность транспорта
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

// tuneSocketForVoice применяет платформо-специфичные оптимизации сокета
// для голосового трафика (приоритет, DSCP EF)
func tuneSocketForVoice(conn *net.UDPConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	return rawConn.Control(func(fd uintptr) {
		// Ошибки настройки не фатальны: контейнеры и урезанные
		// окружения часто запрещают эти опции
		setSockOptVoicePriority(fd)
		setSockOptDSCP(fd, DSCPExpeditedForwarding)
	})
}

// DSCPExpeditedForwarding - DSCP класс EF (46) для голосового трафика
const DSCPExpeditedForwarding = 46
