package rtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"
)

// DTLSTransport реализует Transport поверх DTLS соединения.
// Используется для медиа плеч, которые SBC терминирует с шифрованием.
// Семантика Receive та же, что у UDP транспорта: короткие и невалидные
// пакеты отбрасываются молча.
type DTLSTransport struct {
	conn       net.Conn
	dtlsConn   *dtls.Conn
	localAddr  net.Addr
	remoteAddr net.Addr
	config     DTLSTransportConfig

	active bool
	mutex  sync.RWMutex
}

// DTLSTransportConfig - конфигурация DTLS транспорта
type DTLSTransportConfig struct {
	TransportConfig

	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
	ServerName         string
	InsecureSkipVerify bool

	// PSK для окружений без PKI
	PSK             func([]byte) ([]byte, error)
	PSKIdentityHint []byte

	CipherSuites     []dtls.CipherSuiteID
	HandshakeTimeout time.Duration
	MTU              int
}

// DefaultDTLSTransportConfig возвращает конфигурацию DTLS по умолчанию
func DefaultDTLSTransportConfig() DTLSTransportConfig {
	return DTLSTransportConfig{
		TransportConfig:  DefaultTransportConfig(),
		HandshakeTimeout: 30 * time.Second,
		MTU:              1200,
		CipherSuites: []dtls.CipherSuiteID{
			dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			dtls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// NewDTLSTransportClient создает DTLS транспорт и выполняет рукопожатие как клиент
func NewDTLSTransportClient(config DTLSTransportConfig) (*DTLSTransport, error) {
	if config.RemoteAddr == "" {
		return nil, fmt.Errorf("удаленный адрес обязателен для DTLS клиента")
	}
	applyDTLSDefaults(&config)

	remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	conn, err := net.Dial("udp", config.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	transport := &DTLSTransport{
		conn:       conn,
		localAddr:  conn.LocalAddr(),
		remoteAddr: remoteAddr,
		config:     config,
		active:     true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.HandshakeTimeout)
	defer cancel()

	dtlsConn, err := dtls.ClientWithContext(ctx, conn, transport.buildDTLSConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка DTLS рукопожатия: %w", err)
	}
	transport.dtlsConn = dtlsConn

	return transport, nil
}

// NewDTLSTransportServer создает DTLS транспорт в режиме сервера.
// Рукопожатие выполняется лениво при первом Receive.
func NewDTLSTransportServer(config DTLSTransportConfig) (*DTLSTransport, error) {
	applyDTLSDefaults(&config)

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

	return &DTLSTransport{
		conn:      conn,
		localAddr: conn.LocalAddr(),
		config:    config,
		active:    true,
	}, nil
}

func applyDTLSDefaults(config *DTLSTransportConfig) {
	if config.BufferSize == 0 {
		config.BufferSize = MaxRTPPacketSize
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = 30 * time.Second
	}
	if config.MTU == 0 {
		config.MTU = 1200
	}
}

// buildDTLSConfig создает конфигурацию pion/dtls
func (t *DTLSTransport) buildDTLSConfig() *dtls.Config {
	return &dtls.Config{
		Certificates:         t.config.Certificates,
		RootCAs:              t.config.RootCAs,
		ServerName:           t.config.ServerName,
		CipherSuites:         t.config.CipherSuites,
		InsecureSkipVerify:   t.config.InsecureSkipVerify,
		PSK:                  t.config.PSK,
		PSKIdentityHint:      t.config.PSKIdentityHint,
		MTU:                  t.config.MTU,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), t.config.HandshakeTimeout)
		},
	}
}

// acceptDTLS выполняет серверное рукопожатие при первом входящем соединении
func (t *DTLSTransport) acceptDTLS() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.HandshakeTimeout)
	defer cancel()

	dtlsConn, err := dtls.ServerWithContext(ctx, t.conn, t.buildDTLSConfig())
	if err != nil {
		return fmt.Errorf("ошибка принятия DTLS соединения: %w", err)
	}

	t.mutex.Lock()
	t.dtlsConn = dtlsConn
	t.remoteAddr = dtlsConn.RemoteAddr()
	t.mutex.Unlock()

	return nil
}

// Send отправляет RTP пакет через DTLS
func (t *DTLSTransport) Send(packet *rtp.Packet) error {
	t.mutex.RLock()
	active := t.active
	dtlsConn := t.dtlsConn
	t.mutex.RUnlock()

	if !active {
		return fmt.Errorf("транспорт не активен")
	}
	if dtlsConn == nil {
		return fmt.Errorf("DTLS соединение не установлено")
	}

	if err := validateRTPHeader(&packet.Header); err != nil {
		return fmt.Errorf("невалидный RTP заголовок для отправки: %w", err)
	}

	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("ошибка маршалинга RTP пакета: %w", err)
	}

	if _, err := dtlsConn.Write(data); err != nil {
		return classifyNetworkError("DTLS write", err)
	}
	return nil
}

// Receive получает следующий валидный RTP пакет через DTLS
func (t *DTLSTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	t.mutex.RLock()
	active := t.active
	dtlsConn := t.dtlsConn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return nil, nil, fmt.Errorf("транспорт не активен")
	}

	if dtlsConn == nil {
		if err := t.acceptDTLS(); err != nil {
			return nil, nil, err
		}
		t.mutex.RLock()
		dtlsConn = t.dtlsConn
		t.mutex.RUnlock()
	}

	buffer := make([]byte, bufferSize)

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}

		dtlsConn.SetReadDeadline(time.Now().Add(time.Millisecond * 100))

		n, err := dtlsConn.Read(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return nil, nil, classifyNetworkError("DTLS read", err)
		}

		if n < MinRTPPacketSize {
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buffer[:n]); err != nil {
			continue
		}
		if err := validateRTPHeader(&packet.Header); err != nil {
			continue
		}

		return packet, t.RemoteAddr(), nil
	}
}

// LocalAddr возвращает локальный адрес
func (t *DTLSTransport) LocalAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.localAddr
}

// RemoteAddr возвращает удаленный адрес
func (t *DTLSTransport) RemoteAddr() net.Addr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.remoteAddr
}

// SetRemoteAddr устанавливает удаленный адрес (до рукопожатия)
func (t *DTLSTransport) SetRemoteAddr(addr string) error {
	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("ошибка разрешения удаленного адреса: %w", err)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.remoteAddr = remoteAddr
	return nil
}

// ExportKeyingMaterial экспортирует ключевой материал (для SRTP профилей)
func (t *DTLSTransport) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	t.mutex.RLock()
	dtlsConn := t.dtlsConn
	t.mutex.RUnlock()

	if dtlsConn == nil {
		return nil, fmt.Errorf("DTLS соединение не установлено")
	}

	state := dtlsConn.ConnectionState()
	return state.ExportKeyingMaterial(label, context, length)
}

// Close закрывает DTLS и нижележащий UDP сокет
func (t *DTLSTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	var firstErr error
	if t.dtlsConn != nil {
		if err := t.dtlsConn.Close(); err != nil {
			firstErr = fmt.Errorf("ошибка закрытия DTLS соединения: %w", err)
		}
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("ошибка закрытия UDP соединения: %w", err)
		}
	}
	return firstErr
}

// IsActive проверяет активность транспорта
func (t *DTLSTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}
