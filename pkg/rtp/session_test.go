package rtp

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/cwschroeder/ki-workshop-sub001/pkg/codec"
)

// mockTransport имитирует транспорт для unit тестов сессии
type mockTransport struct {
	mutex       sync.Mutex
	sentPackets []*rtp.Packet
	inbound     chan *rtp.Packet
	sendErr     error
	remoteAddr  net.Addr
	active      bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		inbound:    make(chan *rtp.Packet, 100),
		remoteAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5006},
		active:     true,
	}
}

func (mt *mockTransport) Send(packet *rtp.Packet) error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	if mt.sendErr != nil {
		return mt.sendErr
	}
	mt.sentPackets = append(mt.sentPackets, packet)
	return nil
}

func (mt *mockTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	select {
	case packet := <-mt.inbound:
		return packet, mt.remoteAddr, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (mt *mockTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004}
}

func (mt *mockTransport) RemoteAddr() net.Addr { return mt.remoteAddr }

func (mt *mockTransport) SetRemoteAddr(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	mt.remoteAddr = udpAddr
	return nil
}

func (mt *mockTransport) Close() error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	mt.active = false
	return nil
}

func (mt *mockTransport) IsActive() bool {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	return mt.active
}

func (mt *mockTransport) sent() []*rtp.Packet {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	out := make([]*rtp.Packet, len(mt.sentPackets))
	copy(out, mt.sentPackets)
	return out
}

func (mt *mockTransport) setSendErr(err error) {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	mt.sendErr = err
}

func newTestSession(t *testing.T, transport Transport) *Session {
	t.Helper()
	session, err := NewSession(SessionConfig{
		PayloadType: codec.PayloadTypePCMU,
		Transport:   transport,
	})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}
	return session
}

// pcmFrame возвращает 20 мс PCM фрейм с постоянной амплитудой
func pcmFrame(amplitude int16) []byte {
	frame := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(amplitude))
	}
	return frame
}

func TestSessionRequiresTransport(t *testing.T) {
	_, err := NewSession(SessionConfig{PayloadType: codec.PayloadTypePCMU})
	if err == nil {
		t.Fatal("ожидалась ошибка без транспорта")
	}
}

func TestSessionRejectsUnknownPayloadType(t *testing.T) {
	_, err := NewSession(SessionConfig{
		PayloadType: codec.PayloadType(42),
		Transport:   newMockTransport(),
	})
	if err == nil {
		t.Fatal("ожидалась ошибка для неизвестного payload типа")
	}
}

func TestSessionRandomInitialState(t *testing.T) {
	// Стартовый sequence number занимает 16 бит, иначе ломается
	// арифметика оборота счетчика при усечении в uint16
	seen := make(map[uint32]bool)
	for i := 0; i < 8; i++ {
		session := newTestSession(t, newMockTransport())
		if session.sequenceNumber > 0xFFFF {
			t.Fatalf("стартовый sequence number вне 16 бит: %d", session.sequenceNumber)
		}
		seen[session.SSRC()] = true
	}
	if len(seen) < 2 {
		t.Error("SSRC не меняется между сессиями")
	}
}

func TestRTPHeaderWireFormat(t *testing.T) {
	transport := newMockTransport()
	session := newTestSession(t, transport)

	// Фиксируем счетчики для проверки сериализации заголовка
	session.sequenceNumber = 5
	session.timestamp = 800
	session.ssrc = 0x12345678

	if err := session.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer session.Stop()

	session.SetMarkerForNextPacket()
	if err := session.SendAudio(pcmFrame(0)); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}

	packets := transport.sent()
	if len(packets) != 1 {
		t.Fatalf("ожидался один пакет, отправлено %d", len(packets))
	}

	raw, err := packets[0].Marshal()
	if err != nil {
		t.Fatalf("ошибка сериализации: %v", err)
	}

	// version=2, padding=0, extension=0, CC=0 -> 0x80
	if raw[0] != 0x80 {
		t.Errorf("байт 0: ожидался 0x80, получен 0x%02X", raw[0])
	}
	// marker=1 | payload type 0 (PCMU) -> 0x80
	if raw[1] != 0x80 {
		t.Errorf("байт 1: ожидался 0x80, получен 0x%02X", raw[1])
	}
	if raw[2] != 0x00 || raw[3] != 0x05 {
		t.Errorf("sequence number: получено 0x%02X%02X", raw[2], raw[3])
	}
	if raw[4] != 0x00 || raw[5] != 0x00 || raw[6] != 0x03 || raw[7] != 0x20 {
		t.Errorf("timestamp: получено % X", raw[4:8])
	}
	if binary.BigEndian.Uint32(raw[8:12]) != 0x12345678 {
		t.Errorf("SSRC: получено 0x%08X", binary.BigEndian.Uint32(raw[8:12]))
	}

	// Marker одноразовый: второй пакет идет без него
	if err := session.SendAudio(pcmFrame(0)); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}
	second := transport.sent()[1]
	if second.Marker {
		t.Error("marker бит должен сбрасываться после первого пакета")
	}
	if second.SequenceNumber != 6 {
		t.Errorf("sequence number: ожидался 6, получен %d", second.SequenceNumber)
	}
	if second.Timestamp != 960 {
		t.Errorf("timestamp: ожидался 960, получен %d", second.Timestamp)
	}
}

func TestSequenceTimestampWraparound(t *testing.T) {
	transport := newMockTransport()
	session := newTestSession(t, transport)

	session.sequenceNumber = 12345
	session.timestamp = 0xFFFFFF00

	if err := session.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer session.Stop()

	frame := pcmFrame(0)
	for i := 0; i < 65536; i++ {
		if err := session.SendAudio(frame); err != nil {
			t.Fatalf("ошибка отправки на итерации %d: %v", i, err)
		}
	}

	// 65536 фреймов возвращают sequence number к исходному значению
	if got := session.SequenceNumber(); got != 12345 {
		t.Errorf("sequence number после оборота: ожидался 12345, получен %d", got)
	}

	// Timestamp продвинулся на 65536*160 по модулю 2^32
	base := uint32(0xFFFFFF00)
	want := base + 65536*160
	if got := session.Timestamp(); got != want {
		t.Errorf("timestamp после оборота: ожидался %d, получен %d", want, got)
	}
}

func TestCountersAdvanceOnSendFailure(t *testing.T) {
	transport := newMockTransport()
	session := newTestSession(t, transport)

	if err := session.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer session.Stop()

	startSeq := session.SequenceNumber()

	transport.setSendErr(fmt.Errorf("сеть недоступна"))
	if err := session.SendAudio(pcmFrame(0)); err != nil {
		t.Fatalf("ошибка отправки не должна подниматься: %v", err)
	}

	// Счетчики продвинулись несмотря на сбой
	if got := session.SequenceNumber(); got != startSeq+1 {
		t.Errorf("sequence number не продвинулся при сбое: %d -> %d", startSeq, got)
	}

	stats := session.GetStatistics()
	if stats.SendFailures != 1 {
		t.Errorf("ожидался 1 сбой отправки, учтено %d", stats.SendFailures)
	}
	if stats.PacketsSent != 0 {
		t.Errorf("сбойный пакет не должен считаться отправленным")
	}

	// Следующий пакет после восстановления уходит со следующим номером
	transport.setSendErr(nil)
	if err := session.SendAudio(pcmFrame(0)); err != nil {
		t.Fatalf("ошибка отправки: %v", err)
	}
	packets := transport.sent()
	if len(packets) != 1 {
		t.Fatalf("ожидался один доставленный пакет, получено %d", len(packets))
	}
	if packets[0].SequenceNumber != startSeq+1 {
		t.Errorf("после сбоя ожидался номер %d, получен %d", startSeq+1, packets[0].SequenceNumber)
	}
}

func TestInboundAudioDecoded(t *testing.T) {
	received := make(chan []byte, 10)

	transport := newMockTransport()
	session, err := NewSession(SessionConfig{
		PayloadType: codec.PayloadTypePCMU,
		Transport:   transport,
		OnAudioReceived: func(pcm []byte, _ net.Addr) {
			received <- pcm
		},
	})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}

	if err := session.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer session.Stop()

	// 160 байт μ-law тишины (0xFF = закодированный ноль)
	payload := make([]byte, 160)
	for i := range payload {
		payload[i] = 0xFF
	}
	transport.inbound <- &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: uint8(codec.PayloadTypePCMU),
			SSRC:        0xCAFE,
		},
		Payload: payload,
	}

	select {
	case pcm := <-received:
		if len(pcm) != 320 {
			t.Errorf("ожидалось 320 байт PCM, получено %d", len(pcm))
		}
		for i := 0; i < len(pcm); i += 2 {
			if s := int16(binary.LittleEndian.Uint16(pcm[i:])); s != 0 {
				t.Fatalf("сэмпл %d: ожидался 0, получен %d", i/2, s)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("входящий пакет не дошел до обработчика")
	}

	stats := session.GetStatistics()
	if stats.PacketsReceived != 1 {
		t.Errorf("ожидался 1 принятый пакет, учтено %d", stats.PacketsReceived)
	}
}

func TestInboundUnknownPayloadDropped(t *testing.T) {
	received := make(chan []byte, 10)

	transport := newMockTransport()
	session, err := NewSession(SessionConfig{
		PayloadType: codec.PayloadTypePCMU,
		Transport:   transport,
		OnAudioReceived: func(pcm []byte, _ net.Addr) {
			received <- pcm
		},
	})
	if err != nil {
		t.Fatalf("ошибка создания сессии: %v", err)
	}
	if err := session.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer session.Stop()

	transport.inbound <- &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96},
		Payload: []byte{1, 2, 3},
	}

	select {
	case <-received:
		t.Fatal("пакет с неизвестным payload типом не должен декодироваться")
	case <-time.After(200 * time.Millisecond):
	}

	if stats := session.GetStatistics(); stats.DecodeDrops != 1 {
		t.Errorf("ожидался 1 отброшенный пакет, учтено %d", stats.DecodeDrops)
	}
}

func TestSendSilencePacedAndMarked(t *testing.T) {
	transport := newMockTransport()
	session := newTestSession(t, transport)

	if err := session.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer session.Stop()

	if err := session.SendSilence(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatalf("ошибка отправки тишины: %v", err)
	}

	packets := transport.sent()
	if len(packets) != 5 {
		t.Fatalf("ожидалось 5 фреймов тишины, отправлено %d", len(packets))
	}
	if !packets[0].Marker {
		t.Error("первый фрейм пачки должен нести marker бит")
	}
	for i, p := range packets[1:] {
		if p.Marker {
			t.Errorf("фрейм %d не должен нести marker бит", i+1)
		}
	}
	for i, p := range packets {
		for _, b := range p.Payload {
			if b != 0xFF { // μ-law ноль
				t.Fatalf("фрейм %d содержит не-тишину: 0x%02X", i, b)
			}
		}
	}
}

func TestSendSilenceCancellable(t *testing.T) {
	transport := newMockTransport()
	session := newTestSession(t, transport)

	if err := session.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer session.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := session.SendSilence(ctx, 10*time.Second)
	if err == nil {
		t.Fatal("ожидалась ошибка отмены контекста")
	}

	// Отправка прервалась задолго до конца пачки
	if sent := len(transport.sent()); sent > 20 {
		t.Errorf("после отмены отправлено слишком много фреймов: %d", sent)
	}
}

func TestSessionDoubleStart(t *testing.T) {
	session := newTestSession(t, newMockTransport())

	if err := session.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	defer session.Stop()

	if err := session.Start(); err == nil {
		t.Error("повторный запуск должен возвращать ошибку")
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	transport := newMockTransport()
	session := newTestSession(t, transport)

	if err := session.Start(); err != nil {
		t.Fatalf("ошибка запуска: %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("ошибка остановки: %v", err)
	}
	if transport.IsActive() {
		t.Error("Stop должен закрывать транспорт")
	}
	if err := session.Stop(); err != nil {
		t.Errorf("повторный Stop должен быть no-op: %v", err)
	}
}

func TestSendAudioWhenStopped(t *testing.T) {
	session := newTestSession(t, newMockTransport())
	if err := session.SendAudio(pcmFrame(0)); err == nil {
		t.Error("отправка до запуска должна возвращать ошибку")
	}
}
