package rtp

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/cwschroeder/ki-workshop-sub001/pkg/codec"
)

// FrameDuration - ожидаемая внешняя каденция телефонных фреймов
const FrameDuration = 20 * time.Millisecond

// Session представляет RTP сессию одного плеча звонка.
//
// Владеет фиксированным на время жизни сессии случайным SSRC, монотонными
// (по модулю разрядности) sequence number и timestamp, флагом marker бита
// и активным payload типом. Входящие пакеты декодируются через кодек слой
// и публикуются подписчику как линейный PCM; исходящий PCM кодируется и
// пакетизируется.
//
// Прием строго последовательный: каждая входящая датаграмма полностью
// обрабатывается до следующей, сохраняя временной порядок аудио потока.
// Отправка развязана от приема и может вызываться конкурентно.
type Session struct {
	ssrc        uint32
	payloadType codec.PayloadType
	clockRate   uint32
	transport   Transport
	logger      *slog.Logger

	// RTP счетчики (atomic). Младшие 16 бит sequenceNumber попадают в заголовок.
	sequenceNumber uint32
	timestamp      uint32
	markerNext     int32

	// Статистика (atomic)
	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64
	sendFailures    uint64
	decodeDrops     uint64
	lastActivity    int64

	// Обработчики событий
	handlerMutex    sync.RWMutex
	onAudioReceived func(pcm []byte, addr net.Addr)
	dtmfReceiver    *DTMFReceiver

	// Жизненный цикл
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active int32
}

// SessionConfig - конфигурация RTP сессии
type SessionConfig struct {
	PayloadType codec.PayloadType // Активный кодек (0 = PCMU, 8 = PCMA)
	Transport   Transport         // Транспорт (обязателен)
	Logger      *slog.Logger      // Инжектируемый логгер (nil = slog.Default)

	// DTMFPayloadType - динамический payload тип telephone-event
	// (0 = DTMF прием выключен)
	DTMFPayloadType codec.PayloadType

	// Обработчики событий
	OnAudioReceived func(pcm []byte, addr net.Addr)
	OnDTMFReceived  func(DTMFEvent)
}

// NewSession создает RTP сессию поверх транспорта
func NewSession(config SessionConfig) (*Session, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport обязателен")
	}

	switch config.PayloadType {
	case codec.PayloadTypePCMU, codec.PayloadTypePCMA:
	default:
		return nil, fmt.Errorf("неподдерживаемый payload type: %s", config.PayloadType)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// SSRC и стартовые sequence number / timestamp случайны (RFC 3550 Appendix A.6)
	ssrc, err := randomUint32()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации SSRC: %w", err)
	}
	initialSeq, err := randomUint32()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации sequence number: %w", err)
	}
	initialTS, err := randomUint32()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации timestamp: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	session := &Session{
		ssrc:            ssrc,
		payloadType:     config.PayloadType,
		clockRate:       config.PayloadType.ClockRate(),
		transport:       config.Transport,
		logger:          logger,
		sequenceNumber:  initialSeq & 0xFFFF,
		timestamp:       initialTS,
		ctx:             ctx,
		cancel:          cancel,
		onAudioReceived: config.OnAudioReceived,
	}

	if config.DTMFPayloadType != 0 {
		session.dtmfReceiver = NewDTMFReceiver(config.DTMFPayloadType, config.OnDTMFReceived)
	}

	return session, nil
}

// Start запускает цикл приема. Сокет уже привязан транспортом;
// ошибка привязки поднимается при создании транспорта.
func (s *Session) Start() error {
	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return fmt.Errorf("RTP сессия уже запущена")
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Stop останавливает прием и синхронно закрывает транспорт
func (s *Session) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.active, 1, 0) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	return s.transport.Close()
}

// SetRemoteEndpoint устанавливает удаленную точку из внешней сигнализации
// до прихода первого пакета
func (s *Session) SetRemoteEndpoint(addr string) error {
	return s.transport.SetRemoteAddr(addr)
}

// RemoteEndpoint возвращает текущую удаленную точку (nil если не известна)
func (s *Session) RemoteEndpoint() net.Addr {
	return s.transport.RemoteAddr()
}

// LocalEndpoint возвращает локальный адрес сессии
func (s *Session) LocalEndpoint() net.Addr {
	return s.transport.LocalAddr()
}

// SetMarkerForNextPacket принудительно выставляет marker бит на следующий
// исходящий пакет: начало нового talkspurt после паузы или перевода звонка
func (s *Session) SetMarkerForNextPacket() {
	atomic.StoreInt32(&s.markerNext, 1)
}

// SendAudio кодирует линейный PCM активным payload типом и отправляет
// одним RTP пакетом.
//
// Sequence number увеличивается на 1, timestamp - на число сэмплов фрейма
// после каждой отправки; ошибка отправки логируется и счетчики не
// откатываются (RTP терпим к пропускам).
func (s *Session) SendAudio(pcm []byte) error {
	if atomic.LoadInt32(&s.active) == 0 {
		return fmt.Errorf("RTP сессия не активна")
	}

	encoded, err := codec.Encode(s.payloadType, pcm)
	if err != nil {
		return fmt.Errorf("ошибка кодирования аудио: %w", err)
	}

	// Для G.711 один байт payload - один сэмпл
	samples := uint32(len(encoded))

	packet := s.buildAudioPacket(encoded, samples)

	if err := s.transport.Send(packet); err != nil {
		atomic.AddUint64(&s.sendFailures, 1)
		s.logger.Warn("rtp send failed",
			slog.Uint64("seq", uint64(packet.SequenceNumber)),
			slog.Any("error", err))
		return nil
	}

	atomic.AddUint64(&s.packetsSent, 1)
	atomic.AddUint64(&s.bytesSent, uint64(len(packet.Payload)))
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())

	return nil
}

// buildAudioPacket строит RTP пакет и продвигает счетчики сессии.
// Счетчики продвигаются независимо от исхода отправки.
func (s *Session) buildAudioPacket(payload []byte, samples uint32) *rtp.Packet {
	seq := uint16(atomic.AddUint32(&s.sequenceNumber, 1) - 1)
	ts := atomic.AddUint32(&s.timestamp, samples) - samples

	marker := atomic.CompareAndSwapInt32(&s.markerNext, 1, 0)

	return &rtp.Packet{
		Header: rtp.Header{
			Version:        ExpectedRTPVersion,
			Padding:        false,
			Extension:      false,
			Marker:         marker,
			PayloadType:    uint8(s.payloadType),
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
}

// SendSilence отправляет пачку нулевых PCM фреймов с каденцией 20 мс,
// чтобы открыть двунаправленный путь через NAT/SBC до появления живого
// аудио. Marker бит выставляется на первый фрейм. Отправка прерывается
// отменой контекста, если звонок завершился посреди пачки.
func (s *Session) SendSilence(ctx context.Context, duration time.Duration) error {
	if atomic.LoadInt32(&s.active) == 0 {
		return fmt.Errorf("RTP сессия не активна")
	}

	frames := int(duration / FrameDuration)
	if frames == 0 {
		return nil
	}

	samplesPerFrame := int(float64(s.clockRate) * FrameDuration.Seconds())
	silence := make([]byte, samplesPerFrame*2)

	s.SetMarkerForNextPacket()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for i := 0; i < frames; i++ {
		if err := s.SendAudio(silence); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return s.ctx.Err()
		case <-ticker.C:
		}
	}

	return nil
}

// SendDTMF отправляет DTMF событие (RFC 4733) внутри RTP потока сессии.
// Событие кодируется избыточно: три начальных и три конечных пакета,
// marker на первом. Timestamp события фиксирован на момент начала,
// после события продвигается на его длительность.
func (s *Session) SendDTMF(digit DTMFDigit, duration time.Duration) error {
	if atomic.LoadInt32(&s.active) == 0 {
		return fmt.Errorf("RTP сессия не активна")
	}
	if s.dtmfReceiver == nil {
		return fmt.Errorf("telephone-event payload тип не сконфигурирован")
	}

	durationSamples := uint32(duration.Seconds() * float64(s.clockRate))
	eventTS := atomic.AddUint32(&s.timestamp, durationSamples) - durationSamples

	payloads := EncodeDTMFEvent(digit, uint16(durationSamples))

	for i, payload := range payloads {
		seq := uint16(atomic.AddUint32(&s.sequenceNumber, 1) - 1)

		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        ExpectedRTPVersion,
				Marker:         i == 0,
				PayloadType:    uint8(s.dtmfReceiver.payloadType),
				SequenceNumber: seq,
				Timestamp:      eventTS,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}

		if err := s.transport.Send(packet); err != nil {
			atomic.AddUint64(&s.sendFailures, 1)
			s.logger.Warn("dtmf send failed", slog.Any("error", err))
			continue
		}
		atomic.AddUint64(&s.packetsSent, 1)
	}

	return nil
}

// receiveLoop - единственный потребитель входящих пакетов сессии.
// Каждая датаграмма полностью обрабатывается (парсинг, декодирование,
// публикация) до чтения следующей, сохраняя порядок аудио.
func (s *Session) receiveLoop() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("паника в receiveLoop",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		packet, addr, err := s.transport.Receive(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}

		s.handleIncomingPacket(packet, addr)
	}
}

// handleIncomingPacket декодирует payload и публикует PCM подписчику
func (s *Session) handleIncomingPacket(packet *rtp.Packet, addr net.Addr) {
	atomic.AddUint64(&s.packetsReceived, 1)
	atomic.AddUint64(&s.bytesReceived, uint64(len(packet.Payload)))
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())

	// DTMF идет отдельным payload типом и не попадает в аудио тракт
	if s.dtmfReceiver != nil {
		if handled, err := s.dtmfReceiver.ProcessPacket(packet); handled {
			if err != nil {
				s.logger.Debug("dtmf packet rejected", slog.Any("error", err))
			}
			return
		}
	}

	pcm, err := codec.Decode(codec.PayloadType(packet.PayloadType), packet.Payload)
	if err != nil {
		atomic.AddUint64(&s.decodeDrops, 1)
		s.logger.Debug("inbound packet dropped",
			slog.Int("payload_type", int(packet.PayloadType)),
			slog.Any("error", err))
		return
	}

	s.handlerMutex.RLock()
	handler := s.onAudioReceived
	s.handlerMutex.RUnlock()

	if handler != nil {
		handler(pcm, addr)
	}
}

// RegisterAudioHandler заменяет обработчик входящего PCM
func (s *Session) RegisterAudioHandler(handler func(pcm []byte, addr net.Addr)) {
	s.handlerMutex.Lock()
	defer s.handlerMutex.Unlock()
	s.onAudioReceived = handler
}

// SSRC возвращает идентификатор локального источника
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// PayloadType возвращает активный payload тип
func (s *Session) PayloadType() codec.PayloadType {
	return s.payloadType
}

// SequenceNumber возвращает sequence number следующего исходящего пакета
func (s *Session) SequenceNumber() uint16 {
	return uint16(atomic.LoadUint32(&s.sequenceNumber))
}

// Timestamp возвращает RTP timestamp следующего исходящего пакета
func (s *Session) Timestamp() uint32 {
	return atomic.LoadUint32(&s.timestamp)
}

// IsActive проверяет активность сессии
func (s *Session) IsActive() bool {
	return atomic.LoadInt32(&s.active) == 1
}

// Statistics содержит счетчики RTP сессии
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	SendFailures    uint64
	DecodeDrops     uint64
	LastActivity    time.Time
}

// GetStatistics возвращает снимок статистики сессии
func (s *Session) GetStatistics() Statistics {
	stats := Statistics{
		PacketsSent:     atomic.LoadUint64(&s.packetsSent),
		PacketsReceived: atomic.LoadUint64(&s.packetsReceived),
		BytesSent:       atomic.LoadUint64(&s.bytesSent),
		BytesReceived:   atomic.LoadUint64(&s.bytesReceived),
		SendFailures:    atomic.LoadUint64(&s.sendFailures),
		DecodeDrops:     atomic.LoadUint64(&s.decodeDrops),
	}

	if nanos := atomic.LoadInt64(&s.lastActivity); nanos != 0 {
		stats.LastActivity = time.Unix(0, nanos)
	}
	return stats
}

func randomUint32() (uint32, error) {
	var val uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &val); err != nil {
		return 0, err
	}
	return val, nil
}
