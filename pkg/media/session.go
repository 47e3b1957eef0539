package media

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cwschroeder/ki-workshop-sub001/pkg/codec"
	"github.com/cwschroeder/ki-workshop-sub001/pkg/denoise"
	"github.com/cwschroeder/ki-workshop-sub001/pkg/resample"
	rtptransport "github.com/cwschroeder/ki-workshop-sub001/pkg/rtp"
	"github.com/cwschroeder/ki-workshop-sub001/pkg/vad"
)

// UtteranceHandler получает законченное высказывание и языковую подсказку
// для передачи распознаванию речи. Вызывается из цикла приема сессии:
// долгая обработка должна уходить в отдельную горутину на стороне
// подписчика.
type UtteranceHandler func(utterance vad.Utterance, language string)

// SessionConfig - конфигурация аудио плеча звонка
type SessionConfig struct {
	// SessionID - идентификатор плеча ("" = генерируется UUID)
	SessionID string

	// LocalAddr - локальный адрес сокета ("host:port", порт 0 = эфемерный).
	// Игнорируется если задан Transport.
	LocalAddr string

	// RemoteAddr - удаленная точка из сигнализации ("" = выучится
	// из первого входящего пакета)
	RemoteAddr string

	// Transport - готовый транспорт (например DTLS). nil = UDP на LocalAddr.
	Transport rtptransport.Transport

	// PayloadType - активный кодек плеча (по умолчанию PCMU)
	PayloadType codec.PayloadType

	// DTMFPayloadType - payload тип telephone-event (0 = DTMF выключен)
	DTMFPayloadType codec.PayloadType

	// DenoiseProvider - провайдер шумоподавления (nil = без шумоподавления).
	// Сессия владеет жизненным циклом провайдера и уничтожает его в Stop.
	DenoiseProvider denoise.Provider

	// ResampleQuality - качество ресемплинга при несовпадении частот
	ResampleQuality resample.Quality

	// VAD - параметры сегментации речи (нулевое значение = DefaultConfig)
	VAD vad.Config

	// JitterBuffer включает реордер буфер входящих пакетов
	// (nil = выключен, пакеты обрабатываются в порядке прибытия)
	JitterBuffer *rtptransport.JitterBufferConfig

	// Language - языковая подсказка для распознавания речи
	Language string

	// Обработчики событий
	OnUtterance UtteranceHandler
	OnDTMF      func(rtptransport.DTMFEvent)

	Logger     *slog.Logger          // nil = slog.Default
	Registerer prometheus.Registerer // nil = метрики не регистрируются
}

// sessionMetrics - prometheus метрики аудио плеча
type sessionMetrics struct {
	utterancesEmitted prometheus.Counter
	framesReceived    prometheus.Counter
	framesSent        prometheus.Counter
	denoiseFailures   prometheus.Counter
}

func newSessionMetrics(reg prometheus.Registerer) *sessionMetrics {
	factory := promauto.With(reg)
	return &sessionMetrics{
		utterancesEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media",
			Subsystem: "session",
			Name:      "utterances_emitted_total",
			Help:      "Число высказываний, переданных распознаванию речи",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media",
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Число принятых аудио фреймов",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media",
			Subsystem: "session",
			Name:      "frames_sent_total",
			Help:      "Число отправленных аудио фреймов",
		}),
		denoiseFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "media",
			Subsystem: "session",
			Name:      "denoise_failures_total",
			Help:      "Число фреймов, прошедших тракт без шумоподавления из-за ошибки",
		}),
	}
}

// CallAudioSession - аудио плечо одного звонка.
//
// Входящий тракт: RTP пакет -> декодирование -> шумоподавление ->
// VAD сегментация -> OnUtterance. Каждая датаграмма обрабатывается
// полностью до следующей, порядок аудио сохраняется.
//
// Исходящий тракт развязан от входящего: SendAudio кодирует PCM и
// отправляет, не блокируясь на VAD или шумоподавлении.
type CallAudioSession struct {
	sessionID string
	language  string

	rtpSession *rtptransport.Session
	pipeline   *denoise.Pipeline
	provider   denoise.Provider
	vadBuffer  *vad.Buffer

	onUtterance UtteranceHandler

	logger  *slog.Logger
	metrics *sessionMetrics

	active int32
}

// NewCallAudioSession собирает аудио плечо звонка. Сокет привязывается
// здесь: ошибка привязки фатальна и возвращается вызывающему.
func NewCallAudioSession(config SessionConfig) (*CallAudioSession, error) {
	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("session_id", sessionID))

	payloadType := config.PayloadType
	if payloadType != codec.PayloadTypePCMU && payloadType != codec.PayloadTypePCMA {
		if payloadType == 0 {
			payloadType = codec.PayloadTypePCMU
		} else {
			return nil, NewMediaError(ErrorCodeAudioCodecUnsupported, sessionID,
				"payload тип "+payloadType.String()+" не поддерживается")
		}
	}

	session := &CallAudioSession{
		sessionID:   sessionID,
		language:    config.Language,
		onUtterance: config.OnUtterance,
		logger:      logger,
		metrics:     newSessionMetrics(config.Registerer),
	}

	transport := config.Transport
	if transport == nil {
		var err error
		transport, err = rtptransport.NewUDPTransport(rtptransport.TransportConfig{
			LocalAddr:  config.LocalAddr,
			RemoteAddr: config.RemoteAddr,
		})
		if err != nil {
			return nil, WrapMediaError(ErrorCodeTransportBindFailed, sessionID,
				"ошибка привязки RTP сокета", err)
		}
	} else if config.RemoteAddr != "" {
		if err := transport.SetRemoteAddr(config.RemoteAddr); err != nil {
			return nil, WrapMediaError(ErrorCodeTransportRemoteInvalid, sessionID,
				"некорректная удаленная точка", err)
		}
	}

	if config.JitterBuffer != nil {
		transport = rtptransport.NewJitterTransport(transport, *config.JitterBuffer)
	}

	if config.DenoiseProvider != nil {
		pipeline, err := denoise.NewPipeline(denoise.PipelineConfig{
			Provider:        config.DenoiseProvider,
			ResampleQuality: config.ResampleQuality,
			Logger:          logger,
			Registerer:      config.Registerer,
		})
		if err != nil {
			_ = transport.Close()
			return nil, WrapMediaError(ErrorCodeSessionInvalidConfig, sessionID,
				"ошибка создания пайплайна шумоподавления", err)
		}
		session.pipeline = pipeline
		session.provider = config.DenoiseProvider
	}

	vadConfig := config.VAD
	if vadConfig.SampleRate == 0 {
		vadConfig = vad.DefaultConfig()
	}
	vadConfig.Logger = logger
	session.vadBuffer = vad.New(vadConfig, session.emitUtterance)

	rtpSession, err := rtptransport.NewSession(rtptransport.SessionConfig{
		PayloadType:     payloadType,
		Transport:       transport,
		Logger:          logger,
		DTMFPayloadType: config.DTMFPayloadType,
		OnAudioReceived: session.handleInboundPCM,
		OnDTMFReceived:  config.OnDTMF,
	})
	if err != nil {
		_ = transport.Close()
		return nil, WrapMediaError(ErrorCodeSessionInvalidConfig, sessionID,
			"ошибка создания RTP сессии", err)
	}
	session.rtpSession = rtpSession

	return session, nil
}

// Start запускает прием и инициализирует провайдер шумоподавления
func (s *CallAudioSession) Start() error {
	if !atomic.CompareAndSwapInt32(&s.active, 0, 1) {
		return NewMediaError(ErrorCodeSessionAlreadyStarted, s.sessionID, "сессия уже запущена")
	}

	if s.provider != nil && !s.provider.Initialized() {
		if err := s.provider.Initialize(); err != nil {
			atomic.StoreInt32(&s.active, 0)
			return WrapMediaError(ErrorCodeSessionInvalidConfig, s.sessionID,
				"ошибка инициализации шумоподавления", err)
		}
	}

	if err := s.rtpSession.Start(); err != nil {
		atomic.StoreInt32(&s.active, 0)
		return WrapMediaError(ErrorCodeSessionNotStarted, s.sessionID,
			"ошибка запуска RTP сессии", err)
	}

	s.logger.Info("аудио сессия запущена",
		slog.String("local_addr", s.rtpSession.LocalEndpoint().String()),
		slog.String("payload_type", s.rtpSession.PayloadType().String()))

	return nil
}

// Stop останавливает прием, освобождает сокет и сбрасывает хвостовое
// высказывание из VAD буфера, чтобы конец разговора не потерялся
func (s *CallAudioSession) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.active, 1, 0) {
		return nil
	}

	err := s.rtpSession.Stop()

	// Хвост речи на момент завершения звонка уходит распознаванию
	s.vadBuffer.Flush()

	if s.provider != nil {
		if destroyErr := s.provider.Destroy(); destroyErr != nil {
			s.logger.Warn("ошибка освобождения провайдера шумоподавления",
				slog.String("error", destroyErr.Error()))
		}
	}

	stats := s.rtpSession.GetStatistics()
	s.logger.Info("аудио сессия остановлена",
		slog.Uint64("packets_sent", stats.PacketsSent),
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("send_failures", stats.SendFailures))

	return err
}

// SendAudio кодирует синтезированный PCM (8 кГц, моно, 16 бит LE)
// и отправляет в RTP поток. Может вызываться конкурентно с приемом.
func (s *CallAudioSession) SendAudio(pcm []byte) error {
	if atomic.LoadInt32(&s.active) == 0 {
		return NewMediaError(ErrorCodeSessionNotStarted, s.sessionID, "сессия не запущена")
	}

	if err := s.rtpSession.SendAudio(pcm); err != nil {
		return WrapMediaError(ErrorCodeAudioSendFailed, s.sessionID, "ошибка отправки аудио", err)
	}
	s.metrics.framesSent.Inc()
	return nil
}

// SendSilence отправляет пачку тихих фреймов для открытия медиа пути
// через NAT/SBC. Прерывается отменой контекста при завершении звонка.
func (s *CallAudioSession) SendSilence(ctx context.Context, duration time.Duration) error {
	if atomic.LoadInt32(&s.active) == 0 {
		return NewMediaError(ErrorCodeSessionNotStarted, s.sessionID, "сессия не запущена")
	}
	return s.rtpSession.SendSilence(ctx, duration)
}

// SetMarkerForNextPacket выставляет marker бит на следующий исходящий
// пакет: начало нового talkspurt
func (s *CallAudioSession) SetMarkerForNextPacket() {
	s.rtpSession.SetMarkerForNextPacket()
}

// SendDTMF отправляет DTMF цифру в RTP поток (RFC 4733)
func (s *CallAudioSession) SendDTMF(digit rtptransport.DTMFDigit, duration time.Duration) error {
	if atomic.LoadInt32(&s.active) == 0 {
		return NewMediaError(ErrorCodeSessionNotStarted, s.sessionID, "сессия не запущена")
	}
	if err := s.rtpSession.SendDTMF(digit, duration); err != nil {
		return WrapMediaError(ErrorCodeDTMFNotEnabled, s.sessionID, "ошибка отправки DTMF", err)
	}
	return nil
}

// SetRemoteEndpoint устанавливает удаленную точку из сигнализации
func (s *CallAudioSession) SetRemoteEndpoint(addr string) error {
	if err := s.rtpSession.SetRemoteEndpoint(addr); err != nil {
		return WrapMediaError(ErrorCodeTransportRemoteInvalid, s.sessionID,
			"некорректная удаленная точка", err)
	}
	return nil
}

// LocalEndpoint возвращает локальный адрес RTP сокета (для SDP ответа)
func (s *CallAudioSession) LocalEndpoint() net.Addr {
	return s.rtpSession.LocalEndpoint()
}

// SessionID возвращает идентификатор плеча
func (s *CallAudioSession) SessionID() string {
	return s.sessionID
}

// IsActive проверяет активность сессии
func (s *CallAudioSession) IsActive() bool {
	return atomic.LoadInt32(&s.active) == 1
}

// RTPStatistics возвращает снимок счетчиков RTP сессии
func (s *CallAudioSession) RTPStatistics() rtptransport.Statistics {
	return s.rtpSession.GetStatistics()
}

// VADStatistics возвращает снимок счетчиков сегментации
func (s *CallAudioSession) VADStatistics() vad.Statistics {
	return s.vadBuffer.GetStatistics()
}

// handleInboundPCM - входящий тракт: вызывается из цикла приема RTP
// сессии на каждый декодированный фрейм и выполняется синхронно
// (шумоподавление и VAD до следующей датаграммы)
func (s *CallAudioSession) handleInboundPCM(pcm []byte, _ net.Addr) {
	s.metrics.framesReceived.Inc()

	if s.pipeline != nil {
		processed, err := s.pipeline.Process(pcm, codec.TelephonySampleRate)
		if err != nil {
			// Пайплайн уже деградировал до сквозного пропуска,
			// сюда попадают только ошибки жизненного цикла
			s.metrics.denoiseFailures.Inc()
			s.logger.Error("шумоподавление недоступно", slog.Any("error", err))
		} else {
			pcm = processed
		}
	}

	s.vadBuffer.Ingest(pcm)
}

// emitUtterance передает законченное высказывание подписчику
func (s *CallAudioSession) emitUtterance(utterance vad.Utterance) {
	s.metrics.utterancesEmitted.Inc()
	s.logger.Debug("высказывание готово",
		slog.Duration("duration", utterance.Duration),
		slog.Int("bytes", len(utterance.PCM)))

	if s.onUtterance != nil {
		s.onUtterance(utterance, s.language)
	}
}
