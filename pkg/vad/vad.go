// Package vad реализует сегментацию речи по энергии сигнала (Voice Activity Detection).
//
// Buffer принимает непрерывный поток фиксированных PCM фреймов (20 мс после
// шумоподавления), классифицирует каждый фрейм как речь/тишину по RMS энергии
// в децибелах относительно полной шкалы и выдает законченные высказывания
// (utterances) на естественных границах речи.
//
// Машина состояний: Idle (высказывание не идет) и Capturing (накопление),
// плюс производный счетчик длительности накопленной тишины. Пороги вынесены
// в конфигурацию: шумовой пол телефонной линии зависит от оператора и кодека,
// поэтому порог тишины и обе длительности должны настраиваться per deployment
// без изменения кода.
package vad

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// State представляет состояние сегментации
type State int

const (
	StateIdle      State = iota // Высказывание не идет
	StateCapturing              // Идет накопление высказывания
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	default:
		return "unknown"
	}
}

// Utterance представляет законченное высказывание: конкатенация озвученных
// фреймов (и коротких вкраплений тишины) между обнаруженными границами речи.
// Неизменяемо после эмиссии, потребляется STT коллаборатором ровно один раз.
type Utterance struct {
	PCM       []byte        // Линейный PCM 16-бит LE
	StartTime time.Time     // Момент начала речи (wall clock)
	Duration  time.Duration // Длительность аудио в высказывании
}

// Config содержит параметры сегментации
type Config struct {
	SampleRate           uint32         // Частота дискретизации (Гц)
	SilenceThresholdDb   float64        // Порог тишины в dBFS (отрицательный)
	SilenceDuration      time.Duration  // Тишина, закрывающая высказывание
	MinUtteranceDuration time.Duration  // Минимум для эмиссии (отсев шумовых всплесков)
	MaxUtteranceDuration *time.Duration // Принудительный сброс (nil = без ограничения)
	Logger               *slog.Logger   // Инжектируемый логгер (nil = slog.Default)
}

// DefaultConfig возвращает конфигурацию для телефонии 8 кГц
func DefaultConfig() Config {
	return Config{
		SampleRate:           8000,
		SilenceThresholdDb:   -40.0,
		SilenceDuration:      500 * time.Millisecond,
		MinUtteranceDuration: 500 * time.Millisecond,
	}
}

// Buffer накапливает фреймы и выдает высказывания через callback.
// Один Buffer обслуживает одну сессию звонка; между звонками не разделяется.
type Buffer struct {
	config Config
	logger *slog.Logger

	mutex          sync.Mutex
	state          State
	buffer         []byte    // Основной буфер высказывания
	pendingSilence []byte    // Буфер накопленной тишины
	startTime      time.Time // Начало текущего высказывания

	onUtterance func(Utterance)

	// Статистика
	framesProcessed     uint64
	utterancesEmitted   uint64
	utterancesDiscarded uint64
}

// New создает VAD буфер с заданной конфигурацией
func New(config Config, onUtterance func(Utterance)) *Buffer {
	if config.SampleRate == 0 {
		config.SampleRate = 8000
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Buffer{
		config:      config,
		logger:      logger,
		state:       StateIdle,
		onUtterance: onUtterance,
	}
}

// State возвращает текущее состояние сегментации
func (b *Buffer) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Ingest обрабатывает один PCM фрейм (16-бит LE, фиксированные 20 мс).
// Вызывается строго последовательно в порядке прихода аудио.
func (b *Buffer) Ingest(frame []byte) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.framesProcessed++

	db := FrameEnergyDb(frame)

	// Семплированный диагностический лог уровней (~1% фреймов)
	if b.framesProcessed%100 == 0 {
		b.logger.Debug("vad frame energy",
			slog.Float64("db", db),
			slog.String("state", b.state.String()))
	}

	if db < b.config.SilenceThresholdDb {
		b.ingestSilence(frame)
	} else {
		b.ingestVoice(frame)
	}
}

// ingestSilence обрабатывает фрейм тишины
func (b *Buffer) ingestSilence(frame []byte) {
	b.pendingSilence = append(b.pendingSilence, frame...)

	if b.state == StateCapturing {
		if b.bytesToDuration(len(b.pendingSilence)) >= b.config.SilenceDuration {
			b.closeUtterance()
		}
		return
	}

	// В Idle тишина нужна только для подклейки к началу следующего
	// высказывания, держим не больше SilenceDuration
	maxPending := b.durationToBytes(b.config.SilenceDuration)
	if maxPending > 0 && len(b.pendingSilence) > maxPending {
		b.pendingSilence = b.pendingSilence[len(b.pendingSilence)-maxPending:]
	}
}

// ingestVoice обрабатывает озвученный фрейм
func (b *Buffer) ingestVoice(frame []byte) {
	if b.state == StateIdle {
		b.state = StateCapturing
		b.startTime = time.Now()
		b.logger.Debug("vad capture started")
	}

	// Подклеиваем накопленную тишину до фрейма: сохраняет естественную
	// коартикуляцию на границах высказывания
	if len(b.pendingSilence) > 0 {
		b.buffer = append(b.buffer, b.pendingSilence...)
		b.pendingSilence = b.pendingSilence[:0]
	}

	b.buffer = append(b.buffer, frame...)

	if b.config.MaxUtteranceDuration != nil &&
		b.bytesToDuration(len(b.buffer)) >= *b.config.MaxUtteranceDuration {
		// Предохранитель от неограниченного роста при залипшем микрофоне
		b.logger.Warn("vad max utterance duration exceeded, force flush",
			slog.Duration("max", *b.config.MaxUtteranceDuration))
		b.emit(b.buffer)
		b.reset()
	}
}

// closeUtterance завершает высказывание по накопленной тишине
func (b *Buffer) closeUtterance() {
	dur := b.bytesToDuration(len(b.buffer))

	if dur >= b.config.MinUtteranceDuration {
		b.emit(b.buffer)
	} else {
		b.utterancesDiscarded++
		b.logger.Debug("vad utterance discarded as noise",
			slog.Duration("duration", dur),
			slog.Duration("min", b.config.MinUtteranceDuration))
	}

	b.reset()
}

// Flush выдает накопленное аудио независимо от политики минимальной
// длительности. Вызывается при завершении сессии, чтобы не потерять
// оборванное высказывание.
func (b *Buffer) Flush() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if len(b.buffer) > 0 {
		b.emit(b.buffer)
	}
	b.reset()
}

// emit передает высказывание подписчику
func (b *Buffer) emit(pcm []byte) {
	utt := Utterance{
		PCM:       append([]byte(nil), pcm...),
		StartTime: b.startTime,
		Duration:  b.bytesToDuration(len(pcm)),
	}

	b.utterancesEmitted++
	b.logger.Debug("vad utterance emitted",
		slog.Duration("duration", utt.Duration),
		slog.Int("bytes", len(utt.PCM)))

	if b.onUtterance != nil {
		b.onUtterance(utt)
	}
}

// reset возвращает буфер в Idle и очищает оба буфера
func (b *Buffer) reset() {
	b.state = StateIdle
	b.buffer = b.buffer[:0]
	b.pendingSilence = b.pendingSilence[:0]
	b.startTime = time.Time{}
}

// Statistics содержит счетчики работы VAD буфера
type Statistics struct {
	FramesProcessed     uint64
	UtterancesEmitted   uint64
	UtterancesDiscarded uint64
	State               State
	BufferedBytes       int
}

// GetStatistics возвращает снимок статистики
func (b *Buffer) GetStatistics() Statistics {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return Statistics{
		FramesProcessed:     b.framesProcessed,
		UtterancesEmitted:   b.utterancesEmitted,
		UtterancesDiscarded: b.utterancesDiscarded,
		State:               b.state,
		BufferedBytes:       len(b.buffer),
	}
}

// bytesToDuration переводит размер PCM буфера в длительность аудио
func (b *Buffer) bytesToDuration(n int) time.Duration {
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(b.config.SampleRate)
}

// durationToBytes переводит длительность в размер PCM буфера
func (b *Buffer) durationToBytes(d time.Duration) int {
	samples := int(d.Seconds() * float64(b.config.SampleRate))
	return samples * 2
}

// FrameEnergyDb вычисляет RMS энергию фрейма в dBFS (20*log10(rms/32768)).
// Для 16-бит сигнала без клиппинга значение всегда <= 0. Фрейм из нулей
// дает -Inf, что корректно сравнивается как "ниже порога" без math domain
// ошибок.
func FrameEnergyDb(frame []byte) float64 {
	samples := len(frame) / 2
	if samples == 0 {
		return math.Inf(-1)
	}

	var sum float64
	for i := 0; i < samples; i++ {
		s := int16(uint16(frame[i*2]) | uint16(frame[i*2+1])<<8)
		sum += float64(s) * float64(s)
	}

	rms := math.Sqrt(sum / float64(samples))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/32768.0)
}
