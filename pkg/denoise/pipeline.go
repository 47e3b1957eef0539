package denoise

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cwschroeder/ki-workshop-sub001/pkg/codec"
	"github.com/cwschroeder/ki-workshop-sub001/pkg/resample"
)

// PipelineConfig содержит конфигурацию конвейера шумоподавления
type PipelineConfig struct {
	Provider        Provider              // Backend провайдер (обязателен)
	ResampleQuality resample.Quality      // Качество ресемплинга до/после провайдера
	Logger          *slog.Logger          // Инжектируемый логгер (nil = slog.Default)
	Registerer      prometheus.Registerer // Регистратор метрик (nil = метрики не регистрируются)
}

// Pipeline комбинирует провайдер шумоподавления с ресемплером.
//
// Если частота входа совпадает с нативной частотой провайдера, фреймы
// обрабатываются напрямую чанками нативного размера. Иначе вход повышается
// до частоты провайдера, обрабатывается и понижается обратно; двухпроходный
// ресемплинг - доминирующая стоимость на realtime пути и измеряется
// гистограммой метрик. Остаток короче одного нативного фрейма передается
// без изменений, никогда не отбрасывается.
//
// Ошибка или паника внутри провайдера деградирует к pass-through для данного
// вызова: неработающий денойзер никогда не глушит звонок.
type Pipeline struct {
	provider  Provider
	resampler *resample.Resampler
	logger    *slog.Logger
	metrics   *pipelineMetrics
}

// pipelineMetrics - Prometheus метрики конвейера
type pipelineMetrics struct {
	processDuration  prometheus.Histogram
	resampleDuration prometheus.Histogram
	degradations     prometheus.Counter
	framesProcessed  prometheus.Counter
}

func newPipelineMetrics(reg prometheus.Registerer, providerName string) *pipelineMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"provider": providerName}

	return &pipelineMetrics{
		processDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "media",
			Subsystem:   "denoise",
			Name:        "process_duration_seconds",
			Help:        "Длительность полного вызова Process конвейера",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		resampleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "media",
			Subsystem:   "denoise",
			Name:        "resample_duration_seconds",
			Help:        "Суммарная длительность двухпроходного ресемплинга на вызов",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
		degradations: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "media",
			Subsystem:   "denoise",
			Name:        "degradations_total",
			Help:        "Вызовы, деградировавшие к pass-through из-за ошибки провайдера",
			ConstLabels: labels,
		}),
		framesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "media",
			Subsystem:   "denoise",
			Name:        "frames_processed_total",
			Help:        "Нативные фреймы, обработанные провайдером",
			ConstLabels: labels,
		}),
	}
}

// NewPipeline создает конвейер шумоподавления поверх провайдера
func NewPipeline(config PipelineConfig) (*Pipeline, error) {
	if config.Provider == nil {
		return nil, fmt.Errorf("провайдер шумоподавления обязателен")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		provider:  config.Provider,
		resampler: resample.New(config.ResampleQuality),
		logger:    logger,
		metrics:   newPipelineMetrics(config.Registerer, config.Provider.Name()),
	}, nil
}

// Provider возвращает backend провайдер конвейера
func (p *Pipeline) Provider() Provider {
	return p.provider
}

// Process обрабатывает PCM буфер (16-бит LE) с частотой sampleRate.
//
// Ошибки жизненного цикла (Process до Initialize или после Destroy)
// возвращаются как есть. Ошибки обработки внутри провайдера деградируют
// к возврату исходного аудио без изменений.
func (p *Pipeline) Process(pcm []byte, sampleRate uint32) ([]byte, error) {
	start := time.Now()
	defer func() {
		p.metrics.processDuration.Observe(time.Since(start).Seconds())
	}()

	// Ошибка программиста падает громко, деградация ее не скрывает
	if !p.provider.Initialized() {
		return nil, fmt.Errorf("провайдер %s не готов: Process вне состояния %s",
			p.provider.Name(), StateReady)
	}

	if sampleRate == p.provider.SampleRate() {
		return p.processDirect(pcm), nil
	}
	return p.processResampled(pcm, sampleRate), nil
}

// processDirect обрабатывает буфер уже на нативной частоте провайдера
func (p *Pipeline) processDirect(pcm []byte) []byte {
	frameBytes := p.provider.FrameSize() * 2
	out := make([]byte, 0, len(pcm))

	offset := 0
	for offset+frameBytes <= len(pcm) {
		frame := pcm[offset : offset+frameBytes]
		out = append(out, p.processFrame(frame)...)
		offset += frameBytes
	}

	// Остаток короче нативного фрейма проходит без обработки
	out = append(out, pcm[offset:]...)
	return out
}

// processResampled повышает частоту до нативной, обрабатывает и понижает обратно
func (p *Pipeline) processResampled(pcm []byte, sampleRate uint32) []byte {
	resampleStart := time.Now()
	native, err := p.resampler.ResampleRate(
		resample.Int16ToFloat32(codec.BytesToSamples(pcm)),
		sampleRate, p.provider.SampleRate())
	if err != nil {
		p.degrade("resample up", err)
		return pcm
	}
	upCost := time.Since(resampleStart)

	nativePCM := codec.SamplesToBytes(resample.Float32ToInt16(native))
	processed := p.processDirect(nativePCM)

	resampleStart = time.Now()
	restored, err := p.resampler.ResampleRate(
		resample.Int16ToFloat32(codec.BytesToSamples(processed)),
		p.provider.SampleRate(), sampleRate)
	if err != nil {
		p.degrade("resample down", err)
		return pcm
	}
	p.metrics.resampleDuration.Observe((upCost + time.Since(resampleStart)).Seconds())

	return codec.SamplesToBytes(resample.Float32ToInt16(restored))
}

// processFrame вызывает провайдер для одного нативного фрейма с защитой
// от ошибок и паник: при любом сбое фрейм возвращается без изменений
func (p *Pipeline) processFrame(frame []byte) (out []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.degrade("provider panic", fmt.Errorf("%v", r))
			out = frame
		}
	}()

	processed, err := p.provider.Process(frame)
	if err != nil {
		p.degrade("provider error", err)
		return frame
	}

	p.metrics.framesProcessed.Inc()
	return processed
}

// degrade логирует деградацию к pass-through
func (p *Pipeline) degrade(stage string, err error) {
	p.metrics.degradations.Inc()
	p.logger.Warn("denoise degraded to pass-through",
		slog.String("provider", p.provider.Name()),
		slog.String("stage", stage),
		slog.Any("error", err))
}
