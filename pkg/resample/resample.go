// Package resample реализует конвертацию частоты дискретизации для моно PCM.
//
// Используется мостом шумоподавления в обе стороны: повышение частоты
// с телефонных 8 кГц до нативной частоты провайдера (16/48 кГц) перед
// обработкой и обратное понижение после. Качество - явная настройка
// (компромисс CPU/артефакты), выбирается вызывающим, не автоматически.
//
// Ресемплер не имеет состояния между вызовами: каждый вызов Resample
// обрабатывает законченный буфер. Многоканальное аудио не поддерживается,
// телефония всегда моно.
package resample

import (
	"fmt"
	"math"
)

// Quality определяет компромисс между стоимостью CPU и уровнем артефактов
type Quality int

const (
	QualityLinear     Quality = iota // Линейная интерполяция (дешево, слышимые артефакты)
	QualityMediumSinc                // Оконный sinc, 8 опорных точек
	QualityHighSinc                  // Оконный sinc, 32 опорные точки
)

func (q Quality) String() string {
	switch q {
	case QualityLinear:
		return "linear"
	case QualityMediumSinc:
		return "medium-sinc"
	case QualityHighSinc:
		return "high-sinc"
	default:
		return "unknown"
	}
}

// taps возвращает число опорных точек на сторону для sinc интерполяции
func (q Quality) taps() int {
	switch q {
	case QualityMediumSinc:
		return 4
	case QualityHighSinc:
		return 16
	default:
		return 0
	}
}

// Resampler выполняет преобразование частоты для моно float32 PCM
type Resampler struct {
	quality Quality
}

// New создает ресемплер с заданным качеством
func New(quality Quality) *Resampler {
	return &Resampler{quality: quality}
}

// Quality возвращает настроенное качество
func (r *Resampler) Quality() Quality {
	return r.quality
}

// Resample преобразует сигнал с коэффициентом ratio = outRate/inRate.
// channels принимается для совместимости контракта, но поддерживается
// только моно (channels == 1).
func (r *Resampler) Resample(input []float32, ratio float64, channels int) ([]float32, error) {
	if channels != 1 {
		return nil, fmt.Errorf("поддерживается только моно аудио, запрошено каналов: %d", channels)
	}
	if ratio <= 0 {
		return nil, fmt.Errorf("некорректный коэффициент ресемплинга: %g", ratio)
	}
	if len(input) == 0 {
		return []float32{}, nil
	}
	if ratio == 1.0 {
		out := make([]float32, len(input))
		copy(out, input)
		return out, nil
	}

	outLen := int(math.Round(float64(len(input)) * ratio))
	if outLen == 0 {
		outLen = 1
	}
	output := make([]float32, outLen)

	switch r.quality {
	case QualityLinear:
		r.resampleLinear(input, output, ratio)
	default:
		r.resampleSinc(input, output, ratio)
	}

	return output, nil
}

// ResampleRate преобразует сигнал между двумя частотами дискретизации
func (r *Resampler) ResampleRate(input []float32, inRate, outRate uint32) ([]float32, error) {
	if inRate == 0 || outRate == 0 {
		return nil, fmt.Errorf("частоты дискретизации должны быть ненулевыми: in=%d out=%d", inRate, outRate)
	}
	if inRate == outRate {
		out := make([]float32, len(input))
		copy(out, input)
		return out, nil
	}
	return r.Resample(input, float64(outRate)/float64(inRate), 1)
}

// resampleLinear - линейная интерполяция между соседними сэмплами
func (r *Resampler) resampleLinear(input []float32, output []float32, ratio float64) {
	last := len(input) - 1
	for i := range output {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= last {
			output[i] = input[last]
			continue
		}
		frac := float32(pos - float64(idx))
		output[i] = input[idx]*(1-frac) + input[idx+1]*frac
	}
}

// resampleSinc - оконная sinc интерполяция (окно Ханна).
// При понижении частоты ядро растягивается на 1/ratio для антиалиасинга.
func (r *Resampler) resampleSinc(input []float32, output []float32, ratio float64) {
	taps := r.quality.taps()

	// Частота среза относительно входной частоты
	cutoff := 1.0
	if ratio < 1.0 {
		cutoff = ratio
	}
	window := float64(taps) / cutoff

	for i := range output {
		pos := float64(i) / ratio
		center := int(pos)

		lo := center - int(window)
		if lo < 0 {
			lo = 0
		}
		hi := center + int(window) + 1
		if hi > len(input) {
			hi = len(input)
		}

		var acc, norm float64
		for j := lo; j < hi; j++ {
			d := pos - float64(j)
			w := sincHann(d*cutoff, window*cutoff)
			acc += float64(input[j]) * w
			norm += w
		}
		if norm != 0 {
			output[i] = float32(acc / norm)
		}
	}
}

// sincHann вычисляет sinc, взвешенный окном Ханна шириной ±width
func sincHann(x, width float64) float64 {
	if x == 0 {
		return 1.0
	}
	ax := math.Abs(x)
	if ax >= width {
		return 0
	}
	px := math.Pi * x
	sinc := math.Sin(px) / px
	hann := 0.5 + 0.5*math.Cos(math.Pi*ax/width)
	return sinc * hann
}

// Int16ToFloat32 конвертирует 16-бит сэмплы в нормализованный float [-1, 1]
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 конвертирует нормализованный float обратно в 16-бит сэмплы
// с клиппированием вне диапазона
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768.0
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}
