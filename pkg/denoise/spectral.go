package denoise

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/cwschroeder/ki-workshop-sub001/pkg/codec"
)

const (
	spectralSampleRate = 16000 // Нативная частота провайдера (Гц)
	spectralFrameSize  = 320   // 20 мс @ 16 кГц

	// Параметры оценки шумового пола
	noiseRiseAlpha    = 0.02 // Скорость подъема оценки шума
	overSubtraction   = 1.5  // Коэффициент избыточного вычитания
	spectralGainFloor = 0.1  // Минимальный коэффициент подавления бина
)

// SpectralGate - статистический провайдер шумоподавления на основе
// спектрального вычитания. Для каждого частотного бина поддерживается
// оценка шумового пола (быстрое падение, медленный подъем), вычитаемая
// из магнитуды спектра фрейма. Не нейросетевой, но эффективный против
// стационарного шума телефонной линии.
//
// Провайдер stateful (оценка шума, FFT буферы) и не разделяется между
// конкурентными сессиями.
type SpectralGate struct {
	lc  lifecycle
	fft *fourier.FFT

	noiseFloor []float64    // Оценка шумового пола по бинам
	seq        []float64    // Рабочий буфер временной области
	coeffs     []complex128 // Рабочий буфер частотной области
}

// NewSpectralGate создает провайдер спектрального вычитания
func NewSpectralGate() *SpectralGate {
	return &SpectralGate{lc: newLifecycle("spectral-gate")}
}

func (s *SpectralGate) Name() string       { return "spectral-gate" }
func (s *SpectralGate) SampleRate() uint32 { return spectralSampleRate }
func (s *SpectralGate) FrameSize() int     { return spectralFrameSize }
func (s *SpectralGate) Initialized() bool  { return s.lc.state() == StateReady }

// Initialize выделяет FFT план и рабочие буферы
func (s *SpectralGate) Initialize() error {
	if err := s.lc.markInitialized(); err != nil {
		return err
	}

	s.fft = fourier.NewFFT(spectralFrameSize)
	bins := spectralFrameSize/2 + 1
	s.noiseFloor = make([]float64, bins)
	s.seq = make([]float64, spectralFrameSize)
	s.coeffs = make([]complex128, bins)

	// Начальная оценка: пол неизвестен, первая пара фреймов его задаст
	for i := range s.noiseFloor {
		s.noiseFloor[i] = math.MaxFloat64
	}

	return nil
}

// Process подавляет стационарный шум в одном нативном фрейме
func (s *SpectralGate) Process(pcm []byte) ([]byte, error) {
	if err := s.lc.checkReady(); err != nil {
		return nil, err
	}

	samples := codec.BytesToSamples(pcm)
	n := len(samples)
	if n != spectralFrameSize {
		// Неполный фрейм не обрабатывается, Pipeline такие не присылает
		out := make([]byte, len(pcm))
		copy(out, pcm)
		return out, nil
	}

	for i, smp := range samples {
		s.seq[i] = float64(smp)
	}

	s.coeffs = s.fft.Coefficients(s.coeffs, s.seq)

	for i, c := range s.coeffs {
		mag := cmplxAbs(c)

		// Обновляем шумовой пол: мгновенное падение, медленный подъем
		if mag < s.noiseFloor[i] {
			s.noiseFloor[i] = mag
		} else if s.noiseFloor[i] != math.MaxFloat64 {
			s.noiseFloor[i] += noiseRiseAlpha * (mag - s.noiseFloor[i])
		} else {
			s.noiseFloor[i] = mag
		}

		if mag == 0 {
			continue
		}

		gain := 1.0 - overSubtraction*s.noiseFloor[i]/mag
		if gain < spectralGainFloor {
			gain = spectralGainFloor
		}
		s.coeffs[i] = scaleCmplx(c, gain)
	}

	s.seq = s.fft.Sequence(s.seq, s.coeffs)

	out := make([]int16, n)
	scale := 1.0 / float64(n) // Sequence не нормализован
	for i, v := range s.seq {
		f := v * scale
		if f > 32767 {
			f = 32767
		}
		if f < -32768 {
			f = -32768
		}
		out[i] = int16(f)
	}

	return codec.SamplesToBytes(out), nil
}

// Destroy освобождает FFT план и буферы
func (s *SpectralGate) Destroy() error {
	if err := s.lc.markDestroyed(); err != nil {
		return err
	}
	s.fft = nil
	s.noiseFloor = nil
	s.seq = nil
	s.coeffs = nil
	return nil
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func scaleCmplx(c complex128, k float64) complex128 {
	return complex(real(c)*k, imag(c)*k)
}
