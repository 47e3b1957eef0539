package resample

import (
	"math"
	"testing"
)

func sineWave(n int, freq, rate float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/rate))
	}
	return out
}

func TestResampleIdentity(t *testing.T) {
	// При ratio=1 сигнал возвращается без изменений
	for _, quality := range []Quality{QualityLinear, QualityMediumSinc, QualityHighSinc} {
		r := New(quality)
		input := sineWave(160, 440, 8000)

		output, err := r.Resample(input, 1.0, 1)
		if err != nil {
			t.Fatalf("%s: неожиданная ошибка: %v", quality, err)
		}
		if len(output) != len(input) {
			t.Fatalf("%s: длина изменилась: %d -> %d", quality, len(input), len(output))
		}
		for i := range input {
			if output[i] != input[i] {
				t.Fatalf("%s: сэмпл %d изменился: %g -> %g", quality, i, input[i], output[i])
			}
		}
	}
}

func TestResampleRateIdentity(t *testing.T) {
	r := New(QualityHighSinc)
	input := sineWave(160, 440, 8000)

	output, err := r.ResampleRate(input, 8000, 8000)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	for i := range input {
		if output[i] != input[i] {
			t.Fatalf("сэмпл %d изменился при совпадающих частотах", i)
		}
	}
}

func TestResampleUpDownLength(t *testing.T) {
	// 8 кГц -> 16 кГц удваивает число сэмплов, обратно возвращает исходное
	r := New(QualityMediumSinc)
	input := sineWave(160, 300, 8000)

	up, err := r.ResampleRate(input, 8000, 16000)
	if err != nil {
		t.Fatalf("повышение частоты: %v", err)
	}
	if len(up) != 320 {
		t.Fatalf("ожидалось 320 сэмплов после повышения, получено %d", len(up))
	}

	down, err := r.ResampleRate(up, 16000, 8000)
	if err != nil {
		t.Fatalf("понижение частоты: %v", err)
	}
	if len(down) != 160 {
		t.Fatalf("ожидалось 160 сэмплов после понижения, получено %d", len(down))
	}
}

func TestResampleUpDownRoundTrip(t *testing.T) {
	// Двухпроходный мост 8k->16k->8k сохраняет тональный сигнал
	// в пределах разумной численной погрешности
	r := New(QualityHighSinc)
	input := sineWave(800, 440, 8000)

	up, err := r.ResampleRate(input, 8000, 16000)
	if err != nil {
		t.Fatalf("повышение частоты: %v", err)
	}
	down, err := r.ResampleRate(up, 16000, 8000)
	if err != nil {
		t.Fatalf("понижение частоты: %v", err)
	}

	// Края буфера страдают от усечения sinc ядра, сравниваем середину
	var maxErr float64
	for i := 50; i < len(input)-50; i++ {
		diff := math.Abs(float64(input[i] - down[i]))
		if diff > maxErr {
			maxErr = diff
		}
	}
	if maxErr > 0.05 {
		t.Errorf("ошибка round-trip слишком велика: %g", maxErr)
	}
}

func TestResampleRejectsStereo(t *testing.T) {
	r := New(QualityLinear)
	if _, err := r.Resample(sineWave(10, 440, 8000), 2.0, 2); err == nil {
		t.Error("ожидалась ошибка для стерео")
	}
}

func TestResampleRejectsBadRatio(t *testing.T) {
	r := New(QualityLinear)
	if _, err := r.Resample(sineWave(10, 440, 8000), 0, 1); err == nil {
		t.Error("ожидалась ошибка для нулевого коэффициента")
	}
	if _, err := r.ResampleRate(sineWave(10, 440, 8000), 0, 8000); err == nil {
		t.Error("ожидалась ошибка для нулевой частоты")
	}
}

func TestResampleEmptyInput(t *testing.T) {
	r := New(QualityHighSinc)
	out, err := r.Resample(nil, 2.0, 1)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("ожидался пустой выход, получено %d сэмплов", len(out))
	}
}

func TestInt16Float32Conversion(t *testing.T) {
	samples := []int16{0, 16384, -16384, 32767, -32768}
	floats := Int16ToFloat32(samples)
	back := Float32ToInt16(floats)
	for i, want := range samples {
		if diff := int(want) - int(back[i]); diff < -1 || diff > 1 {
			t.Errorf("сэмпл %d: %d -> %d", i, want, back[i])
		}
	}
}

func TestFloat32ToInt16Clamps(t *testing.T) {
	out := Float32ToInt16([]float32{2.0, -2.0})
	if out[0] != 32767 {
		t.Errorf("положительное переполнение: %d", out[0])
	}
	if out[1] != -32768 {
		t.Errorf("отрицательное переполнение: %d", out[1])
	}
}
