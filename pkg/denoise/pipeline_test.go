package denoise

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faultyProvider позволяет инжектировать ошибки и паники в Process
type faultyProvider struct {
	lc         lifecycle
	processErr error
	panicMsg   string
	calls      int
}

func newFaultyProvider() *faultyProvider {
	return &faultyProvider{lc: newLifecycle("faulty")}
}

func (f *faultyProvider) Name() string       { return "faulty" }
func (f *faultyProvider) SampleRate() uint32 { return 8000 }
func (f *faultyProvider) FrameSize() int     { return 160 }
func (f *faultyProvider) Initialized() bool  { return f.lc.state() == StateReady }
func (f *faultyProvider) Initialize() error  { return f.lc.markInitialized() }
func (f *faultyProvider) Destroy() error     { return f.lc.markDestroyed() }

func (f *faultyProvider) Process(pcm []byte) ([]byte, error) {
	if err := f.lc.checkReady(); err != nil {
		return nil, err
	}
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.processErr != nil {
		return nil, f.processErr
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

func tonePCM(samples int, amplitude int16) []byte {
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := float64(amplitude) * math.Sin(2*math.Pi*float64(i)/80)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm
}

func newTestPipeline(t *testing.T, provider Provider) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(PipelineConfig{
		Provider: provider,
		Logger:   slog.Default(),
	})
	require.NoError(t, err)
	return pipeline
}

func TestPipelineRequiresProvider(t *testing.T) {
	_, err := NewPipeline(PipelineConfig{})
	assert.Error(t, err)
}

func TestProcessBeforeInitializeFailsLoudly(t *testing.T) {
	pipeline := newTestPipeline(t, NewPassThrough())

	_, err := pipeline.Process(tonePCM(160, 8000), 8000)
	require.Error(t, err, "Process до Initialize должен падать громко")
}

func TestProcessAfterDestroyFailsLoudly(t *testing.T) {
	provider := NewPassThrough()
	pipeline := newTestPipeline(t, provider)

	require.NoError(t, provider.Initialize())
	require.NoError(t, provider.Destroy())

	_, err := pipeline.Process(tonePCM(160, 8000), 8000)
	require.Error(t, err, "Process после Destroy должен падать громко")
}

func TestLifecycleDoubleTransitions(t *testing.T) {
	provider := NewPassThrough()

	require.NoError(t, provider.Initialize())
	assert.Error(t, provider.Initialize(), "повторная инициализация недопустима")

	require.NoError(t, provider.Destroy())
	assert.Error(t, provider.Destroy(), "повторное освобождение недопустимо")
}

func TestPassThroughProcessing(t *testing.T) {
	provider := NewPassThrough()
	pipeline := newTestPipeline(t, provider)
	require.NoError(t, provider.Initialize())

	input := tonePCM(320, 8000) // два нативных фрейма
	output, err := pipeline.Process(input, 8000)
	require.NoError(t, err)
	assert.Equal(t, input, output)
}

func TestProviderErrorDegradesToPassThrough(t *testing.T) {
	provider := newFaultyProvider()
	provider.processErr = errors.New("модель не сошлась")
	pipeline := newTestPipeline(t, provider)
	require.NoError(t, provider.Initialize())

	input := tonePCM(160, 8000)
	output, err := pipeline.Process(input, 8000)

	require.NoError(t, err, "ошибка провайдера не должна подниматься")
	assert.Equal(t, input, output, "при ошибке возвращается исходное аудио")
	assert.Equal(t, 1, provider.calls)
}

func TestProviderPanicDegradesToPassThrough(t *testing.T) {
	provider := newFaultyProvider()
	provider.panicMsg = "нулевой указатель в нативном коде"
	pipeline := newTestPipeline(t, provider)
	require.NoError(t, provider.Initialize())

	input := tonePCM(160, 8000)
	output, err := pipeline.Process(input, 8000)

	require.NoError(t, err, "паника провайдера не должна подниматься")
	assert.Equal(t, input, output)
}

func TestSubFrameRemainderPassedThrough(t *testing.T) {
	provider := newFaultyProvider()
	pipeline := newTestPipeline(t, provider)
	require.NoError(t, provider.Initialize())

	// 250 сэмплов: один нативный фрейм + 90 сэмплов остатка
	input := tonePCM(250, 8000)
	output, err := pipeline.Process(input, 8000)

	require.NoError(t, err)
	assert.Equal(t, len(input), len(output), "остаток не должен отбрасываться")
	assert.Equal(t, input[320:], output[320:], "остаток проходит без обработки")
	assert.Equal(t, 1, provider.calls, "обработан ровно один нативный фрейм")
}

func TestResampledPathPreservesLength(t *testing.T) {
	// Провайдер на 16 кГц включает двухпроходный ресемплинг 8k -> 16k -> 8k
	provider := NewSpectralGate()
	pipeline, err := NewPipeline(PipelineConfig{
		Provider: provider,
		Logger:   slog.Default(),
	})
	require.NoError(t, err)
	require.NoError(t, provider.Initialize())
	defer provider.Destroy()

	input := tonePCM(160, 8000)
	output, procErr := pipeline.Process(input, 8000)

	require.NoError(t, procErr)
	assert.Equal(t, len(input), len(output), "длина после моста должна сохраниться")
}

func TestSpectralGateAttenuatesNoiseFloor(t *testing.T) {
	provider := NewSpectralGate()
	require.NoError(t, provider.Initialize())
	defer provider.Destroy()

	assert.Equal(t, uint32(16000), provider.SampleRate())
	assert.Equal(t, 320, provider.FrameSize())

	// Первый фрейм задает шумовой пол, последующие подавляются к нему
	frame := tonePCM(320, 300)
	out, err := provider.Process(frame)
	require.NoError(t, err)
	assert.Len(t, out, len(frame))
}
