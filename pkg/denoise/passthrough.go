package denoise

// PassThrough - no-op провайдер: возвращает аудио без изменений.
// Работает на телефонной частоте, поэтому Pipeline не включает ресемплинг.
// Используется когда шумоподавление выключено конфигурацией или как
// деградация при недоступности модельного провайдера.
type PassThrough struct {
	lc lifecycle
}

// NewPassThrough создает пассивный провайдер
func NewPassThrough() *PassThrough {
	return &PassThrough{lc: newLifecycle("passthrough")}
}

func (p *PassThrough) Name() string       { return "passthrough" }
func (p *PassThrough) SampleRate() uint32 { return 8000 }
func (p *PassThrough) FrameSize() int     { return 160 } // 20 мс @ 8 кГц
func (p *PassThrough) Initialized() bool  { return p.lc.state() == StateReady }

func (p *PassThrough) Initialize() error {
	return p.lc.markInitialized()
}

func (p *PassThrough) Process(pcm []byte) ([]byte, error) {
	if err := p.lc.checkReady(); err != nil {
		return nil, err
	}
	out := make([]byte, len(pcm))
	copy(out, pcm)
	return out, nil
}

func (p *PassThrough) Destroy() error {
	return p.lc.markDestroyed()
}
