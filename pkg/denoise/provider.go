// Package denoise реализует конвейер шумоподавления с взаимозаменяемыми
// backend-провайдерами.
//
// Провайдер - именованная stateful возможность с объявленной требуемой
// частотой дискретизации и жизненным циклом: инициализация ровно один раз
// до первого использования, явное освобождение ровно один раз после.
// Pipeline прозрачно комбинирует провайдер с ресемплером, когда частота
// телефонного потока отличается от нативной частоты провайдера.
//
// Жизненный цикл провайдера выражен явной машиной состояний
// (uninitialized/ready/destroyed), а не булевым флагом: вызов Process вне
// состояния ready - ошибка программиста и завершается немедленной типизированной
// ошибкой, чтобы ловить интеграционные баги на раннем этапе.
package denoise

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Состояния жизненного цикла провайдера
const (
	StateUninitialized = "uninitialized"
	StateReady         = "ready"
	StateDestroyed     = "destroyed"
)

// События жизненного цикла
const (
	eventInitialize = "initialize"
	eventDestroy    = "destroy"
)

// Provider определяет интерфейс backend-а шумоподавления.
//
// Process принимает и возвращает линейный PCM 16-бит LE на частоте
// SampleRate(), длиной ровно FrameSize() сэмплов. Нарезку на нативные
// фреймы и ресемплинг выполняет Pipeline. Обработка синхронная:
// блокирующий вызов без отдельного async варианта.
type Provider interface {
	// Name возвращает имя провайдера для логов и метрик
	Name() string

	// SampleRate возвращает требуемую частоту дискретизации (Гц)
	SampleRate() uint32

	// FrameSize возвращает нативный размер фрейма в сэмплах
	FrameSize() int

	// Initialized сообщает, готов ли провайдер к обработке
	Initialized() bool

	// Initialize загружает веса модели/внутренние буферы.
	// Должен быть вызван ровно один раз до первого Process.
	Initialize() error

	// Process обрабатывает один нативный фрейм PCM.
	// Вызов вне состояния ready - ошибка программиста.
	Process(pcm []byte) ([]byte, error)

	// Destroy освобождает ресурсы провайдера ровно один раз.
	// Process после Destroy - ошибка программиста.
	Destroy() error
}

// lifecycle инкапсулирует машину состояний жизненного цикла провайдера.
// Встраивается конкретными провайдерами.
type lifecycle struct {
	name string
	sm   *fsm.FSM
}

func newLifecycle(name string) lifecycle {
	return lifecycle{
		name: name,
		sm: fsm.NewFSM(
			StateUninitialized,
			fsm.Events{
				{Name: eventInitialize, Src: []string{StateUninitialized}, Dst: StateReady},
				{Name: eventDestroy, Src: []string{StateReady}, Dst: StateDestroyed},
			}, nil,
		),
	}
}

// state возвращает текущее состояние жизненного цикла
func (l *lifecycle) state() string {
	return l.sm.Current()
}

// markInitialized переводит провайдер в ready
func (l *lifecycle) markInitialized() error {
	if err := l.sm.Event(context.Background(), eventInitialize); err != nil {
		return fmt.Errorf("провайдер %s: повторная или недопустимая инициализация (состояние %s): %w",
			l.name, l.sm.Current(), err)
	}
	return nil
}

// markDestroyed переводит провайдер в destroyed
func (l *lifecycle) markDestroyed() error {
	if err := l.sm.Event(context.Background(), eventDestroy); err != nil {
		return fmt.Errorf("провайдер %s: недопустимое освобождение (состояние %s): %w",
			l.name, l.sm.Current(), err)
	}
	return nil
}

// checkReady проверяет допустимость вызова Process
func (l *lifecycle) checkReady() error {
	if s := l.sm.Current(); s != StateReady {
		return fmt.Errorf("провайдер %s: Process вызван в состоянии %s, требуется %s",
			l.name, s, StateReady)
	}
	return nil
}
