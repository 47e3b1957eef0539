package rtp

import (
	"container/heap"
	"context"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// JitterBufferConfig содержит параметры реордер буфера
type JitterBufferConfig struct {
	// Depth - сколько пакетов накапливается перед выдачей первого.
	// Выдача отстает от приема на Depth пакетов (Depth * ptime задержки).
	Depth int

	// MaxSize - жесткий предел буфера; при переполнении выталкивается
	// самый старый пакет
	MaxSize int
}

// DefaultJitterBufferConfig возвращает конфигурацию с задержкой
// в три пакета (60 мс при ptime 20 мс)
func DefaultJitterBufferConfig() JitterBufferConfig {
	return JitterBufferConfig{
		Depth:   3,
		MaxSize: 50,
	}
}

// jitterTransport оборачивает транспорт реордер буфером: входящие пакеты
// накапливаются в min-heap по sequence number и выдаются в порядке
// возрастания с задержкой в Depth пакетов. Дубликаты и пакеты старше
// уже выданных отбрасываются.
//
// По умолчанию сессии работают без реордеринга; обертка включается
// явно на развертываниях с заметным сетевым джиттером.
type jitterTransport struct {
	inner  Transport
	config JitterBufferConfig

	mutex     sync.Mutex
	heap      seqHeap
	lastAddr  net.Addr
	started   bool
	nextSeq   uint16
	duplicate uint64
	late      uint64
	overflow  uint64
}

// NewJitterTransport оборачивает транспорт реордер буфером
func NewJitterTransport(inner Transport, config JitterBufferConfig) Transport {
	if config.Depth <= 0 {
		config.Depth = DefaultJitterBufferConfig().Depth
	}
	if config.MaxSize <= config.Depth {
		config.MaxSize = DefaultJitterBufferConfig().MaxSize
	}
	return &jitterTransport{
		inner:  inner,
		config: config,
	}
}

func (t *jitterTransport) Send(packet *rtp.Packet) error {
	return t.inner.Send(packet)
}

// Receive наполняет буфер до глубины Depth и затем выдает пакеты
// в порядке sequence number
func (t *jitterTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	for {
		t.mutex.Lock()
		if len(t.heap) > t.config.Depth || (t.started && len(t.heap) > 0 && t.heap[0].SequenceNumber == t.nextSeq) {
			packet := heap.Pop(&t.heap).(*rtp.Packet)
			t.started = true
			t.nextSeq = packet.SequenceNumber + 1
			addr := t.lastAddr
			t.mutex.Unlock()
			return packet, addr, nil
		}
		t.mutex.Unlock()

		packet, addr, err := t.inner.Receive(ctx)
		if err != nil {
			return nil, nil, err
		}

		t.mutex.Lock()
		t.lastAddr = addr
		if t.accept(packet) {
			heap.Push(&t.heap, packet)
			if len(t.heap) > t.config.MaxSize {
				t.overflow++
				// Сбрасываем самый старый, сохраняя порядок выдачи
				oldest := heap.Pop(&t.heap).(*rtp.Packet)
				t.mutex.Unlock()
				t.startedAdvance(oldest)
				return oldest, addr, nil
			}
		}
		t.mutex.Unlock()
	}
}

func (t *jitterTransport) startedAdvance(packet *rtp.Packet) {
	t.mutex.Lock()
	t.started = true
	t.nextSeq = packet.SequenceNumber + 1
	t.mutex.Unlock()
}

// accept отбрасывает дубликаты и пакеты позади точки выдачи.
// Вызывается под mutex.
func (t *jitterTransport) accept(packet *rtp.Packet) bool {
	if t.started && seqBefore(packet.SequenceNumber, t.nextSeq) {
		t.late++
		return false
	}
	for _, queued := range t.heap {
		if queued.SequenceNumber == packet.SequenceNumber {
			t.duplicate++
			return false
		}
	}
	return true
}

func (t *jitterTransport) LocalAddr() net.Addr             { return t.inner.LocalAddr() }
func (t *jitterTransport) RemoteAddr() net.Addr            { return t.inner.RemoteAddr() }
func (t *jitterTransport) SetRemoteAddr(addr string) error { return t.inner.SetRemoteAddr(addr) }
func (t *jitterTransport) Close() error                    { return t.inner.Close() }
func (t *jitterTransport) IsActive() bool                  { return t.inner.IsActive() }

// seqBefore сравнивает sequence numbers с учетом переполнения (RFC 3550)
func seqBefore(a, b uint16) bool {
	return a != b && b-a < 1<<15
}

// seqHeap - min-heap RTP пакетов по sequence number с учетом переполнения
type seqHeap []*rtp.Packet

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return seqBefore(h[i].SequenceNumber, h[j].SequenceNumber) }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(*rtp.Packet)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
