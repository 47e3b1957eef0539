package rtp

import (
	"fmt"
	"time"

	"github.com/pion/rtp"

	"github.com/cwschroeder/ki-workshop-sub001/pkg/codec"
)

// DTMFDigit представляет DTMF цифру согласно RFC 4733
type DTMFDigit uint8

const (
	DTMF0     DTMFDigit = 0
	DTMF1     DTMFDigit = 1
	DTMF2     DTMFDigit = 2
	DTMF3     DTMFDigit = 3
	DTMF4     DTMFDigit = 4
	DTMF5     DTMFDigit = 5
	DTMF6     DTMFDigit = 6
	DTMF7     DTMFDigit = 7
	DTMF8     DTMFDigit = 8
	DTMF9     DTMFDigit = 9
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFB     DTMFDigit = 13
	DTMFC     DTMFDigit = 14
	DTMFD     DTMFDigit = 15
)

const dtmfDigitChars = "0123456789*#ABCD"

func (d DTMFDigit) String() string {
	if int(d) < len(dtmfDigitChars) {
		return string(dtmfDigitChars[d])
	}
	return "?"
}

// DigitFromRune преобразует символ в DTMF цифру
func DigitFromRune(r rune) (DTMFDigit, error) {
	for i, c := range dtmfDigitChars {
		if c == r {
			return DTMFDigit(i), nil
		}
	}
	return 0, fmt.Errorf("недопустимый DTMF символ: %q", r)
}

// DigitsFromString преобразует строку в последовательность DTMF цифр
func DigitsFromString(s string) ([]DTMFDigit, error) {
	digits := make([]DTMFDigit, 0, len(s))
	for _, r := range s {
		digit, err := DigitFromRune(r)
		if err != nil {
			return nil, err
		}
		digits = append(digits, digit)
	}
	return digits, nil
}

// DTMFEvent представляет принятое или отправляемое DTMF событие
type DTMFEvent struct {
	Digit     DTMFDigit     // DTMF цифра
	Duration  time.Duration // Длительность нажатия
	Volume    int8          // Уровень громкости (от 0 до -63 dBm)
	Timestamp uint32        // RTP timestamp начала события
}

// dtmfRedundancy - число повторов начального и конечного пакета события.
// Telephone-event не ретранслируется, избыточность компенсирует потери.
const dtmfRedundancy = 3

// EncodeDTMFEvent кодирует DTMF событие в последовательность RTP payload
// согласно RFC 4733: dtmfRedundancy начальных и dtmfRedundancy конечных
// (E бит) четырехбайтных блоков. Громкость фиксирована на -10 dBm.
func EncodeDTMFEvent(digit DTMFDigit, durationSamples uint16) [][]byte {
	const volume = 10 // -10 dBm

	start := encodeDTMFPayload(digit, false, volume, durationSamples)
	end := encodeDTMFPayload(digit, true, volume, durationSamples)

	payloads := make([][]byte, 0, dtmfRedundancy*2)
	for i := 0; i < dtmfRedundancy; i++ {
		payloads = append(payloads, start)
	}
	for i := 0; i < dtmfRedundancy; i++ {
		payloads = append(payloads, end)
	}
	return payloads
}

// encodeDTMFPayload сериализует один четырехбайтный блок telephone-event:
// event(8) | E(1) R(1) volume(6) | duration(16, big-endian)
func encodeDTMFPayload(digit DTMFDigit, end bool, volume uint8, duration uint16) []byte {
	data := make([]byte, 4)
	data[0] = uint8(digit) & 0x0F
	data[1] = volume & 0x3F
	if end {
		data[1] |= 0x80
	}
	data[2] = byte(duration >> 8)
	data[3] = byte(duration)
	return data
}

// DTMFReceiver выделяет telephone-event пакеты из RTP потока и публикует
// событие подписчику один раз на нажатие. Используется только из цикла
// приема сессии, синхронизация не требуется.
type DTMFReceiver struct {
	payloadType codec.PayloadType
	onEvent     func(DTMFEvent)

	activeDigit DTMFDigit
	activeTS    uint32
	eventActive bool
}

// NewDTMFReceiver создает приемник telephone-event для указанного
// динамического payload типа
func NewDTMFReceiver(payloadType codec.PayloadType, onEvent func(DTMFEvent)) *DTMFReceiver {
	return &DTMFReceiver{
		payloadType: payloadType,
		onEvent:     onEvent,
	}
}

// ProcessPacket проверяет пакет на telephone-event. Возвращает true если
// пакет принадлежит DTMF потоку и не должен попасть в аудио тракт.
//
// Событие публикуется немедленно по первому пакету нажатия, не дожидаясь
// конечного пакета; повторы и продолжения события не дублируют вызов.
func (dr *DTMFReceiver) ProcessPacket(packet *rtp.Packet) (bool, error) {
	if codec.PayloadType(packet.PayloadType) != dr.payloadType {
		return false, nil
	}

	if len(packet.Payload) < 4 {
		return true, fmt.Errorf("некорректный размер telephone-event payload: %d", len(packet.Payload))
	}

	digit := DTMFDigit(packet.Payload[0] & 0x0F)
	endFlag := packet.Payload[1]&0x80 != 0
	volume := packet.Payload[1] & 0x3F
	durationSamples := uint16(packet.Payload[2])<<8 | uint16(packet.Payload[3])

	if endFlag {
		// Конечные пакеты (включая повторы) закрывают событие
		if dr.eventActive && dr.activeDigit == digit && dr.activeTS == packet.Timestamp {
			dr.eventActive = false
		}
		return true, nil
	}

	// Повтор или продолжение уже опубликованного нажатия
	if dr.eventActive && dr.activeDigit == digit && dr.activeTS == packet.Timestamp {
		return true, nil
	}

	dr.activeDigit = digit
	dr.activeTS = packet.Timestamp
	dr.eventActive = true

	if dr.onEvent != nil {
		dr.onEvent(DTMFEvent{
			Digit:     digit,
			Duration:  time.Duration(durationSamples) * time.Second / 8000,
			Volume:    -int8(volume),
			Timestamp: packet.Timestamp,
		})
	}

	return true, nil
}
