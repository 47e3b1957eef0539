// Package codec реализует телефонные кодеки G.711 (ITU-T) для медиа ядра.
//
// Поддерживаются оба варианта компандирования:
//   - PCMU (μ-law) - payload type 0
//   - PCMA (A-law) - payload type 8, с конвенцией XOR 0x55
//
// Кодеки работают посэмплово и не имеют состояния между сэмплами, поэтому
// Encode/Decode референциально прозрачны и безопасны для конкурентного
// использования. Каноническое внутреннее представление аудио -
// 8 кГц, моно, 16-бит signed little-endian PCM.
package codec

import (
	"encoding/binary"
	"fmt"
)

// TelephonySampleRate - каноническая частота дискретизации телефонного
// аудио тракта (Гц)
const TelephonySampleRate uint32 = 8000

// PayloadType определяет тип payload согласно RFC 3551 Table 4 & 5
type PayloadType uint8

// Аудио payload типы для телефонии (RFC 3551)
const (
	PayloadTypePCMU           PayloadType = 0   // G.711 μ-law
	PayloadTypePCMA           PayloadType = 8   // G.711 A-law
	PayloadTypeTelephoneEvent PayloadType = 101 // DTMF (RFC 4733, динамический)
)

// String возвращает имя кодека для логов и SDP
func (pt PayloadType) String() string {
	switch pt {
	case PayloadTypePCMU:
		return "PCMU"
	case PayloadTypePCMA:
		return "PCMA"
	case PayloadTypeTelephoneEvent:
		return "telephone-event"
	default:
		return fmt.Sprintf("PT%d", uint8(pt))
	}
}

// ClockRate возвращает частоту тактирования RTP для payload типа (Гц)
func (pt PayloadType) ClockRate() uint32 {
	// Все поддерживаемые телефонные типы используют 8 кГц clock
	return 8000
}

// Decode декодирует закодированный payload в линейный PCM (16-бит LE).
// Каждый входной байт дает один 16-битный сэмпл (2 байта на выходе).
func Decode(pt PayloadType, encoded []byte) ([]byte, error) {
	pcm := make([]byte, len(encoded)*2)

	switch pt {
	case PayloadTypePCMU:
		for i, b := range encoded {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(DecodeMuLawSample(b)))
		}
	case PayloadTypePCMA:
		for i, b := range encoded {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(DecodeALawSample(b)))
		}
	default:
		return nil, fmt.Errorf("неподдерживаемый payload type для декодирования: %s", pt)
	}

	return pcm, nil
}

// Encode кодирует линейный PCM (16-бит LE) в payload формат.
// Нечетный хвостовой байт - ошибка вызывающего (неопределенный сэмпл);
// он детерминированно отбрасывается до последнего полного сэмпла.
// Выход за диапазон 16-бит невозможен по построению, а клиппирование
// внутри компандирования выполняется без ошибки.
func Encode(pt PayloadType, pcm []byte) ([]byte, error) {
	samples := len(pcm) / 2 // truncate: хвостовой байт отбрасывается
	encoded := make([]byte, samples)

	switch pt {
	case PayloadTypePCMU:
		for i := 0; i < samples; i++ {
			encoded[i] = EncodeMuLawSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		}
	case PayloadTypePCMA:
		for i := 0; i < samples; i++ {
			encoded[i] = EncodeALawSample(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		}
	default:
		return nil, fmt.Errorf("неподдерживаемый payload type для кодирования: %s", pt)
	}

	return encoded, nil
}

// BytesToSamples конвертирует PCM байты (16-бит LE) в срез int16 сэмплов.
// Нечетный хвостовой байт отбрасывается.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes конвертирует int16 сэмплы в PCM байты (16-бит LE)
func SamplesToBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}
