// G.711 компандирование согласно ITU-T Recommendation G.711
// Посэмпловые конвертации между 16-бит линейным PCM и μ-law/A-law
package codec

const (
	muLawBias = 0x84  // Смещение μ-law (132)
	muLawClip = 32635 // Максимальная амплитуда перед компандированием
)

// Границы сегментов квантования
var (
	muLawSegEnd = [8]int32{0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF, 0x1FFF, 0x3FFF, 0x7FFF}
	aLawSegEnd  = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}
)

func segment(val int32, table *[8]int32) int {
	for i, end := range table {
		if val <= end {
			return i
		}
	}
	return 8
}

// EncodeMuLawSample кодирует один линейный сэмпл в μ-law.
// Значения за пределами диапазона компандирования клиппируются без ошибки.
func EncodeMuLawSample(sample int16) byte {
	// int32 чтобы -32768 не переполнялся при негации
	val := int32(sample)

	var mask int32
	if val < 0 {
		val = muLawBias - val
		mask = 0x7F
	} else {
		val = muLawBias + val
		mask = 0xFF
	}
	if val > muLawClip+muLawBias {
		val = muLawClip + muLawBias
	}

	seg := segment(val, &muLawSegEnd)
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}

	uval := int32(seg)<<4 | (val>>(uint(seg)+3))&0x0F
	return byte(uval ^ mask)
}

// DecodeMuLawSample декодирует один μ-law байт в линейный сэмпл
func DecodeMuLawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	val := (int32(muLawBias) << exponent) + int32(mantissa)<<(exponent+3) - muLawBias
	if sign != 0 {
		return int16(-val)
	}
	return int16(val)
}

// EncodeALawSample кодирует один линейный сэмпл в A-law (конвенция XOR 0x55)
func EncodeALawSample(sample int16) byte {
	val := int32(sample) >> 3 // A-law работает с 13-бит величиной

	var mask int32
	if val >= 0 {
		mask = 0xD5 // знаковый бит 0x80 уже входит
	} else {
		mask = 0x55
		val = -val - 1
	}

	seg := segment(val, &aLawSegEnd)
	if seg >= 8 {
		return byte(0x7F ^ mask)
	}

	aval := int32(seg) << 4
	if seg < 2 {
		aval |= (val >> 1) & 0x0F
	} else {
		aval |= (val >> uint(seg)) & 0x0F
	}
	return byte(aval ^ mask)
}

// DecodeALawSample декодирует один A-law байт в линейный сэмпл
func DecodeALawSample(b byte) int16 {
	a := int32(b ^ 0x55)

	val := (a & 0x0F) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		val += 8
	case 1:
		val += 0x108
	default:
		val += 0x108
		val <<= uint(seg - 1)
	}

	if a&0x80 != 0 {
		return int16(val)
	}
	return int16(-val)
}
