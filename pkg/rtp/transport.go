// Package rtp реализует RTP транспорт медиа ядра голосового бота.
//
// Один экземпляр транспорта обслуживает одно плечо звонка: владеет UDP
// сокетом, парсит входящие RTP пакеты и сериализует исходящие. Поверх
// транспорта работает Session, которая ведет SSRC/sequence/timestamp
// счетчики, кодирует/декодирует аудио через кодек слой и публикует
// входящий PCM подписчику.
//
// Формат заголовка соответствует RFC 3550: 12 байт, version 2, без
// padding/extension/CSRC. Пакеты короче минимального заголовка молча
// отбрасываются как мусор.
package rtp

import (
	"context"
	"net"

	"github.com/pion/rtp"
)

// Лимиты валидации пакетов согласно RFC 3550
const (
	MinRTPPacketSize = 12   // Минимальный размер RTP заголовка
	MaxRTPPacketSize = 1500 // Максимальный размер (лимит MTU)

	ExpectedRTPVersion = 2 // RFC 3550: версия RTP всегда 2
)

// Transport определяет интерфейс транспортировки RTP пакетов.
// Используется Session для отправки и получения пакетов.
type Transport interface {
	// Send отправляет RTP пакет удаленной стороне
	Send(packet *rtp.Packet) error

	// Receive получает следующий валидный RTP пакет с указанием источника.
	// Пакеты короче минимального заголовка отбрасываются молча.
	Receive(ctx context.Context) (*rtp.Packet, net.Addr, error)

	// LocalAddr возвращает локальный адрес транспорта
	LocalAddr() net.Addr

	// RemoteAddr возвращает текущий удаленный адрес (nil если еще не известен)
	RemoteAddr() net.Addr

	// SetRemoteAddr устанавливает удаленный адрес из внешней сигнализации
	SetRemoteAddr(addr string) error

	// Close закрывает транспорт, синхронно освобождая сокет
	Close() error

	// IsActive проверяет активность транспорта
	IsActive() bool
}

// TransportConfig - базовая конфигурация транспорта
type TransportConfig struct {
	LocalAddr  string // Локальный адрес для привязки ("host:port")
	RemoteAddr string // Удаленный адрес (опционально: может быть выучен из трафика)
	BufferSize int    // Размер буфера чтения
}

// DefaultTransportConfig возвращает конфигурацию по умолчанию
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		BufferSize: MaxRTPPacketSize,
	}
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return &ClassifiedError{
			Type:      ErrorTypePermanent,
			Operation: "header validation",
			Err:       errUnsupportedVersion(header.Version),
		}
	}
	return nil
}
