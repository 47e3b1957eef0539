package media

import (
	"errors"
	"fmt"
)

// MediaErrorCode определяет типизированные коды ошибок медиа слоя.
// Позволяет классифицировать ошибки по категориям и обрабатывать их
// соответствующим образом.
type MediaErrorCode int

const (
	// Ошибки сессии
	ErrorCodeSessionNotStarted MediaErrorCode = iota + 1000
	ErrorCodeSessionAlreadyStarted
	ErrorCodeSessionClosed
	ErrorCodeSessionInvalidConfig

	// Ошибки аудио тракта
	ErrorCodeAudioSendFailed
	ErrorCodeAudioCodecUnsupported

	// Ошибки транспорта
	ErrorCodeTransportBindFailed
	ErrorCodeTransportRemoteInvalid

	// Ошибки DTMF
	ErrorCodeDTMFNotEnabled
	ErrorCodeDTMFInvalidDigit
)

// String возвращает строковое представление кода ошибки
func (code MediaErrorCode) String() string {
	switch code {
	case ErrorCodeSessionNotStarted:
		return "SessionNotStarted"
	case ErrorCodeSessionAlreadyStarted:
		return "SessionAlreadyStarted"
	case ErrorCodeSessionClosed:
		return "SessionClosed"
	case ErrorCodeSessionInvalidConfig:
		return "SessionInvalidConfig"
	case ErrorCodeAudioSendFailed:
		return "AudioSendFailed"
	case ErrorCodeAudioCodecUnsupported:
		return "AudioCodecUnsupported"
	case ErrorCodeTransportBindFailed:
		return "TransportBindFailed"
	case ErrorCodeTransportRemoteInvalid:
		return "TransportRemoteInvalid"
	case ErrorCodeDTMFNotEnabled:
		return "DTMFNotEnabled"
	case ErrorCodeDTMFInvalidDigit:
		return "DTMFInvalidDigit"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// MediaError - типизированная ошибка медиа слоя с кодом и ID сессии
type MediaError struct {
	Code      MediaErrorCode
	Message   string
	SessionID string
	Wrapped   error
}

// Error реализует интерфейс error
func (e *MediaError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[медиа:%s] сессия %s: %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("[медиа:%s] %s", e.Code, e.Message)
}

// Unwrap поддерживает errors.Unwrap
func (e *MediaError) Unwrap() error {
	return e.Wrapped
}

// Is поддерживает errors.Is, сравнивая ошибки по коду
func (e *MediaError) Is(target error) bool {
	if t, ok := target.(*MediaError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewMediaError создает ошибку медиа слоя
func NewMediaError(code MediaErrorCode, sessionID, message string) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
	}
}

// WrapMediaError оборачивает существующую ошибку кодом медиа слоя
func WrapMediaError(code MediaErrorCode, sessionID, message string, err error) *MediaError {
	return &MediaError{
		Code:      code,
		Message:   message,
		SessionID: sessionID,
		Wrapped:   err,
	}
}

// HasErrorCode проверяет наличие кода в цепочке ошибок
func HasErrorCode(err error, code MediaErrorCode) bool {
	var mediaErr *MediaError
	if errors.As(err, &mediaErr) {
		return mediaErr.Code == code
	}
	return false
}
