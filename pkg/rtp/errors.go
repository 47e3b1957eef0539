package rtp

import (
	"fmt"
	"net"
	"strings"
)

// NetworkErrorType классифицирует сетевые ошибки для решения о повторе
type NetworkErrorType int

const (
	ErrorTypeTemporary  NetworkErrorType = iota // Временная ошибка, повтор имеет смысл
	ErrorTypePermanent                          // Постоянная ошибка
	ErrorTypeTimeout                            // Таймаут чтения (нормальное поведение)
	ErrorTypeConnection                         // Проблема соединения
	ErrorTypeUnknown
)

func (t NetworkErrorType) String() string {
	switch t {
	case ErrorTypeTemporary:
		return "temporary"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnection:
		return "connection"
	default:
		return "unknown"
	}
}

// ClassifiedError - обертка сетевой ошибки с классификацией
type ClassifiedError struct {
	Type      NetworkErrorType
	Operation string
	Err       error
	Retryable bool
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s (type: %s, retryable: %t)",
		e.Operation, e.Err.Error(), e.Type, e.Retryable)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func errUnsupportedVersion(version uint8) error {
	return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", version, ExpectedRTPVersion)
}

// classifyNetworkError анализирует сетевую ошибку и возвращает классифицированную версию
func classifyNetworkError(operation string, err error) error {
	if err == nil {
		return nil
	}

	classified := &ClassifiedError{
		Operation: operation,
		Err:       err,
		Type:      ErrorTypeUnknown,
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		classified.Type = ErrorTypeTimeout
		classified.Retryable = true
		return classified
	}

	switch {
	case isConnectionError(err):
		classified.Type = ErrorTypeConnection
		classified.Retryable = true
	case isPermanentError(err):
		classified.Type = ErrorTypePermanent
	}

	return classified
}

func isConnectionError(err error) bool {
	return containsAny(err.Error(),
		"connection refused",
		"connection reset",
		"network is unreachable",
		"host is unreachable",
		"no route to host",
	)
}

func isPermanentError(err error) bool {
	return containsAny(err.Error(),
		"invalid argument",
		"address family not supported",
		"permission denied",
		"operation not supported",
	)
}

func containsAny(s string, substrs ...string) bool {
	for _, substr := range substrs {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
