package domain

import "errors"

// Таксономия ошибок платформы. Gateway и Repository пробрасывают их без изменений,
// Dashboard-контроллер превращает в текст для пользователя.
var (
	ErrPermissionDenied = errors.New("Permission denied for Health data")
	ErrUnavailable      = errors.New("Health data not available on this device")
	ErrUnknown          = errors.New("Unknown error")
)

// PlatformError оборачивает любой сбой нижележащей платформы.
type PlatformError struct {
	Cause error
}

func (e *PlatformError) Error() string {
	if e.Cause == nil {
		return ErrUnknown.Error()
	}
	return e.Cause.Error()
}

func (e *PlatformError) Unwrap() error {
	return e.Cause
}

// AsPlatform заворачивает ошибку в PlatformError, если она еще не из таксономии.
func AsPlatform(err error) error {
	if err == nil {
		return nil
	}
	if IsTaxonomy(err) {
		return err
	}
	return &PlatformError{Cause: err}
}

// IsTaxonomy сообщает, относится ли ошибка к одному из четырех видов.
func IsTaxonomy(err error) bool {
	var pe *PlatformError
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrUnknown) ||
		errors.As(err, &pe)
}

// Describe возвращает человекочитаемое сообщение; fallback - для ошибок вне таксономии.
func Describe(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var pe *PlatformError
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ErrPermissionDenied.Error()
	case errors.Is(err, ErrUnavailable):
		return ErrUnavailable.Error()
	case errors.As(err, &pe):
		if msg := pe.Error(); msg != "" {
			return msg
		}
		return fallback
	case errors.Is(err, ErrUnknown):
		return ErrUnknown.Error()
	default:
		return fallback
	}
}
