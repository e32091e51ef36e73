// Package wire описывает протокол обмена между устройствами: закрытый набор
// вариантов сообщения и две формы кодирования - основную (JSON) и запасную
// (плоская карта ключ-значение для канала store-and-forward).
package wire

import (
	"errors"
	"time"
)

type Kind string

const (
	KindRequestSteps  Kind = "requestSteps"
	KindStepsSnapshot Kind = "stepsSnapshot"
	KindHeartbeat     Kind = "heartbeat"
)

var (
	ErrUnknownType    = errors.New("wire: unknown message type")
	ErrMalformed      = errors.New("wire: malformed message")
	ErrInvalidMessage = errors.New("wire: invalid message")
)

// Message - сумма-тип. Реализации есть только в этом пакете.
type Message interface {
	Kind() Kind
	isMessage()
}

// RequestSteps - запрос шагов с момента Since (nil - с начала дня на стороне ответчика).
type RequestSteps struct {
	Since *time.Time
}

// StepsSnapshot - снимок накопленного значения на момент Date.
type StepsSnapshot struct {
	Steps float64
	Date  time.Time
}

type Heartbeat struct{}

func (RequestSteps) Kind() Kind  { return KindRequestSteps }
func (StepsSnapshot) Kind() Kind { return KindStepsSnapshot }
func (Heartbeat) Kind() Kind     { return KindHeartbeat }

func (RequestSteps) isMessage()  {}
func (StepsSnapshot) isMessage() {}
func (Heartbeat) isMessage()     {}

// Envelope добавляет к сообщению ключ идемпотентности. Прямая отправка и
// запасная передача одного и того же Send несут одинаковый ID.
type Envelope struct {
	ID      string
	Message Message
}
