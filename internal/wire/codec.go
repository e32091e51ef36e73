package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

type frame struct {
	Type    Kind            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type snapshotPayload struct {
	Steps string `json:"steps"`
	Date  string `json:"date"`
}

// Encode сериализует конверт в основной формат {type, id, payload}.
func Encode(env Envelope) ([]byte, error) {
	f := frame{ID: env.ID}

	switch m := env.Message.(type) {
	case RequestSteps:
		f.Type = KindRequestSteps
		if m.Since != nil {
			raw, _ := json.Marshal(m.Since.UTC().Format(time.RFC3339Nano))
			f.Payload = raw
		}
	case StepsSnapshot:
		if err := validSteps(m.Steps); err != nil {
			return nil, err
		}
		f.Type = KindStepsSnapshot
		raw, err := json.Marshal(snapshotPayload{
			Steps: strconv.FormatFloat(m.Steps, 'f', -1, 64),
			Date:  m.Date.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		f.Payload = raw
	case Heartbeat:
		f.Type = KindHeartbeat
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMessage, env.Message)
	}

	return json.Marshal(f)
}

// Decode разбирает основной формат. Время возвращается в UTC.
func Decode(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := Envelope{ID: f.ID}

	switch f.Type {
	case KindRequestSteps:
		var msg RequestSteps
		if len(f.Payload) > 0 && string(f.Payload) != "null" {
			var s string
			if err := json.Unmarshal(f.Payload, &s); err != nil {
				return Envelope{}, fmt.Errorf("%w: since: %v", ErrMalformed, err)
			}
			since, err := parseTime(s)
			if err != nil {
				return Envelope{}, err
			}
			msg.Since = &since
		}
		env.Message = msg
	case KindStepsSnapshot:
		var p snapshotPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return Envelope{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		steps, err := strconv.ParseFloat(p.Steps, 64)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: steps: %v", ErrMalformed, err)
		}
		// ParseFloat пропускает "NaN" и "Inf" - такие снимки не принимаем
		if err := validSteps(steps); err != nil {
			return Envelope{}, err
		}
		date, err := parseTime(p.Date)
		if err != nil {
			return Envelope{}, err
		}
		env.Message = StepsSnapshot{Steps: steps, Date: date}
	case KindHeartbeat:
		env.Message = Heartbeat{}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}

	return env, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q: %v", ErrMalformed, s, err)
	}
	return t.UTC(), nil
}

func validSteps(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: steps must be finite, got %v", ErrInvalidMessage, v)
	}
	return nil
}
