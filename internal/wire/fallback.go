package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Ключи запасного формата. Значения - только строки и числа.
const (
	keyType  = "type"
	keyID    = "id"
	keySince = "since"
	keySteps = "steps"
	keyDate  = "date"
)

// EncodeFallback строит плоскую карту для канала store-and-forward.
// Даты усекаются до секунд (RFC 3339) - это допустимая потеря точности.
func EncodeFallback(env Envelope) (map[string]any, error) {
	info := make(map[string]any, 4)
	if env.ID != "" {
		info[keyID] = env.ID
	}

	switch m := env.Message.(type) {
	case RequestSteps:
		info[keyType] = string(KindRequestSteps)
		if m.Since != nil {
			info[keySince] = m.Since.UTC().Format(time.RFC3339)
		}
	case StepsSnapshot:
		if err := validSteps(m.Steps); err != nil {
			return nil, err
		}
		info[keyType] = string(KindStepsSnapshot)
		info[keySteps] = m.Steps
		info[keyDate] = m.Date.UTC().Format(time.RFC3339)
	case Heartbeat:
		info[keyType] = string(KindHeartbeat)
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMessage, env.Message)
	}

	return info, nil
}

// DecodeFallback разбирает карту из канала store-and-forward.
func DecodeFallback(info map[string]any) (Envelope, error) {
	kind, ok := info[keyType].(string)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	env := Envelope{}
	if id, ok := info[keyID].(string); ok {
		env.ID = id
	}

	switch Kind(kind) {
	case KindRequestSteps:
		var msg RequestSteps
		if raw, ok := info[keySince]; ok {
			s, ok := raw.(string)
			if !ok {
				return Envelope{}, fmt.Errorf("%w: since must be a string", ErrMalformed)
			}
			since, err := parseTime(s)
			if err != nil {
				return Envelope{}, err
			}
			msg.Since = &since
		}
		env.Message = msg
	case KindStepsSnapshot:
		steps, err := toFloat(info[keySteps])
		if err != nil {
			return Envelope{}, err
		}
		if err := validSteps(steps); err != nil {
			return Envelope{}, err
		}
		s, ok := info[keyDate].(string)
		if !ok {
			return Envelope{}, fmt.Errorf("%w: date must be a string", ErrMalformed)
		}
		date, err := parseTime(s)
		if err != nil {
			return Envelope{}, err
		}
		env.Message = StepsSnapshot{Steps: steps, Date: date}
	case KindHeartbeat:
		env.Message = Heartbeat{}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}

	return env, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: steps: %v", ErrMalformed, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: steps has type %T", ErrMalformed, v)
	}
}
