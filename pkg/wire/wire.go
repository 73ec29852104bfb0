// Package wire converts between typed link messages and the loosely typed
// JSON objects exchanged over the link.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"timer-link/pkg/model"
)

// ErrMalformed marks payloads missing required fields or carrying bad values.
var ErrMalformed = errors.New("malformed payload")

// Payload is a JSON object as exchanged over the link.
type Payload map[string]interface{}

// Kind classifies an inbound payload.
type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindTimerState Kind = "timerState"
	KindCommand    Kind = "command"
	KindPing       Kind = "ping"
	KindPong       Kind = "pong"
	KindHeartRate  Kind = "heartRate"
)

// Command names carried in {"command": ...}.
const (
	CommandStart = "start"
	CommandStop  = "stop"
	CommandPing  = "ping"
)

const typeTimerState = "timerState"

// Classify inspects p without validating it. Pong is checked first so that a
// reply echoing other keys is never mistaken for a request.
func Classify(p Payload) Kind {
	if _, ok := p["pong"]; ok {
		return KindPong
	}
	if t, _ := p["type"].(string); t == typeTimerState {
		return KindTimerState
	}
	if c, ok := p["command"].(string); ok {
		if c == CommandPing {
			return KindPing
		}
		return KindCommand
	}
	if _, ok := p["heartRate"]; ok {
		return KindHeartRate
	}
	return KindUnknown
}

// EncodeTimerState builds the timer state payload. Negative seconds are
// clamped to zero.
func EncodeTimerState(m model.TimerWireMessage) Payload {
	p := Payload{
		"type":           typeTimerState,
		"mode":           string(m.Mode),
		"phase":          string(m.Phase),
		"displaySeconds": max(0, m.DisplaySeconds),
		"headline":       m.Headline,
	}
	if m.Exercise != nil {
		p["exercise"] = *m.Exercise
	}
	return p
}

// DecodeTimerState validates and converts a timer state payload. An empty
// mode is accepted and reported through TimerWireMessage.IsIdle.
func DecodeTimerState(p Payload) (model.TimerWireMessage, error) {
	var m model.TimerWireMessage
	if t, _ := p["type"].(string); t != typeTimerState {
		return m, fmt.Errorf("%w: type is not %s", ErrMalformed, typeTimerState)
	}
	phase, ok := p["phase"].(string)
	if !ok {
		return m, fmt.Errorf("%w: phase missing", ErrMalformed)
	}
	m.Phase = model.Phase(phase)
	if !m.Phase.Valid() {
		return m, fmt.Errorf("%w: unknown phase %q", ErrMalformed, phase)
	}
	mode, _ := p["mode"].(string)
	m.Mode = model.Mode(mode)
	if m.IsIdle() {
		return m, nil
	}
	if !m.Mode.Valid() {
		return m, fmt.Errorf("%w: unknown mode %q", ErrMalformed, mode)
	}
	secs, err := intField(p, "displaySeconds")
	if err != nil {
		return m, err
	}
	if secs < 0 {
		return m, fmt.Errorf("%w: displaySeconds %d < 0", ErrMalformed, secs)
	}
	m.DisplaySeconds = secs
	if v, present := p["headline"]; present {
		s, ok := v.(string)
		if !ok {
			return m, fmt.Errorf("%w: headline is not a string", ErrMalformed)
		}
		m.Headline = s
	}
	if v, present := p["exercise"]; present {
		s, ok := v.(string)
		if !ok {
			return m, fmt.Errorf("%w: exercise is not a string", ErrMalformed)
		}
		m.Exercise = &s
	}
	return m, nil
}

// EncodeCommand builds {"command": name}.
func EncodeCommand(name string) Payload {
	return Payload{"command": name}
}

// DecodeCommand returns the start/stop command name.
func DecodeCommand(p Payload) (string, error) {
	c, ok := p["command"].(string)
	if !ok {
		return "", fmt.Errorf("%w: command missing", ErrMalformed)
	}
	switch c {
	case CommandStart, CommandStop:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown command %q", ErrMalformed, c)
}

// EncodePing builds a ping request.
func EncodePing(id string) Payload {
	return Payload{"command": CommandPing, "pingId": id}
}

// DecodePing returns the correlation id; an id-less ping yields "".
func DecodePing(p Payload) (string, error) {
	if c, _ := p["command"].(string); c != CommandPing {
		return "", fmt.Errorf("%w: not a ping", ErrMalformed)
	}
	id, _ := p["pingId"].(string)
	return id, nil
}

// Pong is a decoded liveness reply.
type Pong struct {
	OK     bool
	PingID string
}

// EncodePong echoes id when non-empty.
func EncodePong(id string) Payload {
	p := Payload{"pong": true}
	if id != "" {
		p["pingId"] = id
	}
	return p
}

func DecodePong(p Payload) (Pong, error) {
	v, ok := p["pong"]
	if !ok {
		return Pong{}, fmt.Errorf("%w: pong missing", ErrMalformed)
	}
	okVal, _ := v.(bool)
	id, _ := p["pingId"].(string)
	return Pong{OK: okVal, PingID: id}, nil
}

// EncodeAck is the reply to a direct request that is not a ping.
func EncodeAck() Payload {
	return Payload{"ok": true}
}

// EncodeHeartRate builds a sample payload.
func EncodeHeartRate(bpm float64) Payload {
	return Payload{"heartRate": bpm}
}

// DecodeHeartRate accepts integer or floating point samples.
func DecodeHeartRate(p Payload) (float64, error) {
	v, ok := p["heartRate"]
	if !ok {
		return 0, fmt.Errorf("%w: heartRate missing", ErrMalformed)
	}
	f, ok := number(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: heartRate is not a number", ErrMalformed)
	}
	return f, nil
}

// Marshal encodes p as JSON.
func Marshal(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal decodes a JSON object.
func Unmarshal(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return p, nil
}

func intField(p Payload, key string) (int, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s missing", ErrMalformed, key)
	}
	f, ok := number(v)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrMalformed, key)
	}
	if f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("%w: %s out of range", ErrMalformed, key)
	}
	return int(f), nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
