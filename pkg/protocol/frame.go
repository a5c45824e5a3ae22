package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the frame envelope.
const (
	fieldEvent   protowire.Number = 1
	fieldPayload protowire.Number = 2
)

// ErrEmptyEvent is returned when a frame carries no event name.
var ErrEmptyEvent = errors.New("frame has no event name")

// Frame is one tagged event on the wire: an event name plus a JSON payload.
type Frame struct {
	Event   string
	Payload json.RawMessage
}

// NewFrame builds the frame for an event, marshaling it as the payload.
func NewFrame(ev Event) (Frame, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", ev.EventName(), err)
	}
	return Frame{Event: ev.EventName(), Payload: payload}, nil
}

// Encode encodes the frame using the protobuf wire format.
func (f Frame) Encode() ([]byte, error) {
	if f.Event == "" {
		return nil, ErrEmptyEvent
	}
	b := make([]byte, 0, len(f.Event)+len(f.Payload)+8)
	b = protowire.AppendTag(b, fieldEvent, protowire.BytesType)
	b = protowire.AppendString(b, f.Event)
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b, nil
}

// Decode decodes bytes produced by Encode into the frame.
// Unknown fields are skipped so newer peers can extend the envelope.
func (f *Frame) Decode(data []byte) error {
	var out Frame
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("failed to decode frame: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldEvent && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return fmt.Errorf("failed to decode frame event: %w", protowire.ParseError(m))
			}
			out.Event = v
			n = m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("failed to decode frame payload: %w", protowire.ParseError(m))
			}
			out.Payload = append(json.RawMessage(nil), v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("failed to skip frame field %d: %w", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	if out.Event == "" {
		return ErrEmptyEvent
	}
	*f = out
	return nil
}
