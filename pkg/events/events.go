// Package events publishes fleet lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type Kind string

const (
	KindRunStarted    Kind = "run_started"
	KindRunFinished   Kind = "run_finished"
	KindPhaseEntered  Kind = "phase_entered"
	KindHostOperation Kind = "host_operation"
	KindProjectStatus Kind = "project_status"
)

type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

var errUnknownEncoding = errors.New("unknown event encoding")

// Event is a single lifecycle notification for one orchestration run.
type Event struct {
	RunID     string    `json:"run_id" cbor:"1,keyasint"`
	Kind      Kind      `json:"kind" cbor:"2,keyasint"`
	Phase     string    `json:"phase,omitempty" cbor:"3,keyasint,omitempty"`
	Host      string    `json:"host,omitempty" cbor:"4,keyasint,omitempty"`
	Operation string    `json:"operation,omitempty" cbor:"5,keyasint,omitempty"`
	ProjectID string    `json:"project_id,omitempty" cbor:"6,keyasint,omitempty"`
	Status    string    `json:"status,omitempty" cbor:"7,keyasint,omitempty"`
	Error     string    `json:"error,omitempty" cbor:"8,keyasint,omitempty"`
	Timestamp time.Time `json:"timestamp" cbor:"9,keyasint"`
}

// Emitter delivers events. Emit failures never abort a run; callers log them.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
	Close(ctx context.Context) error
}

func Encode(enc Encoding, ev Event) ([]byte, error) {
	switch enc {
	case EncodingJSON, "":
		return json.Marshal(ev)
	case EncodingCBOR:
		return cbor.Marshal(ev)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownEncoding, enc)
	}
}

func Decode(enc Encoding, data []byte) (Event, error) {
	var ev Event

	switch enc {
	case EncodingJSON, "":
		return ev, json.Unmarshal(data, &ev)
	case EncodingCBOR:
		return ev, cbor.Unmarshal(data, &ev)
	default:
		return ev, fmt.Errorf("%w: %s", errUnknownEncoding, enc)
	}
}

type noop struct{}

// Noop returns an Emitter that discards every event.
func Noop() Emitter {
	return noop{}
}

func (noop) Emit(context.Context, Event) error {
	return nil
}

func (noop) Close(context.Context) error {
	return nil
}
