// ABOUTME: CBOR envelope codec for protocol messages crossing a process boundary.
// ABOUTME: Unknown ops and malformed bodies are decode errors, which the transport treats as fatal.

package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownOp is returned when an envelope carries an op outside the
// expected direction's variant set.
var ErrUnknownOp = errors.New("unknown op")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payloads and event data decode into any; use string-keyed maps
		// so they look the same as in-process values.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Envelope frames one message.
type Envelope struct {
	Op   Op              `cbor:"op"`
	Body cbor.RawMessage `cbor:"body,omitempty"`
}

// EncodeCommand encodes a command envelope.
func EncodeCommand(c Command) ([]byte, error) {
	return encode(c.Op(), c)
}

// EncodeReply encodes a reply envelope.
func EncodeReply(r Reply) ([]byte, error) {
	return encode(r.Op(), r)
}

func encode(op Op, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", op, err)
	}
	data, err := encMode.Marshal(Envelope{Op: op, Body: body})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", op, err)
	}
	return data, nil
}

func decodeBody[T any](env Envelope) (T, error) {
	var v T
	if len(env.Body) == 0 {
		return v, fmt.Errorf("decoding %s: empty body", env.Op)
	}
	if err := decMode.Unmarshal(env.Body, &v); err != nil {
		return v, fmt.Errorf("decoding %s: %w", env.Op, err)
	}
	return v, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}

// DecodeCommand decodes a command envelope.
func DecodeCommand(data []byte) (Command, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Op {
	case OpConnect:
		return decodeBody[Connect](env)
	case OpDestroy:
		return decodeBody[Destroy](env)
	case OpSend:
		return decodeBody[Send](env)
	case OpFetchStatus:
		return decodeBody[FetchStatus](env)
	case OpSessionInfoResponse:
		return decodeBody[SessionInfoResponse](env)
	case OpShardCanIdentify:
		return decodeBody[ShardCanIdentify](env)
	default:
		return nil, fmt.Errorf("command %s: %w", env.Op, ErrUnknownOp)
	}
}

// DecodeReply decodes a reply envelope.
func DecodeReply(data []byte) (Reply, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Op {
	case OpConnected:
		return decodeBody[Connected](env)
	case OpDestroyed:
		return decodeBody[Destroyed](env)
	case OpEvent:
		return decodeBody[ShardEvent](env)
	case OpFetchStatusResponse:
		return decodeBody[FetchStatusResponse](env)
	case OpWorkerReady:
		return decodeBody[WorkerReady](env)
	case OpCommandFailed:
		return decodeBody[CommandFailed](env)
	case OpRetrieveSessionInfo:
		return decodeBody[RetrieveSessionInfo](env)
	case OpUpdateSessionInfo:
		return decodeBody[UpdateSessionInfo](env)
	case OpWaitForIdentify:
		return decodeBody[WaitForIdentify](env)
	default:
		return nil, fmt.Errorf("reply %s: %w", env.Op, ErrUnknownOp)
	}
}
