package dispatch

import (
	"bytes"
	"encoding/gob"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype under which gridWireCodec is registered.
// Selecting it per-call with grpc.CallContentSubtype(codecName) is what lets
// a single hand-written streaming method carry every message in the wire
// table without a .proto file or protoc-gen-go-grpc step.
const codecName = "cachewire"

func init() {
	encoding.RegisterCodec(gridWireCodec{})
}

// gridWireCodec implements google.golang.org/grpc/encoding.Codec with
// encoding/gob instead of protobuf. Envelope is the only type ever passed
// to Marshal/Unmarshal; its Payload field carries a second, inner gob
// encoding of whatever concrete message type Kind names (see envelope.go).
type gridWireCodec struct{}

func (gridWireCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gridWireCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (gridWireCodec) Name() string {
	return codecName
}
