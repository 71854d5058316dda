package dispatch

import (
	"bytes"
	"encoding/gob"

	"github.com/gridcache/gridcache/pkg/types"
)

// Envelope is the single frame type carried over every Exchange stream. Its
// Payload is a second, independent gob encoding of the concrete message type
// Kind names (e.g. Kind == types.KindPrepareRequest -> Payload decodes to a
// types.PrepareRequest). Encoding payloads this way, rather than giving
// Envelope one field per message kind, keeps the stream's wire type fixed
// while the set of message kinds can grow without touching the transport.
type Envelope struct {
	CorrelationID uint64
	Kind          types.MessageKind
	From          types.NodeID
	Payload       []byte
	// Err carries a remote handler failure back as a response envelope
	// rather than tearing down the stream.
	Err string
}

func encodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// EncodePayload gob-encodes v for use as a Handler's returned response
// payload — the same codec Request/Post use for outbound messages, so a
// handler's reply decodes correctly on the caller's side of Request.
func EncodePayload(v any) ([]byte, error) { return encodePayload(v) }

// DecodePayload gob-decodes an inbound Handler payload into v.
func DecodePayload(data []byte, v any) error { return decodePayload(data, v) }

// responseKind maps each request kind to the kind its response envelope
// carries. Inbound responses are recognised by their CorrelationID matching
// a pending Request, not by this kind.
var responseKind = map[types.MessageKind]types.MessageKind{
	types.KindGetRequest:       types.KindGetResponse,
	types.KindPrepareRequest:   types.KindPrepareResponse,
	types.KindFinishRequest:    types.KindFinishResponse,
	types.KindCheckCommitted:   types.KindCheckCommittedResponse,
	types.KindPartitionsSingle: types.KindPartitionsFull,
	types.KindDemandMessage:    types.KindSupplyMessage,
	types.KindJoinRequest:      types.KindJoinResponse,
	types.KindPutRequest:       types.KindPutResponse,
}

func isResponseKind(k types.MessageKind) bool {
	for _, resp := range responseKind {
		if resp == k {
			return true
		}
	}
	return false
}
