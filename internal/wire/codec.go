package wire

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype this codec registers under
// ("application/grpc+json" on the wire).
const CodecName = "json"

// jsonCodec implements encoding.Codec using the standard library's JSON
// marshaler. A registered gRPC codec keeps grpc's transport, TLS
// credentials, status codes, and streaming semantics while using plain Go
// structs (wire.CommandMessage and friends) as the message type instead of
// generated protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
