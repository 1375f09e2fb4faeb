package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with google.golang.org/grpc/encoding so that
// grpc.CallContentSubtype / the server's default codec selection picks this
// implementation over the (absent) protobuf generated marshaler.
const CodecName = "zisk-json"

// jsonCodec implements encoding.Codec by marshaling the hand-written
// message structs in messages.go with encoding/json. This lets the service
// in service.go run on a real *grpc.Server / *grpc.ClientConn, with real
// stream framing and flow control, without a protoc code-generation step.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// errUnexpectedType formats an error for a decoded message of a type the
// caller did not expect. Nothing in this package calls it; the codec does
// not check that exactly one WorkerMessage payload field is set.
func errUnexpectedType(v interface{}) error {
	return fmt.Errorf("transport: unexpected message type %T", v)
}
