package rpc

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/fontbakery/dashcache/pkg/codec"
)

// CodecName is the gRPC content subtype of the CBOR codec.
const CodecName = "cbor"

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return codec.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return codec.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// callCBOR makes a call use the CBOR codec.
var callCBOR = grpc.CallContentSubtype(CodecName)
