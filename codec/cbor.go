package codec

import "github.com/fxamacker/cbor/v2"

// KindCBOR identifies the CBOR codec.
const KindCBOR = "cbor"

// CBOR encodes messages as RFC 8949 CBOR. Sync payloads are carried as byte
// strings instead of base64 text, so frames are smaller than with JSON.
type CBOR struct{}

func (CBOR) Kind() string { return KindCBOR }

func (CBOR) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (CBOR) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
