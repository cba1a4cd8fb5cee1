package sandbox

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical frames produce
// identical bytes.
var encMode cbor.EncMode

// decMode bounds nesting and collection sizes; unknown fields are
// ignored. Text strings are not required to be valid UTF-8 because
// guest strings are arbitrary bytes.
var decMode cbor.DecMode

// maxFrameBytes bounds any single frame crossing the worker boundary.
// Readers enforce it with io.LimitReader.
const maxFrameBytes = 16 << 20

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sandbox: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 4096,
		MaxMapPairs:      64,
		UTF8:             cbor.UTF8DecodeInvalid,
	}.DecMode()
	if err != nil {
		panic("sandbox: CBOR decoder initialization failed: " + err.Error())
	}
}

// WorkRequest is what the supervisor writes to a worker's stdin.
type WorkRequest struct {
	Source         string   `cbor:"1,keyasint"`
	AllowedModules []string `cbor:"2,keyasint"`
	MaxOutputBytes int      `cbor:"3,keyasint,omitempty"`
}

func writeRequest(w io.Writer, req WorkRequest) error {
	return encMode.NewEncoder(w).Encode(req)
}

func readRequest(r io.Reader) (WorkRequest, error) {
	var req WorkRequest
	err := decMode.NewDecoder(io.LimitReader(r, maxFrameBytes)).Decode(&req)
	return req, err
}
