package cache

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// sizeMode is canonical so equal values always report equal sizes.
var sizeMode = mustSizeMode()

func mustSizeMode() cbor.EncMode {
	mode, err := cbor.EncOptions{Sort: cbor.SortCanonical, Time: cbor.TimeRFC3339}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cache: cbor size mode: %v", err))
	}
	return mode
}

// approxSize is the CBOR-encoded size of v, or 0 when v cannot be encoded
// (funcs, channels). Stats only; never enforced.
func approxSize(v any) int {
	if v == nil {
		return 0
	}
	data, err := sizeMode.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
