// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The
// same metadata always produces identical bytes, which keeps spool
// checksums stable across rewrites.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown fields are ignored so newer
// writers can add metadata fields without breaking older readers.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// time.Time values (enqueue and next-attempt times) are written as
	// RFC 3339 text with nanosecond precision so spool files stay
	// readable with `cbor diag` style tooling.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for
// data. Used by the spool CLI to show raw metadata of entries it
// cannot decode.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
