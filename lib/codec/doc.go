// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding configuration shared by
// every on-disk format in this module.
//
// The retry spool stores each queued export as a compressed payload
// file plus a small CBOR metadata file. Metadata is rewritten after
// every failed delivery attempt, so the encoder uses Core
// Deterministic Encoding: the same logical metadata always produces
// the same bytes.
//
//	data, err := codec.Marshal(meta)
//	err = codec.Unmarshal(data, &meta)
//
// Types that are only ever written to disk carry `cbor` struct tags.
package codec
