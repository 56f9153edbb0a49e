// Package bpv7 implements the Bundle Protocol Version 7 wire format
// (RFC 9171): bundle construction, CBOR encoding and decoding, the
// three-mode parser required by spec section 4.2.1, fragmentation and
// reassembly, and administrative records.
//
// Bundles are usually assembled with Builder:
//
//	b, err := bpv7.NewBuilder().
//		Source(src).
//		Destination(dst).
//		CreationTimestampNow(0).
//		Lifetime(time.Hour).
//		HopCountBlock(64).
//		Payload(0, []byte("hello world")).
//		Build()
//
// and mutated in place with Editor, which re-encodes only the blocks it
// touches.
package bpv7
