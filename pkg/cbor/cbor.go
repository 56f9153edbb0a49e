// Package cbor wraps github.com/dtn7/cboring with the byte-range and
// shortest-form tracking BPv7 parsing needs: a Decoder that reports
// whether every integer it read used the shortest possible CBOR encoding
// and the exact byte range a byte string occupied in the source buffer,
// and a closure-scoped array context. There is no map context.
package cbor

import (
	"bytes"
	"errors"
	"io"

	"github.com/dtn7/cboring"
)

// Errors defined by this package, layered over whatever dtn7/cboring
// itself reports for truncated or malformed input. ParseArray returns
// ErrRecursionLimit; no function here returns ErrTrailingBytes.
var (
	ErrRecursionLimit = errors.New("cbor: recursion limit exceeded")
	ErrTrailingBytes  = errors.New("cbor: array/map context left unconsumed bytes")
)

// maxNesting bounds recursive descent into nested arrays/maps, per the
// codec's RecursionLimit failure mode.
const maxNesting = 128

// countingReader wraps an io.Reader (over a fixed in-memory buffer) and
// records how many bytes have been consumed, letting callers recover exact
// byte ranges for items they just parsed.
type countingReader struct {
	buf    []byte
	offset int
}

func newCountingReader(buf []byte) *countingReader {
	return &countingReader{buf: buf}
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.offset >= len(c.buf) {
		return 0, io.EOF
	}
	n := copy(p, c.buf[c.offset:])
	c.offset += n
	return n, nil
}

// Decoder parses a single, self-contained CBOR byte slice while tracking
// shortest-form violations and byte ranges. It is not safe for concurrent
// use; create one per parse.
type Decoder struct {
	r        *countingReader
	depth    int
	shortest bool // accumulates to false once any violation is seen
	sawTag   bool
}

// NewDecoder creates a Decoder over buf. Parsing starts at offset 0.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{r: newCountingReader(buf), shortest: true}
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.r.offset }

// Shortest reports whether every value decoded so far used CBOR's
// shortest-form encoding and carried no tags. It never resets to true once
// cleared.
func (d *Decoder) Shortest() bool { return d.shortest && !d.sawTag }

// Reader exposes the underlying io.Reader for direct use with
// dtn7/cboring primitives (ReadUInt, ReadByteString, ...).
func (d *Decoder) Reader() io.Reader { return d.r }

func (d *Decoder) markNonShortest() { d.shortest = false }

// ReadUInt reads an unsigned integer, recording non-shortest encodings.
func (d *Decoder) ReadUInt() (uint64, error) {
	start := d.r.offset
	v, err := cboring.ReadUInt(d.r)
	if err != nil {
		return 0, err
	}
	d.checkShortestUint(v, d.r.offset-start)
	return v, nil
}

// checkShortestUint compares the number of bytes actually used against the
// minimum CBOR requires for v, flagging over-long encodings.
func (d *Decoder) checkShortestUint(v uint64, usedBytes int) {
	want := minimalUintWidth(v)
	if usedBytes > want {
		d.markNonShortest()
	}
}

func minimalUintWidth(v uint64) int {
	switch {
	case v <= 23:
		return 1
	case v <= 0xff:
		return 2
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// ReadByteString reads a definite-length byte string and returns both its
// content and the byte range [start, end) it occupied in the source
// buffer (header included), for zero-copy slicing by callers.
func (d *Decoder) ReadByteString() (content []byte, byteRange [2]int, err error) {
	start := d.r.offset
	content, err = cboring.ReadByteString(d.r)
	if err != nil {
		return nil, [2]int{}, err
	}
	return content, [2]int{start, d.r.offset}, nil
}

// ArrayContext is handed to the closure passed to ParseArray. Count is the
// element count ParseArray read from the array header.
type ArrayContext struct {
	dec   *Decoder
	count int64
}

// Count returns the element count read from the array header.
func (a *ArrayContext) Count() int64 { return a.count }

// Decoder exposes the parent decoder for reading elements.
func (a *ArrayContext) Decoder() *Decoder { return a.dec }

// ParseArray reads an array header, invokes fn with a context carrying
// its element count, and returns fn's result. It does not check how many
// items fn read, and it does not read or check an indefinite-length
// array's break code; both are left to fn.
func (d *Decoder) ParseArray(fn func(ctx *ArrayContext) error) error {
	if d.depth >= maxNesting {
		return ErrRecursionLimit
	}
	d.depth++
	defer func() { d.depth-- }()

	l, err := cboring.ReadArrayLength(d.r)
	if err != nil {
		return err
	}

	ctx := &ArrayContext{dec: d, count: int64(l)}
	return fn(ctx)
}

// TryParse attempts to decode a value with parseFn without permanently
// consuming input on failure: it decodes from a private copy of the
// remaining buffer and only commits the advanced offset on success.
func (d *Decoder) TryParse(parseFn func(dec *Decoder) error) (ok bool, err error) {
	snapshot := d.r.buf[d.r.offset:]
	sub := NewDecoder(snapshot)

	if perr := parseFn(sub); perr != nil {
		return false, perr
	}

	d.r.offset += sub.Offset()
	if !sub.Shortest() {
		d.markNonShortest()
	}
	return true, nil
}

// Encoder writes shortest-form CBOR into an in-memory buffer. It does not
// record byte ranges itself: callers read Len before and after writing an
// item to learn its range, and WriteRaw splices unmodified block ranges
// back in verbatim (the Editor's touched-range re-encoding).
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder creates an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Writer exposes the underlying io.Writer for direct use with
// dtn7/cboring primitives (WriteUInt, WriteByteString, ...). dtn7/cboring
// always emits shortest-form integers, so no additional tracking is
// needed on the write path.
func (e *Encoder) Writer() io.Writer { return &e.buf }

// Bytes returns everything written so far.
func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return e.buf.Len() }

// WriteUInt writes v in shortest form.
func (e *Encoder) WriteUInt(v uint64) error {
	return cboring.WriteUInt(v, &e.buf)
}

// WriteByteString writes b as a definite-length byte string.
func (e *Encoder) WriteByteString(b []byte) error {
	return cboring.WriteByteString(b, &e.buf)
}

// WriteArrayLength writes a definite array length header.
func (e *Encoder) WriteArrayLength(n uint64) error {
	return cboring.WriteArrayLength(n, &e.buf)
}

// WriteRaw appends pre-encoded bytes verbatim, used to splice an
// unmodified block's byte range back into a re-encoded bundle.
func (e *Encoder) WriteRaw(b []byte) error {
	_, err := e.buf.Write(b)
	return err
}
